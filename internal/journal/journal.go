// Package journal records orchestration lifecycle changes, including transfers the
// user walked away from, so they can still be reconciled after the fact.
package journal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kesc-finance/wallet/pkg/model"
)

// Entry is one lifecycle change of a flow.
type Entry struct {
	FlowID     string               `json:"flowId"`
	Kind       model.FlowKind       `json:"kind"`
	Wallet     string               `json:"wallet"`
	QuoteID    string               `json:"quoteId,omitempty"`
	TransferID string               `json:"transferId,omitempty"`
	TxHash     string               `json:"txHash,omitempty"`
	State      model.LifecycleState `json:"state"`
	Status     model.TransferStatus `json:"status,omitempty"`
	ErrorKind  string               `json:"errorKind,omitempty"`
	Message    string               `json:"message,omitempty"`
	Abandoned  bool                 `json:"abandoned"`
	RecordedAt time.Time            `json:"recordedAt"`
}

// Journal appends entries. Implementations must be safe for concurrent use.
type Journal interface {
	Record(ctx context.Context, e Entry) error
}

// MemoryJournal keeps entries in process.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemory() *MemoryJournal { return &MemoryJournal{} }

func (m *MemoryJournal) Record(_ context.Context, e Entry) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

// Entries returns a copy of everything recorded, oldest first.
func (m *MemoryJournal) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Entry(nil), m.entries...)
}

// Latest returns the most recent entry for transferID.
func (m *MemoryJournal) Latest(transferID string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].TransferID == transferID {
			return m.entries[i], true
		}
	}
	return Entry{}, false
}

// Abandoned returns the latest entry of every transfer marked abandoned.
func (m *MemoryJournal) Abandoned() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	latest := map[string]Entry{}
	var order []string
	for _, e := range m.entries {
		if e.TransferID == "" {
			continue
		}
		if _, seen := latest[e.TransferID]; !seen {
			order = append(order, e.TransferID)
		}
		latest[e.TransferID] = e
	}
	var out []Entry
	for _, id := range order {
		if latest[id].Abandoned {
			out = append(out, latest[id])
		}
	}
	return out
}

// Tee records to every journal and joins their errors.
func Tee(journals ...Journal) Journal {
	return tee(journals)
}

type tee []Journal

func (t tee) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, j := range t {
		if j == nil {
			continue
		}
		if err := j.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
