// Package store holds the active quote and transfer of the wallet session.
// The orchestrator is the only writer; API handlers, the CLI and the reconciler
// get read-only views.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kesc-finance/wallet/pkg/model"
)

var (
	ErrNoQuote   = errors.New("store: no active quote")
	ErrQuoteUsed = errors.New("store: quote already used")
)

// Snapshot is a copy of the session contents.
type Snapshot struct {
	Quote    *model.Quote    `json:"quote,omitempty"`
	Transfer *model.Transfer `json:"transfer,omitempty"`
}

// Reader is the read-only view handed to everything but the orchestrator.
type Reader interface {
	Quote() *model.Quote
	Transfer() *model.Transfer
	Snapshot() Snapshot
	// Subscribe registers fn for every change and returns the unsubscribe func.
	Subscribe(fn func(Snapshot)) func()
}

// Writer mutates the session. Only the orchestrator holds one.
type Writer interface {
	Reader
	SetQuote(q *model.Quote)
	ConsumeQuote(quoteID string) (*model.Quote, error)
	SetTransfer(t *model.Transfer)
	UpdateTransferStatus(transferID string, status model.TransferStatus) bool
	SetTxHash(transferID, txHash string) bool
	Clear()
}

// Session is the in-memory quote and transfer holder, optionally mirrored to a Persister.
type Session struct {
	logger    *zap.Logger
	persister Persister

	mu       sync.RWMutex
	quote    *model.Quote
	transfer *model.Transfer
	subs     map[int]func(Snapshot)
	nextSub  int
}

// NewSession returns an empty session. persister may be nil.
func NewSession(logger *zap.Logger, persister Persister) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		logger:    logger,
		persister: persister,
		subs:      make(map[int]func(Snapshot)),
	}
}

// Reader returns a view that cannot be asserted back to a Writer.
func (s *Session) Reader() Reader { return readView{s: s} }

func (s *Session) Quote() *model.Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quote.Clone()
}

func (s *Session) Transfer() *model.Transfer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transfer.Clone()
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{Quote: s.quote.Clone(), Transfer: s.transfer.Clone()}
}

func (s *Session) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// SetQuote replaces the active quote.
func (s *Session) SetQuote(q *model.Quote) {
	s.mutate(func() bool {
		s.quote = q.Clone()
		return true
	})
}

// ConsumeQuote marks the active quote used and returns it. A quote is consumable once.
func (s *Session) ConsumeQuote(quoteID string) (*model.Quote, error) {
	var (
		out *model.Quote
		err error
	)
	s.mutate(func() bool {
		switch {
		case s.quote == nil || s.quote.QuoteID != quoteID:
			err = ErrNoQuote
			return false
		case s.quote.Used:
			err = ErrQuoteUsed
			return false
		}
		s.quote.Used = true
		out = s.quote.Clone()
		return true
	})
	return out, err
}

// SetTransfer replaces the active transfer.
func (s *Session) SetTransfer(t *model.Transfer) {
	s.mutate(func() bool {
		s.transfer = t.Clone()
		return true
	})
}

// UpdateTransferStatus applies status if transferID is still the active transfer.
func (s *Session) UpdateTransferStatus(transferID string, status model.TransferStatus) bool {
	return s.mutate(func() bool {
		if s.transfer == nil || s.transfer.TransferID != transferID || s.transfer.Status == status {
			return false
		}
		s.transfer.Status = status
		return true
	})
}

// SetTxHash records the on-chain leg if transferID is still the active transfer.
func (s *Session) SetTxHash(transferID, txHash string) bool {
	return s.mutate(func() bool {
		if s.transfer == nil || s.transfer.TransferID != transferID {
			return false
		}
		s.transfer.TxHash = txHash
		return true
	})
}

// Clear drops quote and transfer together.
func (s *Session) Clear() {
	s.mutate(func() bool {
		if s.quote == nil && s.transfer == nil {
			return false
		}
		s.quote, s.transfer = nil, nil
		return true
	})
}

// Resume restores a persisted session, if any.
func (s *Session) Resume(ctx context.Context) (Snapshot, error) {
	if s.persister == nil {
		return Snapshot{}, nil
	}
	snap, err := s.persister.Load(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	s.quote, s.transfer = snap.Quote.Clone(), snap.Transfer.Clone()
	s.mu.Unlock()
	return snap, nil
}

// mutate runs fn under the write lock, then persists and notifies when fn reports a change.
func (s *Session) mutate(fn func() bool) bool {
	s.mu.Lock()
	if !fn() {
		s.mu.Unlock()
		return false
	}
	snap := s.snapshotLocked()
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	s.persist(snap)
	for _, sub := range subs {
		sub(snap)
	}
	return true
}

func (s *Session) persist(snap Snapshot) {
	if s.persister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var err error
	if snap.Quote == nil && snap.Transfer == nil {
		err = s.persister.Delete(ctx)
	} else {
		err = s.persister.Save(ctx, snap)
	}
	if err != nil {
		s.logger.Warn("store.persist_failed", zap.Error(err))
	}
}

type readView struct{ s *Session }

func (v readView) Quote() *model.Quote { return v.s.Quote() }
func (v readView) Transfer() *model.Transfer { return v.s.Transfer() }
func (v readView) Snapshot() Snapshot { return v.s.Snapshot() }
func (v readView) Subscribe(fn func(Snapshot)) func() { return v.s.Subscribe(fn) }
