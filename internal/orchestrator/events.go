package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kesc-finance/wallet/internal/journal"
	"github.com/kesc-finance/wallet/internal/reconciler"
	"github.com/kesc-finance/wallet/pkg/model"
)

// changed fills ev from the current run, publishes and journals it, then notifies subscribers.
func (o *Orchestrator) changed(ctx context.Context, runID string, ev model.FlowEvent) {
	o.mu.Lock()
	if o.runID != runID {
		o.mu.Unlock()
		return
	}
	ev.FlowID = runID
	ev.Kind = o.kind
	if ev.TxHash == "" {
		ev.TxHash = o.txHash
	}
	if ev.PollState == "" {
		ev.PollState = o.pollState
	}
	o.updatedAt = time.Now().UTC()
	o.mu.Unlock()

	if o.session != nil {
		snap := o.session.Snapshot()
		if ev.QuoteID == "" && snap.Quote != nil {
			ev.QuoteID = snap.Quote.QuoteID
		}
		if snap.Transfer != nil {
			if ev.TransferID == "" {
				ev.TransferID = snap.Transfer.TransferID
			}
			if ev.Status == "" {
				ev.Status = snap.Transfer.Status
			}
		}
	}

	o.record(ctx, journal.Entry{
		FlowID:     ev.FlowID,
		Kind:       ev.Kind,
		Wallet:     o.walletAddress(),
		QuoteID:    ev.QuoteID,
		TransferID: ev.TransferID,
		TxHash:     ev.TxHash,
		State:      ev.State,
		Status:     ev.Status,
		ErrorKind:  ev.ErrorKind,
		Message:    ev.Message,
	})
	o.publish(ctx, ev)
	o.notify()
}

func (o *Orchestrator) publishStatus(ctx context.Context, runID string, u reconciler.Update) {
	if o.publisher == nil || u.Status == "" {
		return
	}
	o.mu.Lock()
	kind := o.kind
	current := o.runID == runID
	o.mu.Unlock()
	if !current {
		return
	}
	ev := model.FlowEvent{
		FlowID:     runID,
		Kind:       kind,
		State:      u.State.Collapse(),
		PollState:  u.State,
		TransferID: u.TransferID,
		Status:     u.Status,
		Timestamp:  time.Now().UTC(),
	}
	if err := o.publisher.PublishTransferStatus(context.WithoutCancel(ctx), ev); err != nil {
		o.logger.Warn("orchestrator.publish_failed",
			zap.String("transfer_id", u.TransferID),
			zap.Error(err))
	}
}

// publish and record outlive a cancelled run so its last transition is never lost.
func (o *Orchestrator) publish(ctx context.Context, ev model.FlowEvent) {
	if o.publisher == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := o.publisher.PublishFlowEvent(context.WithoutCancel(ctx), ev); err != nil {
		o.logger.Warn("orchestrator.publish_failed",
			zap.String("flow_id", ev.FlowID),
			zap.Error(err))
	}
}

func (o *Orchestrator) record(ctx context.Context, e journal.Entry) {
	if o.journal == nil {
		return
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	if err := o.journal.Record(context.WithoutCancel(ctx), e); err != nil {
		o.logger.Warn("orchestrator.journal_failed",
			zap.String("flow_id", e.FlowID),
			zap.String("transfer_id", e.TransferID),
			zap.Error(err))
	}
}
