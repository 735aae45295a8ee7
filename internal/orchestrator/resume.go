package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kesc-finance/wallet/internal/journal"
	"github.com/kesc-finance/wallet/internal/reconciler"
	"github.com/kesc-finance/wallet/pkg/model"
)

// Resume adopts the transfer restored from a persisted session. A transfer the
// provider can still settle is watched again under a new run in processing; one
// that is already terminal lands in success or cancelled. An outbound transfer
// whose tokens were never sent is journalled as abandoned and the session is
// cleared. It returns true when a run was started.
func (o *Orchestrator) Resume(ctx context.Context) bool {
	if o.session == nil {
		return false
	}
	snap := o.session.Snapshot()
	t := snap.Transfer
	if t == nil || t.TransferID == "" {
		if snap.Quote != nil {
			o.logger.Info("orchestrator.resume_stale_quote", zap.String("quote_id", snap.Quote.QuoteID))
			o.clearSession()
			o.notify()
		}
		return false
	}

	kind := model.FlowBuy
	if snap.Quote != nil && snap.Quote.TransferType == model.TransferOut {
		kind = model.FlowSell
	}

	if kind != model.FlowBuy && t.TxHash == "" {
		entry := journal.Entry{
			Kind:       kind,
			Wallet:     o.walletAddress(),
			TransferID: t.TransferID,
			State:      model.StateCancelled,
			Status:     t.Status,
			Message:    "On-chain transfer was not sent before restart",
			Abandoned:  true,
		}
		if snap.Quote != nil {
			entry.QuoteID = snap.Quote.QuoteID
		}
		o.record(ctx, entry)
		o.logger.Warn("orchestrator.resume_discarded",
			zap.String("transfer_id", t.TransferID),
			zap.String("status", string(t.Status)))
		o.clearSession()
		o.notify()
		return false
	}

	o.mu.Lock()
	if o.state != model.StateInput {
		o.mu.Unlock()
		return false
	}
	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(o.bg)
	o.runID = runID
	o.runCancel = cancel
	o.kind = kind
	o.state = model.StateProcessing
	o.pollState = ""
	o.txHash = t.TxHash
	o.errMsg, o.errKind, o.fields = "", "", nil
	o.confirm = false
	o.form = nil
	o.updatedAt = time.Now().UTC()
	o.mu.Unlock()

	o.logger.Info("orchestrator.flow_resumed",
		zap.String("flow_id", runID),
		zap.String("kind", string(kind)),
		zap.String("transfer_id", t.TransferID),
		zap.String("status", string(t.Status)))
	o.changed(ctx, runID, model.FlowEvent{State: model.StateProcessing, TransferID: t.TransferID, Status: t.Status})

	if state := reconciler.MapStatus(t.Status); state.Terminal() {
		o.onStatus(runCtx, runID, reconciler.Update{TransferID: t.TransferID, Status: t.Status, State: state, Final: true})
		return true
	}
	if err := o.watch(runCtx, runID, t.TransferID); err != nil {
		o.fail(ctx, runID, err)
	}
	return true
}
