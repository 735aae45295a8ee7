package orchestrator

import (
	"context"
	"errors"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/kesc-finance/wallet/internal/apperr"
	"github.com/kesc-finance/wallet/internal/chain"
	"github.com/kesc-finance/wallet/internal/metrics"
	"github.com/kesc-finance/wallet/internal/ramp"
	"github.com/kesc-finance/wallet/internal/reconciler"
	"github.com/kesc-finance/wallet/internal/store"
	"github.com/kesc-finance/wallet/pkg/model"
)

// errSuperseded stops a run whose flow was abandoned or reset.
var errSuperseded = errors.New("orchestrator: run superseded")

func (o *Orchestrator) run(ctx context.Context, runID string, v *validated) {
	start := time.Now()
	defer metrics.ObserveDuration(metrics.FlowDuration, start, string(v.Kind))

	var err error
	switch v.Kind {
	case model.FlowBuy:
		err = o.runBuy(ctx, runID, v)
	case model.FlowSell:
		err = o.runSell(ctx, runID, v)
	case model.FlowPayBill:
		err = o.runPayBill(ctx, runID, v)
	case model.FlowSend:
		err = o.runSend(ctx, runID, v)
	}
	switch {
	case err == nil:
	case errors.Is(err, errSuperseded), ctx.Err() != nil && !o.isCurrent(runID):
		o.logger.Info("orchestrator.run_discarded", zap.String("flow_id", runID), zap.Error(err))
	default:
		o.fail(ctx, runID, err)
	}
}

// runBuy: the user pays fiat, the provider mints to the wallet.
func (o *Orchestrator) runBuy(ctx context.Context, runID string, v *validated) error {
	q, err := o.ramp.RequestQuote(ctx, model.TransferIn, o.quoteRequest(v))
	if err != nil {
		return err
	}
	if err := o.takeQuote(ctx, runID, q); err != nil {
		return err
	}
	t, err := o.ramp.CreateTransfer(ctx, model.TransferIn, ramp.TransferRequest{
		Phone:       v.phone,
		Operator:    v.Operator,
		QuoteID:     q.QuoteID,
		UserDetails: o.cfg.UserDetails,
	})
	if err != nil {
		return err
	}
	if err := o.storeTransfer(ctx, runID, t); err != nil {
		return err
	}
	return o.watch(ctx, runID, t.TransferID)
}

// runSell: quote-out, transfer-out, then push amountPaid tokens to the settlement address.
func (o *Orchestrator) runSell(ctx context.Context, runID string, v *validated) error {
	q, err := o.ramp.RequestQuote(ctx, model.TransferOut, o.quoteRequest(v))
	if err != nil {
		return err
	}
	if err := o.takeQuote(ctx, runID, q); err != nil {
		return err
	}
	t, err := o.ramp.CreateTransfer(ctx, model.TransferOut, ramp.TransferRequest{
		Phone:       v.phone,
		Operator:    v.Operator,
		QuoteID:     q.QuoteID,
		UserDetails: o.cfg.UserDetails,
	})
	if err != nil {
		return err
	}
	if err := o.storeTransfer(ctx, runID, t); err != nil {
		return err
	}
	return o.settle(ctx, runID, t, q.AmountPaid)
}

// runPayBill: bill quote, bill transfer, then push fiatAmount tokens to the settlement address.
func (o *Orchestrator) runPayBill(ctx context.Context, runID string, v *validated) error {
	q, err := o.ramp.RequestBillQuote(ctx, ramp.BillQuoteRequest{
		QuoteRequest: o.quoteRequest(v),
		Region:       v.country.Symbol,
		RawAmount:    v.amount.String(),
	})
	if err != nil {
		return err
	}
	if err := o.takeQuote(ctx, runID, q); err != nil {
		return err
	}
	t, err := o.ramp.CreateBillTransfer(ctx, ramp.BillTransferRequest{
		QuoteID:        q.QuoteID,
		AccountName:    o.cfg.BillAccountName,
		AccountNumber:  v.AccountNumber,
		BusinessNumber: v.BusinessNumber,
	})
	if err != nil {
		return err
	}
	if err := o.storeTransfer(ctx, runID, t); err != nil {
		return err
	}
	return o.settle(ctx, runID, t, q.FiatAmount)
}

// runSend is a plain token transfer; confirmation is success.
func (o *Orchestrator) runSend(ctx context.Context, runID string, v *validated) error {
	amount, err := chain.ToBaseUnits(v.amount.String(), o.cfg.Decimals)
	if err != nil {
		return err
	}
	if _, err := o.pay(ctx, runID, v.Recipient, amount); err != nil {
		return err
	}
	o.succeed(ctx, runID)
	return nil
}

func (o *Orchestrator) quoteRequest(v *validated) ramp.QuoteRequest {
	return ramp.QuoteRequest{
		FiatType:   v.country.Currency,
		CryptoType: o.cfg.CryptoType,
		Network:    o.cfg.Network,
		FiatAmount: v.amount.String(),
		Country:    v.country.Symbol,
		Address:    v.wallet,
	}
}

// takeQuote stores q, enforces its expiry and consumes it for the transfer call.
func (o *Orchestrator) takeQuote(ctx context.Context, runID string, q *model.Quote) error {
	if q == nil || q.QuoteID == "" {
		return apperr.New(apperr.KindConnectivity, "orchestrator.quote", "No response received from API")
	}
	if !o.writeSession(runID, func(w store.Writer) { w.SetQuote(q) }) {
		return errSuperseded
	}
	o.logger.Info("orchestrator.quote_received",
		zap.String("flow_id", runID),
		zap.String("quote_id", q.QuoteID),
		zap.String("fiat_amount", q.FiatAmount),
		zap.String("amount_paid", q.AmountPaid),
		zap.Time("guaranteed_until", q.GuaranteedUntil))
	o.changed(ctx, runID, model.FlowEvent{State: model.StateProcessing, QuoteID: q.QuoteID})

	if o.cfg.EnforceQuoteExpiry && q.Expired(time.Now()) {
		return apperr.New(apperr.KindQuoteExpired, "orchestrator.quote", "")
	}

	var consumeErr error
	if !o.writeSession(runID, func(w store.Writer) { _, consumeErr = w.ConsumeQuote(q.QuoteID) }) {
		return errSuperseded
	}
	if consumeErr != nil {
		return apperr.Wrap(apperr.KindProvider, "orchestrator.quote", consumeErr, "Quote is no longer valid. Please request a new one.")
	}
	return nil
}

func (o *Orchestrator) storeTransfer(ctx context.Context, runID string, t *model.Transfer) error {
	if t == nil || t.TransferID == "" {
		return apperr.New(apperr.KindConnectivity, "orchestrator.transfer", "No response received from API")
	}
	if !o.writeSession(runID, func(w store.Writer) { w.SetTransfer(t) }) {
		return errSuperseded
	}
	o.logger.Info("orchestrator.transfer_created",
		zap.String("flow_id", runID),
		zap.String("transfer_id", t.TransferID),
		zap.String("transfer_address", t.TransferAddress),
		zap.String("status", string(t.Status)))
	o.changed(ctx, runID, model.FlowEvent{State: model.StateProcessing, TransferID: t.TransferID, Status: t.Status})
	return nil
}

// settle runs the on-chain leg of a sell or paybill and hands over to the reconciler.
func (o *Orchestrator) settle(ctx context.Context, runID string, t *model.Transfer, amount string) error {
	if !chain.ValidAddress(t.TransferAddress) {
		return apperr.New(apperr.KindProvider, "orchestrator.settle", "Invalid settlement address returned by provider")
	}
	units, err := chain.ToBaseUnits(amount, o.cfg.Decimals)
	if err != nil {
		return apperr.Wrap(apperr.KindProvider, "orchestrator.settle", err, "Invalid amount returned by provider")
	}

	txHash, err := o.pay(ctx, runID, t.TransferAddress, units)
	if err != nil {
		return err
	}
	if !o.writeSession(runID, func(w store.Writer) { w.SetTxHash(t.TransferID, txHash) }) {
		return errSuperseded
	}

	if err := o.ramp.SubmitTransactionHash(ctx, t.TransferID, txHash); err != nil {
		if apperr.Is(err, apperr.KindAlreadyProcessing) {
			o.logger.Info("orchestrator.tx_hash_already_processing",
				zap.String("transfer_id", t.TransferID),
				zap.String("tx_hash", txHash))
		} else {
			o.logger.Warn("orchestrator.tx_hash_submit_failed",
				zap.String("transfer_id", t.TransferID),
				zap.String("tx_hash", txHash),
				zap.Error(err))
		}
	} else {
		o.logger.Info("orchestrator.tx_hash_submitted",
			zap.String("transfer_id", t.TransferID),
			zap.String("tx_hash", txHash))
	}
	return o.watch(ctx, runID, t.TransferID)
}

// pay checks the contract guards, broadcasts the transfer and waits for it to be mined.
func (o *Orchestrator) pay(ctx context.Context, runID, to string, amount *big.Int) (string, error) {
	if err := o.checkGuards(ctx, to, amount); err != nil {
		return "", err
	}

	tx, err := o.chain.Transfer(ctx, to, amount)
	if err != nil {
		return "", err
	}
	o.mu.Lock()
	if o.runID != runID {
		o.mu.Unlock()
		o.logger.Warn("chain.transfer_after_abandon",
			zap.String("flow_id", runID),
			zap.String("tx_hash", tx.Hash),
			zap.String("to", to))
		return "", errSuperseded
	}
	o.txHash = tx.Hash
	o.updatedAt = time.Now().UTC()
	o.mu.Unlock()

	o.logger.Info("chain.transfer_submitted",
		zap.String("flow_id", runID),
		zap.String("tx_hash", tx.Hash),
		zap.String("to", to),
		zap.String("amount", amount.String()))
	o.changed(ctx, runID, model.FlowEvent{State: model.StateProcessing, TxHash: tx.Hash})

	receipt, err := o.chain.AwaitConfirmation(ctx, tx)
	if err != nil {
		return "", err
	}
	o.logger.Info("chain.transfer_confirmed",
		zap.String("flow_id", runID),
		zap.String("tx_hash", receipt.TxHash),
		zap.Uint64("block", receipt.BlockNumber))
	return receipt.TxHash, nil
}

// checkGuards re-reads the contract state right before a transfer.
func (o *Orchestrator) checkGuards(ctx context.Context, to string, amount *big.Int) error {
	const op = "orchestrator.guard"
	from := o.chain.Address()

	paused, err := o.chain.Paused(ctx)
	if err != nil {
		return err
	}
	if paused {
		metrics.IncGuardRejection("paused")
		return apperr.New(apperr.KindChainGuard, op, "Transfers are currently paused")
	}

	listed, err := o.chain.IsBlacklisted(ctx, from)
	if err != nil {
		return err
	}
	if listed {
		metrics.IncGuardRejection("sender_blacklisted")
		return apperr.New(apperr.KindChainGuard, op, "Address is blacklisted")
	}

	listed, err = o.chain.IsBlacklisted(ctx, to)
	if err != nil {
		return err
	}
	if listed {
		metrics.IncGuardRejection("recipient_blacklisted")
		return apperr.New(apperr.KindChainGuard, op, "Recipient address is blacklisted")
	}

	balance, err := o.chain.BalanceOf(ctx, from)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		metrics.IncGuardRejection("insufficient_balance")
		return apperr.New(apperr.KindChainGuard, op, "Insufficient balance")
	}
	return nil
}

func (o *Orchestrator) watch(ctx context.Context, runID, transferID string) error {
	if o.reconciler == nil {
		return apperr.New(apperr.KindConfiguration, "orchestrator.watch", "")
	}
	if !o.isCurrent(runID) {
		return errSuperseded
	}
	o.reconciler.Watch(ctx, transferID, func(u reconciler.Update) {
		o.onStatus(ctx, runID, u)
	})
	return nil
}

// onStatus applies a reconciler update to the run that started the watch.
func (o *Orchestrator) onStatus(ctx context.Context, runID string, u reconciler.Update) {
	if u.Status != "" {
		o.writeSession(runID, func(w store.Writer) { w.UpdateTransferStatus(u.TransferID, u.Status) })
	}
	o.publishStatus(ctx, runID, u)

	switch u.State.Collapse() {
	case model.StateSuccess:
		o.succeed(ctx, runID)
	case model.StateCancelled:
		if u.State == model.StateError {
			o.fail(ctx, runID, apperr.New(apperr.KindProvider, "orchestrator.status",
				"Transfer status could not be confirmed. Check your history before trying again."))
			return
		}
		o.fail(ctx, runID, apperr.New(apperr.KindProvider, "orchestrator.status", "Transfer failed. Please try again."))
	default:
		o.mu.Lock()
		if o.runID != runID || o.state != model.StateProcessing || o.pollState == u.State {
			o.mu.Unlock()
			return
		}
		o.pollState = u.State
		o.updatedAt = time.Now().UTC()
		o.mu.Unlock()
		o.changed(ctx, runID, model.FlowEvent{State: model.StateProcessing, PollState: u.State, TransferID: u.TransferID, Status: u.Status})
	}
}

// succeed moves the current run to success. It is a no-op for stale runs and repeated calls.
func (o *Orchestrator) succeed(ctx context.Context, runID string) {
	o.mu.Lock()
	if o.runID != runID || o.state != model.StateProcessing {
		o.mu.Unlock()
		return
	}
	o.state = model.StateSuccess
	o.pollState = model.StateSuccess
	o.confirm = false
	o.updatedAt = time.Now().UTC()
	kind := o.kind
	o.mu.Unlock()

	metrics.IncFlow(string(kind), string(model.StateSuccess))
	o.logger.Info("orchestrator.state_changed",
		zap.String("flow_id", runID),
		zap.String("kind", string(kind)),
		zap.String("state", string(model.StateSuccess)))
	o.changed(ctx, runID, model.FlowEvent{State: model.StateSuccess})
}

// fail moves the current run to cancelled with the user-facing message of err.
func (o *Orchestrator) fail(ctx context.Context, runID string, err error) {
	kind := apperr.KindOf(err)
	msg := apperr.UserMessage(err)

	o.mu.Lock()
	if o.runID != runID || o.state != model.StateProcessing {
		o.mu.Unlock()
		return
	}
	o.state = model.StateCancelled
	if o.pollState != "" {
		o.pollState = model.StateCancelled
	}
	o.errMsg, o.errKind = msg, kind
	o.confirm = false
	o.updatedAt = time.Now().UTC()
	flow := o.kind
	o.mu.Unlock()

	metrics.IncFlow(string(flow), string(model.StateCancelled))
	metrics.IncFlowError(string(flow), string(kind))
	o.logger.Warn("orchestrator.flow_failed",
		zap.String("flow_id", runID),
		zap.String("kind", string(flow)),
		zap.String("error_kind", string(kind)),
		zap.String("message", msg),
		zap.Error(err))
	o.changed(ctx, runID, model.FlowEvent{State: model.StateCancelled, ErrorKind: string(kind), Message: msg})
}
