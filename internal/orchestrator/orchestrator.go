// Package orchestrator runs buy, sell, paybill and send flows through the
// input -> processing -> success | cancelled lifecycle. It is the only writer of
// the session store.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kesc-finance/wallet/internal/apperr"
	"github.com/kesc-finance/wallet/internal/chain"
	"github.com/kesc-finance/wallet/internal/journal"
	"github.com/kesc-finance/wallet/internal/ramp"
	"github.com/kesc-finance/wallet/internal/reconciler"
	"github.com/kesc-finance/wallet/internal/store"
	"github.com/kesc-finance/wallet/pkg/model"
)

var (
	// ErrBusy is returned by Submit while a flow is not in input.
	ErrBusy = errors.New("orchestrator: a flow is already in progress")
	// ErrWrongState is returned by exit actions invoked from the wrong state.
	ErrWrongState = errors.New("orchestrator: action not available in current state")
)

// RampClient is the subset of the ramp provider the flows call.
type RampClient interface {
	RequestQuote(ctx context.Context, dir model.TransferType, req ramp.QuoteRequest) (*model.Quote, error)
	RequestBillQuote(ctx context.Context, req ramp.BillQuoteRequest) (*model.Quote, error)
	CreateTransfer(ctx context.Context, dir model.TransferType, req ramp.TransferRequest) (*model.Transfer, error)
	CreateBillTransfer(ctx context.Context, req ramp.BillTransferRequest) (*model.Transfer, error)
	SubmitTransactionHash(ctx context.Context, transferID, txHash string) error
}

// Watcher tracks provider status of a transfer.
type Watcher interface {
	Watch(ctx context.Context, transferID string, onUpdate reconciler.UpdateFunc) bool
	Stop(transferID string)
}

// EventPublisher receives lifecycle events.
type EventPublisher interface {
	PublishFlowEvent(ctx context.Context, ev model.FlowEvent) error
	PublishTransferStatus(ctx context.Context, ev model.FlowEvent) error
}

// Refresher is reloaded after a completed flow.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// MockUserDetails is the KYC profile attached to buy and sell transfers.
var MockUserDetails = model.UserDetails{
	Name:               "JOVAN BALAMBIRWA MWESIGWA",
	Country:            "UG",
	Address:            "Plot 123, Kampala Road, Kampala",
	Phone:              "+256741629138",
	DOB:                "23/10/1997",
	IDNumber:           "CM9705210T3FEG",
	IDType:             "NIN",
	AdditionalIDType:   "NIN",
	AdditionalIDNumber: "LICENCE",
}

// Config holds flow parameters.
type Config struct {
	Country    string
	Network    string
	CryptoType string
	Operator   string
	MinAmount  decimal.Decimal
	MaxAmount  decimal.Decimal
	// Decimals is the token's base-unit exponent.
	Decimals int32
	// EnforceQuoteExpiry rejects quotes past guaranteedUntil before creating a transfer.
	EnforceQuoteExpiry bool
	// TrackAbandoned keeps polling cancelled transfers in the background, journal only.
	TrackAbandoned bool
	BillAccountName string
	UserDetails     model.UserDetails
}

// DefaultConfig mirrors the production wallet.
func DefaultConfig() Config {
	return Config{
		Country:            "KE",
		Network:            "celo",
		CryptoType:         "USDC",
		Operator:           "mpesa",
		MinAmount:          decimal.NewFromInt(2000),
		MaxAmount:          decimal.NewFromInt(20000),
		Decimals:           chain.DefaultDecimals,
		EnforceQuoteExpiry: true,
		TrackAbandoned:     true,
		BillAccountName:    "OneRamp",
		UserDetails:        MockUserDetails,
	}
}

// Deps are the collaborators of an Orchestrator. Journal, Publisher and Refreshers are optional.
type Deps struct {
	Ramp       RampClient
	Chain      chain.Gateway
	Session    store.Writer
	Reconciler Watcher
	Journal    journal.Journal
	Publisher  EventPublisher
	Refreshers []Refresher
}

// Snapshot is the read model of the current flow.
type Snapshot struct {
	State       model.LifecycleState `json:"state"`
	PollState   model.LifecycleState `json:"pollState,omitempty"`
	Kind        model.FlowKind       `json:"kind,omitempty"`
	FlowID      string               `json:"flowId,omitempty"`
	Quote       *model.Quote         `json:"quote,omitempty"`
	Transfer    *model.Transfer      `json:"transfer,omitempty"`
	TxHash      string               `json:"txHash,omitempty"`
	Error       string               `json:"error,omitempty"`
	ErrorKind   apperr.Kind          `json:"errorKind,omitempty"`
	FieldErrors map[string]string    `json:"fieldErrors,omitempty"`
	// ConfirmingCancel is set while the cancel confirmation is showing.
	ConfirmingCancel bool `json:"confirmingCancel"`
	// Form keeps the last submission so Try Again can prefill it.
	Form      *Request  `json:"form,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Orchestrator owns the lifecycle of one wallet session.
type Orchestrator struct {
	logger *zap.Logger
	cfg    Config

	ramp       RampClient
	chain      chain.Gateway
	session    store.Writer
	reconciler Watcher
	journal    journal.Journal
	publisher  EventPublisher
	refreshers []Refresher

	// bg outlives runs; background tracking and refreshes use it.
	bg       context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup

	// sessMu orders session writes of a run against resets. Taken before mu.
	sessMu sync.Mutex

	mu        sync.Mutex
	state     model.LifecycleState
	pollState model.LifecycleState
	kind      model.FlowKind
	runID     string
	runCancel context.CancelFunc
	txHash    string
	errMsg    string
	errKind   apperr.Kind
	fields    map[string]string
	confirm   bool
	form      *Request
	updatedAt time.Time
	subs      map[int]func(Snapshot)
	nextSub   int
}

// New wires an Orchestrator in input.
func New(logger *zap.Logger, cfg Config, deps Deps) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Decimals == 0 {
		cfg.Decimals = chain.DefaultDecimals
	}
	bg, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		logger:     logger,
		cfg:        cfg,
		ramp:       deps.Ramp,
		chain:      deps.Chain,
		session:    deps.Session,
		reconciler: deps.Reconciler,
		journal:    deps.Journal,
		publisher:  deps.Publisher,
		refreshers: deps.Refreshers,
		bg:         bg,
		bgCancel:   cancel,
		state:      model.StateInput,
		updatedAt:  time.Now().UTC(),
		subs:       make(map[int]func(Snapshot)),
	}
}

// Snapshot returns the current read model.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:            o.state,
		PollState:        o.pollState,
		Kind:             o.kind,
		FlowID:           o.runID,
		TxHash:           o.txHash,
		Error:            o.errMsg,
		ErrorKind:        o.errKind,
		ConfirmingCancel: o.confirm,
		UpdatedAt:        o.updatedAt,
	}
	if o.session != nil {
		s := o.session.Snapshot()
		snap.Quote, snap.Transfer = s.Quote, s.Transfer
	}
	if len(o.fields) > 0 {
		snap.FieldErrors = make(map[string]string, len(o.fields))
		for k, v := range o.fields {
			snap.FieldErrors[k] = v
		}
	}
	if o.form != nil {
		f := *o.form
		snap.Form = &f
	}
	return snap
}

// Subscribe registers fn for every lifecycle change and returns the unsubscribe func.
func (o *Orchestrator) Subscribe(fn func(Snapshot)) func() {
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

// Submit checks preconditions and starts a flow. Validation and configuration
// failures keep the lifecycle in input.
func (o *Orchestrator) Submit(ctx context.Context, req Request) error {
	o.mu.Lock()
	if o.state != model.StateInput {
		o.mu.Unlock()
		o.logger.Debug("orchestrator.submit_ignored", zap.String("state", string(o.state)))
		return ErrBusy
	}
	o.mu.Unlock()

	v, err := o.validate(req)
	if err != nil {
		o.rejectInput(req, err)
		return err
	}

	o.mu.Lock()
	if o.state != model.StateInput {
		o.mu.Unlock()
		return ErrBusy
	}
	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(o.bg)
	form := req
	o.runID = runID
	o.runCancel = cancel
	o.kind = req.Kind
	o.state = model.StateProcessing
	o.pollState = ""
	o.txHash = ""
	o.errMsg, o.errKind, o.fields = "", "", nil
	o.confirm = false
	o.form = &form
	o.mu.Unlock()

	o.clearSession()
	o.logger.Info("orchestrator.flow_started",
		zap.String("flow_id", runID),
		zap.String("kind", string(req.Kind)),
		zap.String("amount", v.amount.String()))
	o.changed(ctx, runID, model.FlowEvent{State: model.StateProcessing})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(runCtx, runID, v)
	}()
	return nil
}

func (o *Orchestrator) rejectInput(req Request, err error) {
	o.mu.Lock()
	if o.state != model.StateInput {
		o.mu.Unlock()
		return
	}
	form := req
	o.form = &form
	o.errMsg = apperr.UserMessage(err)
	o.errKind = apperr.KindOf(err)
	o.fields = nil
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		o.fields = verr.Fields
	case apperr.FieldOf(err) != "":
		o.fields = map[string]string{apperr.FieldOf(err): o.errMsg}
	}
	o.updatedAt = time.Now().UTC()
	snap, subs := o.snapshotLocked(), o.subscribersLocked()
	o.mu.Unlock()

	o.logger.Info("orchestrator.submit_rejected",
		zap.String("kind", string(req.Kind)),
		zap.String("error_kind", string(snap.ErrorKind)),
		zap.String("message", snap.Error))
	for _, fn := range subs {
		fn(snap)
	}
}

// Done leaves success, clears the session and refreshes balance and history.
func (o *Orchestrator) Done(ctx context.Context) error {
	o.sessMu.Lock()
	o.mu.Lock()
	if o.state != model.StateSuccess {
		o.mu.Unlock()
		o.sessMu.Unlock()
		return ErrWrongState
	}
	runID := o.runID
	o.resetLocked()
	o.form = nil
	o.mu.Unlock()
	o.clearSessionLocked()
	o.sessMu.Unlock()

	o.logger.Info("orchestrator.done", zap.String("flow_id", runID))
	o.notify()
	o.refresh()
	return nil
}

// TryAgain leaves cancelled and returns to input without an error.
func (o *Orchestrator) TryAgain(ctx context.Context) error {
	o.sessMu.Lock()
	o.mu.Lock()
	if o.state != model.StateCancelled {
		o.mu.Unlock()
		o.sessMu.Unlock()
		return ErrWrongState
	}
	runID := o.runID
	o.resetLocked()
	o.mu.Unlock()
	o.clearSessionLocked()
	o.sessMu.Unlock()

	o.logger.Info("orchestrator.try_again", zap.String("flow_id", runID))
	o.notify()
	return nil
}

// RequestCancel opens the cancel confirmation while processing.
func (o *Orchestrator) RequestCancel() error {
	return o.setConfirm(true)
}

// DismissCancel closes the cancel confirmation; the flow keeps running.
func (o *Orchestrator) DismissCancel() error {
	return o.setConfirm(false)
}

func (o *Orchestrator) setConfirm(v bool) error {
	o.mu.Lock()
	if o.state != model.StateProcessing || o.confirm == v {
		o.mu.Unlock()
		return ErrWrongState
	}
	o.confirm = v
	o.updatedAt = time.Now().UTC()
	o.mu.Unlock()
	o.notify()
	return nil
}

// ConfirmCancel abandons the running flow locally. The provider is not told; the
// transfer is journalled as abandoned and, if configured, still tracked in the background.
func (o *Orchestrator) ConfirmCancel(ctx context.Context) error {
	o.sessMu.Lock()
	o.mu.Lock()
	if o.state != model.StateProcessing || !o.confirm {
		o.mu.Unlock()
		o.sessMu.Unlock()
		return ErrWrongState
	}
	runID, kind, txHash := o.runID, o.kind, o.txHash
	o.resetLocked()
	o.mu.Unlock()

	var snap store.Snapshot
	if o.session != nil {
		snap = o.session.Snapshot()
	}
	o.clearSessionLocked()
	o.sessMu.Unlock()

	transferID := ""
	if snap.Transfer != nil {
		transferID = snap.Transfer.TransferID
		if txHash == "" {
			txHash = snap.Transfer.TxHash
		}
		if o.reconciler != nil {
			o.reconciler.Stop(transferID)
		}
	}

	entry := journal.Entry{
		FlowID:     runID,
		Kind:       kind,
		Wallet:     o.walletAddress(),
		TransferID: transferID,
		TxHash:     txHash,
		State:      model.StateCancelled,
		Message:    "Cancelled by user",
		Abandoned:  true,
	}
	if snap.Quote != nil {
		entry.QuoteID = snap.Quote.QuoteID
	}
	if snap.Transfer != nil {
		entry.Status = snap.Transfer.Status
	}
	o.record(ctx, entry)
	o.publish(ctx, model.FlowEvent{
		FlowID: runID, Kind: kind, State: model.StateCancelled, QuoteID: entry.QuoteID,
		TransferID: transferID, TxHash: txHash, Status: entry.Status, Abandoned: true,
		Message: entry.Message,
	})

	o.logger.Warn("orchestrator.flow_abandoned",
		zap.String("flow_id", runID),
		zap.String("transfer_id", transferID),
		zap.String("tx_hash", txHash))

	if transferID != "" && o.cfg.TrackAbandoned && o.reconciler != nil {
		o.trackAbandoned(entry)
	}
	o.notify()
	return nil
}

// trackAbandoned keeps polling an abandoned transfer so its settlement lands in the journal.
func (o *Orchestrator) trackAbandoned(entry journal.Entry) {
	ok := o.reconciler.Watch(o.bg, entry.TransferID, func(u reconciler.Update) {
		e := entry
		e.Status = u.Status
		e.State = u.State
		e.Message = ""
		o.record(o.bg, e)
		if u.Final {
			o.logger.Info("orchestrator.abandoned_settled",
				zap.String("transfer_id", u.TransferID),
				zap.String("status", string(u.Status)),
				zap.String("state", string(u.State)))
		}
	})
	if ok {
		o.logger.Info("orchestrator.abandoned_tracking", zap.String("transfer_id", entry.TransferID))
	}
}

// resetLocked returns to input and cancels the current run. Must be called with mu held.
func (o *Orchestrator) resetLocked() {
	if o.runCancel != nil {
		o.runCancel()
		o.runCancel = nil
	}
	o.state = model.StateInput
	o.pollState = ""
	o.kind = ""
	o.runID = ""
	o.txHash = ""
	o.errMsg, o.errKind, o.fields = "", "", nil
	o.confirm = false
	o.updatedAt = time.Now().UTC()
}

// Close cancels background work and waits for runs to exit.
func (o *Orchestrator) Close() {
	o.bgCancel()
	o.wg.Wait()
}

func (o *Orchestrator) clearSession() {
	o.sessMu.Lock()
	defer o.sessMu.Unlock()
	o.clearSessionLocked()
}

func (o *Orchestrator) clearSessionLocked() {
	if o.session != nil {
		o.session.Clear()
	}
}

// writeSession applies fn only while runID is the current run.
func (o *Orchestrator) writeSession(runID string, fn func(store.Writer)) bool {
	o.sessMu.Lock()
	defer o.sessMu.Unlock()
	if !o.isCurrent(runID) || o.session == nil {
		return false
	}
	fn(o.session)
	return true
}

func (o *Orchestrator) isCurrent(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runID == runID && o.state == model.StateProcessing
}

func (o *Orchestrator) refresh() {
	if len(o.refreshers) == 0 {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(o.bg, 30*time.Second)
		defer cancel()
		for _, r := range o.refreshers {
			if err := r.Refresh(ctx); err != nil {
				o.logger.Warn("orchestrator.refresh_failed", zap.Error(err))
			}
		}
	}()
}

func (o *Orchestrator) walletAddress() string {
	if o.chain == nil {
		return ""
	}
	return o.chain.Address()
}

func (o *Orchestrator) subscribersLocked() []func(Snapshot) {
	subs := make([]func(Snapshot), 0, len(o.subs))
	for _, fn := range o.subs {
		subs = append(subs, fn)
	}
	return subs
}

func (o *Orchestrator) notify() {
	o.mu.Lock()
	snap, subs := o.snapshotLocked(), o.subscribersLocked()
	o.mu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}
