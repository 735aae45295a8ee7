// Package reconciler polls the ramp provider for transfer status until a terminal
// status, an explicit stop, or an optional deadline.
package reconciler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kesc-finance/wallet/internal/metrics"
	"github.com/kesc-finance/wallet/pkg/model"
)

// DefaultInterval is the provider status poll period.
const DefaultInterval = 5 * time.Second

// StatusSource reads the provider status of a transfer.
type StatusSource interface {
	GetTransferStatus(ctx context.Context, transferID string) (model.TransferStatus, error)
}

// Update is delivered whenever the mapped state of a watched transfer changes.
type Update struct {
	TransferID string
	Status     model.TransferStatus
	State      model.LifecycleState
	// Final is set on the last update of a watch.
	Final bool
}

// UpdateFunc receives updates from the watch goroutine.
type UpdateFunc func(Update)

// Config controls polling cadence. A zero Deadline polls until terminal or stopped.
type Config struct {
	Interval time.Duration
	Deadline time.Duration
}

type watch struct {
	cancel context.CancelFunc
}

// Reconciler owns one goroutine per watched transfer.
type Reconciler struct {
	logger   *zap.Logger
	source   StatusSource
	interval time.Duration
	deadline time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	active   sync.Map // transfer_id -> *watch
	wg       sync.WaitGroup
}

// New constructs a Reconciler.
func New(logger *zap.Logger, source StatusSource, cfg Config) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		logger:   logger,
		source:   source,
		interval: interval,
		deadline: cfg.Deadline,
		stopCh:   make(chan struct{}),
	}
}

// MapStatus maps a provider status onto the extended lifecycle.
func MapStatus(status model.TransferStatus) model.LifecycleState {
	switch status {
	case model.TransferReceivedFiatFunds, model.TransferComplete:
		return model.StateSuccess
	case model.TransferFailed:
		return model.StateCancelled
	case model.TransferStarted:
		return model.StateProcessing
	default:
		return model.StatePending
	}
}

// Watch starts polling transferID. It returns false if the transfer is already watched
// or the reconciler is shut down.
func (r *Reconciler) Watch(parent context.Context, transferID string, onUpdate UpdateFunc) bool {
	select {
	case <-r.stopCh:
		return false
	default:
	}

	ctx, cancel := context.WithCancel(parent)
	w := &watch{cancel: cancel}
	if _, exists := r.active.LoadOrStore(transferID, w); exists {
		cancel()
		r.logger.Debug("reconciler.watch_already_active", zap.String("transfer_id", transferID))
		return false
	}
	metrics.ActiveWatches.Inc()

	r.wg.Add(1)
	go func() {
		defer func() {
			r.active.CompareAndDelete(transferID, w)
			cancel()
			metrics.ActiveWatches.Dec()
			r.wg.Done()
		}()
		r.run(ctx, transferID, onUpdate)
	}()

	r.logger.Info("reconciler.watch_started",
		zap.String("transfer_id", transferID),
		zap.Duration("interval", r.interval))
	return true
}

func (r *Reconciler) run(ctx context.Context, transferID string, onUpdate UpdateFunc) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if r.deadline > 0 {
		t := time.NewTimer(r.deadline)
		defer t.Stop()
		deadline = t.C
	}

	var last model.LifecycleState
	if r.poll(ctx, transferID, &last, onUpdate) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler.watch_stopped",
				zap.String("transfer_id", transferID),
				zap.String("last_state", string(last)))
			return

		case <-r.stopCh:
			r.logger.Info("reconciler.watch_stopped",
				zap.String("transfer_id", transferID),
				zap.String("reason", "shutdown"))
			return

		case <-deadline:
			r.logger.Warn("reconciler.deadline_exceeded",
				zap.String("transfer_id", transferID),
				zap.Duration("deadline", r.deadline))
			metrics.IncPoll(string(model.StateError))
			onUpdate(Update{TransferID: transferID, State: model.StateError, Final: true})
			return

		case <-ticker.C:
			if r.poll(ctx, transferID, &last, onUpdate) {
				return
			}
		}
	}
}

// poll fetches the status once and reports it when it changed. It returns true
// once the transfer is terminal.
func (r *Reconciler) poll(ctx context.Context, transferID string, last *model.LifecycleState, onUpdate UpdateFunc) bool {
	status, err := r.source.GetTransferStatus(ctx, transferID)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		metrics.IncPoll("error")
		r.logger.Warn("reconciler.poll_error",
			zap.String("transfer_id", transferID),
			zap.Error(err))
		return false
	}

	state := MapStatus(status)
	metrics.IncPoll(string(state))
	final := state.Terminal()
	if state == *last && !final {
		return false
	}
	*last = state

	r.logger.Info("reconciler.status_changed",
		zap.String("transfer_id", transferID),
		zap.String("status", string(status)),
		zap.String("state", string(state)))
	onUpdate(Update{TransferID: transferID, Status: status, State: state, Final: final})

	if final {
		r.logger.Info("reconciler.watch_complete",
			zap.String("transfer_id", transferID),
			zap.String("final_status", string(status)))
	}
	return final
}

// Stop cancels the watch on transferID, if any.
func (r *Reconciler) Stop(transferID string) {
	if v, ok := r.active.LoadAndDelete(transferID); ok {
		r.logger.Info("reconciler.watch_cancelled", zap.String("transfer_id", transferID))
		v.(*watch).cancel()
	}
}

// StopAll cancels every active watch. New watches are still accepted.
func (r *Reconciler) StopAll() {
	r.active.Range(func(key, _ any) bool {
		r.Stop(key.(string))
		return true
	})
}

// IsWatching returns true while transferID is polled.
func (r *Reconciler) IsWatching(transferID string) bool {
	_, ok := r.active.Load(transferID)
	return ok
}

// Close stops all watches, refuses new ones and waits for goroutines to exit.
func (r *Reconciler) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}
