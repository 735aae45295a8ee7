package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/kesc-finance/wallet/internal/publisher"
	"github.com/kesc-finance/wallet/pkg/model"
)

const insertSnapshotSQL = `
	INSERT INTO wallet.t_balance_snapshot (s_wallet, s_balance, n_records, dt_recorded)
	VALUES ($1, $2, $3, $4);
`

// Wallet is the view the refresher keeps current.
type Wallet interface {
	Refresh(ctx context.Context) error
	CachedBalance() string
	Records() []model.TxRecord
}

// EventPublisher publishes raw JSON payloads.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// DBExecutor is the subset of pgxpool.Pool needed to store balance snapshots.
type DBExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// WalletRefresher periodically reloads history and balance, stores a balance
// snapshot when a database is configured and announces the refresh on NATS.
type WalletRefresher struct {
	logger    *zap.Logger
	wallet    Wallet
	address   string
	db        DBExecutor
	publisher EventPublisher
	interval  time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewWalletRefresher constructs the job. db and pub may be nil.
func NewWalletRefresher(logger *zap.Logger, wallet Wallet, address string, db DBExecutor, pub EventPublisher, interval time.Duration) *WalletRefresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WalletRefresher{
		logger:    logger,
		wallet:    wallet,
		address:   address,
		db:        db,
		publisher: pub,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start runs the refresh loop until Stop or ctx cancellation.
func (r *WalletRefresher) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("wallet_refresher.started", zap.Duration("interval", r.interval))

	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-r.stopCh:
			r.logger.Info("wallet_refresher.stopped", zap.String("reason", "manual stop"))
			return
		case <-ctx.Done():
			r.logger.Info("wallet_refresher.stopped", zap.String("reason", "context canceled"))
			return
		}
	}
}

// Stop halts the loop. Safe to call more than once.
func (r *WalletRefresher) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// RunOnce performs one refresh cycle and reports whether it succeeded.
func (r *WalletRefresher) RunOnce(ctx context.Context) bool {
	start := time.Now()

	if err := r.wallet.Refresh(ctx); err != nil {
		r.logger.Error("wallet_refresher.refresh_failed", zap.Error(err))
		return false
	}
	balance := r.wallet.CachedBalance()
	records := len(r.wallet.Records())

	if r.db != nil {
		if _, err := r.db.Exec(ctx, insertSnapshotSQL, r.address, balance, records, time.Now().UTC()); err != nil {
			r.logger.Warn("wallet_refresher.snapshot_failed", zap.Error(err))
		}
	}

	if r.publisher != nil {
		event := map[string]any{
			"event":       publisher.SubjectWalletRefreshed,
			"wallet":      r.address,
			"balance":     balance,
			"records":     records,
			"timestamp":   time.Now().UTC(),
			"duration_ms": time.Since(start).Milliseconds(),
		}
		if err := r.publisher.Publish(ctx, publisher.SubjectWalletRefreshed, event); err != nil {
			r.logger.Warn("wallet_refresher.nats_publish_failed", zap.Error(err))
		}
	}

	r.logger.Info("wallet_refresher.success",
		zap.String("balance", balance),
		zap.Int("records", records),
		zap.Duration("duration", time.Since(start)))
	return true
}
