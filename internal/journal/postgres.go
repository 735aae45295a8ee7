package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DBExecutor is the subset of pgxpool.Pool the journal needs.
type DBExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schemaSQL = `
	CREATE SCHEMA IF NOT EXISTS wallet;

	CREATE TABLE IF NOT EXISTS wallet.t_flow_event (
		n_id           BIGSERIAL PRIMARY KEY,
		s_id_flow      TEXT        NOT NULL,
		s_kind         TEXT        NOT NULL,
		s_wallet       TEXT        NOT NULL,
		s_id_quote     TEXT,
		s_id_transfer  TEXT,
		s_tx_hash      TEXT,
		s_state        TEXT        NOT NULL,
		s_status       TEXT,
		s_error_kind   TEXT,
		s_message      TEXT,
		b_abandoned    BOOLEAN     NOT NULL DEFAULT FALSE,
		s_source       TEXT        NOT NULL,
		dt_recorded    TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS wallet.t_transfer (
		s_id_transfer  TEXT PRIMARY KEY,
		s_id_flow      TEXT        NOT NULL,
		s_kind         TEXT        NOT NULL,
		s_wallet       TEXT        NOT NULL,
		s_id_quote     TEXT,
		s_tx_hash      TEXT,
		s_state        TEXT        NOT NULL,
		s_status       TEXT,
		b_abandoned    BOOLEAN     NOT NULL DEFAULT FALSE,
		dt_updated     TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS wallet.t_balance_snapshot (
		n_id           BIGSERIAL PRIMARY KEY,
		s_wallet       TEXT        NOT NULL,
		s_balance      TEXT        NOT NULL,
		n_records      INTEGER     NOT NULL,
		dt_recorded    TIMESTAMPTZ NOT NULL
	);
`

const insertEventSQL = `
	INSERT INTO wallet.t_flow_event (
		s_id_flow, s_kind, s_wallet, s_id_quote, s_id_transfer, s_tx_hash,
		s_state, s_status, s_error_kind, s_message, b_abandoned, s_source, dt_recorded
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);
`

// upsertTransferSQL keeps one row per transfer. A tx hash or abandoned flag, once set, is never cleared.
const upsertTransferSQL = `
	INSERT INTO wallet.t_transfer (
		s_id_transfer, s_id_flow, s_kind, s_wallet, s_id_quote, s_tx_hash,
		s_state, s_status, b_abandoned, dt_updated
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (s_id_transfer)
	DO UPDATE SET
		s_tx_hash = COALESCE(NULLIF(EXCLUDED.s_tx_hash, ''), wallet.t_transfer.s_tx_hash),
		s_state = EXCLUDED.s_state,
		s_status = COALESCE(NULLIF(EXCLUDED.s_status, ''), wallet.t_transfer.s_status),
		b_abandoned = wallet.t_transfer.b_abandoned OR EXCLUDED.b_abandoned,
		dt_updated = EXCLUDED.dt_updated;
`

// PostgresJournal writes entries to Postgres: every entry into the event table and
// the latest view of each transfer into the transfer table.
type PostgresJournal struct {
	db     DBExecutor
	logger *zap.Logger
	source string
}

// NewPostgres wraps db. source identifies the writer (e.g. "kesc-wallet").
func NewPostgres(db DBExecutor, logger *zap.Logger, source string) *PostgresJournal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresJournal{db: db, logger: logger, source: source}
}

// OpenPool connects to Postgres with the pool sizing the service uses.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid pg config: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the journal tables if missing.
func (j *PostgresJournal) EnsureSchema(ctx context.Context) error {
	if _, err := j.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create journal schema: %w", err)
	}
	return nil
}

func (j *PostgresJournal) Record(ctx context.Context, e Entry) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}

	_, err := j.db.Exec(ctx, insertEventSQL,
		e.FlowID,
		string(e.Kind),
		e.Wallet,
		e.QuoteID,
		e.TransferID,
		e.TxHash,
		string(e.State),
		string(e.Status),
		e.ErrorKind,
		e.Message,
		e.Abandoned,
		j.source,
		e.RecordedAt,
	)
	if err != nil {
		j.logger.Error("journal.insert_failed",
			zap.String("flow_id", e.FlowID),
			zap.Error(err))
		return err
	}

	if e.TransferID == "" {
		return nil
	}

	_, err = j.db.Exec(ctx, upsertTransferSQL,
		e.TransferID,
		e.FlowID,
		string(e.Kind),
		e.Wallet,
		e.QuoteID,
		e.TxHash,
		string(e.State),
		string(e.Status),
		e.Abandoned,
		e.RecordedAt,
	)
	if err != nil {
		j.logger.Error("journal.transfer_upsert_failed",
			zap.String("transfer_id", e.TransferID),
			zap.Error(err))
		return err
	}

	j.logger.Debug("journal.transfer_upsert",
		zap.String("transfer_id", e.TransferID),
		zap.String("state", string(e.State)),
		zap.Bool("abandoned", e.Abandoned))
	return nil
}
