package journal

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kesc-finance/wallet/pkg/model"
)

type execCall struct {
	sql  string
	args []any
}

type fakeExec struct {
	mu    sync.Mutex
	calls []execCall
	err   error
}

func (f *fakeExec) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

func TestMemoryJournal(t *testing.T) {
	ctx := context.Background()
	j := NewMemory()

	require.NoError(t, j.Record(ctx, Entry{FlowID: "f1", TransferID: "tr-1", State: model.StateProcessing}))
	require.NoError(t, j.Record(ctx, Entry{FlowID: "f1", TransferID: "tr-1", State: model.StateCancelled, Abandoned: true}))
	require.NoError(t, j.Record(ctx, Entry{FlowID: "f2", TransferID: "tr-2", State: model.StateProcessing, Abandoned: true}))
	require.NoError(t, j.Record(ctx, Entry{FlowID: "f2", TransferID: "tr-2", State: model.StateSuccess}))
	require.NoError(t, j.Record(ctx, Entry{FlowID: "f3", State: model.StateCancelled}))

	assert.Len(t, j.Entries(), 5)
	assert.False(t, j.Entries()[0].RecordedAt.IsZero())

	latest, ok := j.Latest("tr-1")
	require.True(t, ok)
	assert.True(t, latest.Abandoned)
	_, ok = j.Latest("tr-x")
	assert.False(t, ok)

	abandoned := j.Abandoned()
	require.Len(t, abandoned, 1)
	assert.Equal(t, "tr-1", abandoned[0].TransferID)
}

func TestTee(t *testing.T) {
	a, b := NewMemory(), NewMemory()
	failing := NewPostgres(&fakeExec{err: errors.New("pg down")}, nil, "test")

	err := Tee(a, nil, failing, b).Record(context.Background(), Entry{FlowID: "f1"})
	assert.Error(t, err)
	assert.Len(t, a.Entries(), 1)
	assert.Len(t, b.Entries(), 1, "one failing journal does not block the others")
}

func TestPostgresJournal_Record(t *testing.T) {
	db := &fakeExec{}
	j := NewPostgres(db, zap.NewNop(), "kesc-wallet")
	at := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, j.Record(context.Background(), Entry{
		FlowID: "f1", Kind: model.FlowSell, Wallet: "0xabc",
		QuoteID: "qt-1", TransferID: "tr-1", TxHash: "0xfeed",
		State: model.StateProcessing, Status: model.TransferStarted, RecordedAt: at,
	}))

	require.Len(t, db.calls, 2)
	assert.Contains(t, db.calls[0].sql, "INSERT INTO wallet.t_flow_event")
	assert.Equal(t, "f1", db.calls[0].args[0])
	assert.Equal(t, "sell", db.calls[0].args[1])
	assert.Equal(t, "kesc-wallet", db.calls[0].args[11])
	assert.Equal(t, at, db.calls[0].args[12])

	assert.Contains(t, db.calls[1].sql, "ON CONFLICT (s_id_transfer)")
	assert.Equal(t, "tr-1", db.calls[1].args[0])
	assert.Equal(t, "0xfeed", db.calls[1].args[5])
}

func TestPostgresJournal_NoTransferSkipsUpsert(t *testing.T) {
	db := &fakeExec{}
	j := NewPostgres(db, nil, "kesc-wallet")
	require.NoError(t, j.Record(context.Background(), Entry{FlowID: "f1", State: model.StateCancelled}))
	require.Len(t, db.calls, 1)
	assert.False(t, db.calls[0].args[12].(time.Time).IsZero())
}

func TestPostgresJournal_ExecError(t *testing.T) {
	db := &fakeExec{err: errors.New("boom")}
	j := NewPostgres(db, nil, "kesc-wallet")
	assert.Error(t, j.Record(context.Background(), Entry{FlowID: "f1", TransferID: "tr-1"}))
	assert.Len(t, db.calls, 1)
	assert.Error(t, j.EnsureSchema(context.Background()))
}

func TestUpsertKeepsStickyFields(t *testing.T) {
	assert.True(t, strings.Contains(upsertTransferSQL, "b_abandoned = wallet.t_transfer.b_abandoned OR EXCLUDED.b_abandoned"))
	assert.True(t, strings.Contains(upsertTransferSQL, "NULLIF(EXCLUDED.s_tx_hash, '')"))
}

func TestPostgresJournal_Integration(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	pool, err := OpenPool(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	j := NewPostgres(pool, zap.NewNop(), "kesc-wallet-test")
	require.NoError(t, j.EnsureSchema(ctx))

	transferID := "tr-" + uuid.NewString()
	require.NoError(t, j.Record(ctx, Entry{FlowID: "f1", Kind: model.FlowSell, Wallet: "0xabc", TransferID: transferID, TxHash: "0xfeed", State: model.StateProcessing}))
	require.NoError(t, j.Record(ctx, Entry{FlowID: "f1", Kind: model.FlowSell, Wallet: "0xabc", TransferID: transferID, State: model.StateCancelled, Abandoned: true}))
	require.NoError(t, j.Record(ctx, Entry{FlowID: "f1", Kind: model.FlowSell, Wallet: "0xabc", TransferID: transferID, State: model.StateSuccess, Status: model.TransferComplete}))

	var txHash, state string
	var abandoned bool
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT s_tx_hash, s_state, b_abandoned FROM wallet.t_transfer WHERE s_id_transfer = $1`, transferID).
		Scan(&txHash, &state, &abandoned))
	assert.Equal(t, "0xfeed", txHash)
	assert.Equal(t, "success", state)
	assert.True(t, abandoned)
}
