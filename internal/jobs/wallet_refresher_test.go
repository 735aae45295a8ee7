package jobs

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kesc-finance/wallet/internal/chain"
	"github.com/kesc-finance/wallet/internal/history"
	"github.com/kesc-finance/wallet/internal/publisher"
)

const owner = "0x1111111111111111111111111111111111111111"

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	mu    sync.Mutex
	calls []execCall
	err   error
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	return pgconn.CommandTag{}, f.err
}

type published struct {
	subject string
	payload any
}

type fakePub struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakePub) Publish(_ context.Context, subject string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{subject, payload})
	return nil
}

func (f *fakePub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func TestWalletRefresher_RunOnce(t *testing.T) {
	gw := chain.NewFakeGateway(owner)
	gw.Mint(owner, new(big.Int).Mul(big.NewInt(2500), big.NewInt(1e18)), "buy")
	svc := history.New(zap.NewNop(), gw, chain.DefaultDecimals)
	db := &fakeDB{}
	pub := &fakePub{}

	r := NewWalletRefresher(zap.NewNop(), svc, owner, db, pub, time.Hour)
	require.True(t, r.RunOnce(context.Background()))

	require.Len(t, db.calls, 1)
	assert.Equal(t, []any{owner, "2500", 1}, db.calls[0].args[:3])

	require.Equal(t, 1, pub.count())
	assert.Equal(t, publisher.SubjectWalletRefreshed, pub.msgs[0].subject)
	payload := pub.msgs[0].payload.(map[string]any)
	assert.Equal(t, "2500", payload["balance"])
}

func TestWalletRefresher_FailureSkipsSideEffects(t *testing.T) {
	gw := chain.NewFakeGateway(owner)
	gw.FailReads(errors.New("rpc down"))
	db := &fakeDB{}
	pub := &fakePub{}

	r := NewWalletRefresher(zap.NewNop(), history.New(zap.NewNop(), gw, 0), owner, db, pub, time.Hour)
	assert.False(t, r.RunOnce(context.Background()))
	assert.Empty(t, db.calls)
	assert.Zero(t, pub.count())
}

func TestWalletRefresher_SnapshotErrorStillPublishes(t *testing.T) {
	gw := chain.NewFakeGateway(owner)
	db := &fakeDB{err: errors.New("relation does not exist")}
	pub := &fakePub{}

	r := NewWalletRefresher(zap.NewNop(), history.New(zap.NewNop(), gw, 0), owner, db, pub, time.Hour)
	assert.True(t, r.RunOnce(context.Background()))
	assert.Equal(t, 1, pub.count())
}

func TestWalletRefresher_StartStop(t *testing.T) {
	gw := chain.NewFakeGateway(owner)
	pub := &fakePub{}
	r := NewWalletRefresher(zap.NewNop(), history.New(zap.NewNop(), gw, 0), owner, nil, pub, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		r.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool { return pub.count() >= 2 }, time.Second, 5*time.Millisecond)
	r.Stop()
	r.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("refresher did not stop")
	}
}
