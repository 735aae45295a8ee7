package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kesc-finance/wallet/pkg/model"
)

const testWallet = "0xAbCdEf0000000000000000000000000000000001"

func newTestPersister(t *testing.T) (*RedisPersister, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisPersisterWithClient(rdb, testWallet, time.Hour, zap.NewNop()), mr
}

// --- Persister ---

func TestRedisPersister_SaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	p, mr := newTestPersister(t)
	defer mr.Close()

	snap := Snapshot{
		Quote:    &model.Quote{QuoteID: "qt-1", FiatAmount: "2500", Used: true},
		Transfer: &model.Transfer{TransferID: "tr-1", Status: model.TransferStarted, QuoteID: "qt-1"},
	}
	require.NoError(t, p.Save(ctx, snap))
	assert.True(t, mr.Exists(SessionKey(testWallet)))
	assert.Equal(t, time.Hour, mr.TTL(SessionKey(testWallet)))

	got, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "qt-1", got.Quote.QuoteID)
	assert.True(t, got.Quote.Used)
	assert.Equal(t, model.TransferStarted, got.Transfer.Status)

	require.NoError(t, p.Delete(ctx))
	got, err = p.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got.Quote)
	assert.Nil(t, got.Transfer)
}

func TestRedisPersister_CorruptValueIsEmpty(t *testing.T) {
	p, mr := newTestPersister(t)
	defer mr.Close()

	require.NoError(t, mr.Set(SessionKey(testWallet), "not-json"))
	got, err := p.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got.Transfer)
}

func TestRedisPersister_KeyIsCaseInsensitive(t *testing.T) {
	assert.Equal(t, SessionKey("0xABC"), SessionKey("0xabc"))
}

func TestRedisPersister_HealthCheck(t *testing.T) {
	p, mr := newTestPersister(t)
	require.NoError(t, p.HealthCheck(context.Background()))

	mr.Close()
	err := p.HealthCheck(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping failed")

	assert.Error(t, (&RedisPersister{}).HealthCheck(context.Background()))
}

func TestNewRedisPersister_InvalidRedis(t *testing.T) {
	_, err := NewRedisPersister("localhost:1", 0, testWallet, 0, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping failed")
}

func TestNewRedisPersister_Close(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	p, err := NewRedisPersister(mr.Addr(), 0, testWallet, 0, nil)
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, (&RedisPersister{}).Close())
}

// --- Session mirrored to Redis ---

func TestSession_PersistsAndResumes(t *testing.T) {
	ctx := context.Background()
	p, mr := newTestPersister(t)
	defer mr.Close()

	s := NewSession(zap.NewNop(), p)
	s.SetQuote(&model.Quote{QuoteID: "qt-1"})
	_, err := s.ConsumeQuote("qt-1")
	require.NoError(t, err)
	s.SetTransfer(&model.Transfer{TransferID: "tr-1", QuoteID: "qt-1", Status: model.TransferStarted})

	restarted := NewSession(zap.NewNop(), p)
	snap, err := restarted.Resume(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap.Transfer)
	assert.Equal(t, "tr-1", restarted.Transfer().TransferID)
	assert.True(t, restarted.Quote().Used)

	restarted.Clear()
	assert.False(t, mr.Exists(SessionKey(testWallet)), "clear removes the mirror")
}
