package history

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kesc-finance/wallet/internal/chain"
	"github.com/kesc-finance/wallet/pkg/model"
)

const (
	me    = "0x1111111111111111111111111111111111111111"
	other = "0x2222222222222222222222222222222222222222"
	zero  = "0x0000000000000000000000000000000000000000"
)

func units(s string) *big.Int {
	v, err := chain.ToBaseUnits(s, chain.DefaultDecimals)
	if err != nil {
		panic(err)
	}
	return v
}

func TestRecords_DirectionsAndOrder(t *testing.T) {
	events := []chain.Event{
		{Kind: chain.EventMint, TxHash: "0xa", To: me, Amount: units("5000"), BlockNumber: 1},
		{Kind: chain.EventTransfer, TxHash: "0xb", From: me, To: other, Amount: units("12.5"), BlockNumber: 2},
		{Kind: chain.EventTransfer, TxHash: "0xc", From: other, To: me, Amount: units("3"), BlockNumber: 3},
		{Kind: chain.EventBurn, TxHash: "0xd", From: me, Amount: units("2000"), BlockNumber: 4},
		{Kind: chain.EventTransfer, TxHash: "0xe", From: other, To: "0x3333333333333333333333333333333333333333", Amount: units("1"), BlockNumber: 5},
		{Kind: chain.EventMint, TxHash: "0xf", To: other, Amount: units("1"), BlockNumber: 6},
	}

	got := Records(me, events, chain.DefaultDecimals)
	require.Len(t, got, 4)

	assert.Equal(t, "0xd", got[0].ID)
	assert.Equal(t, model.DirectionSell, got[0].Direction)
	assert.Equal(t, "2000", got[0].Amount)

	assert.Equal(t, model.DirectionReceive, got[1].Direction)
	assert.Equal(t, model.DirectionSend, got[2].Direction)
	assert.Equal(t, "12.5", got[2].Amount)
	assert.Equal(t, model.DirectionDeposit, got[3].Direction)
	assert.Equal(t, "success", got[3].Status)
}

func TestRecords_DedupesAndSkipsSupplyLegs(t *testing.T) {
	events := []chain.Event{
		{Kind: chain.EventMint, TxHash: "0xa", To: me, Amount: units("10"), BlockNumber: 1},
		{Kind: chain.EventTransfer, TxHash: "0xa", From: zero, To: me, Amount: units("10"), BlockNumber: 1, LogIndex: 1},
		{Kind: chain.EventMint, TxHash: "0xa", To: me, Amount: units("10"), BlockNumber: 1},
	}
	got := Records(me, events, chain.DefaultDecimals)
	require.Len(t, got, 1)
	assert.Equal(t, model.DirectionDeposit, got[0].Direction)
}

func TestRecords_SelfTransferHasBothDirections(t *testing.T) {
	got := Records(me, []chain.Event{
		{Kind: chain.EventTransfer, TxHash: "0xa", From: me, To: me, Amount: units("1"), BlockNumber: 1},
	}, chain.DefaultDecimals)
	require.Len(t, got, 2)
	assert.NotEqual(t, got[0].Key(), got[1].Key())
}

func TestService_LoadAndBalance(t *testing.T) {
	ctx := context.Background()
	gw := chain.NewFakeGateway(me)
	gw.Mint(me, units("5000"), "buy")
	gw.Burn(me, units("2000"), "sell")

	svc := New(zap.NewNop(), gw, 0)
	records, err := svc.Load(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, model.DirectionSell, records[0].Direction)
	assert.Equal(t, model.DirectionDeposit, records[1].Direction)
	assert.Equal(t, records, svc.Records())

	bal, err := svc.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3000", bal)
	assert.Equal(t, "3000", svc.CachedBalance())
}

func TestService_WatchAppendsAndUnsubscribes(t *testing.T) {
	ctx := context.Background()
	gw := chain.NewFakeGateway(me)
	gw.SetBalance(me, units("100"))
	svc := New(zap.NewNop(), gw, chain.DefaultDecimals)
	_, err := svc.Load(ctx)
	require.NoError(t, err)

	var mu sync.Mutex
	pushes := 0
	unsub := svc.Subscribe(func([]model.TxRecord) {
		mu.Lock()
		pushes++
		mu.Unlock()
	})
	defer unsub()

	h, err := svc.Watch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, gw.Subscribers())

	p, err := gw.Transfer(ctx, other, units("40"))
	require.NoError(t, err)
	_, err = gw.AwaitConfirmation(ctx, p)
	require.NoError(t, err)
	gw.Mint(other, units("1"), "unrelated")

	require.Eventually(t, func() bool { return len(svc.Records()) == 1 }, time.Second, 5*time.Millisecond)
	rec := svc.Records()[0]
	assert.Equal(t, model.DirectionSend, rec.Direction)
	assert.Equal(t, p.Hash, rec.ID)
	assert.Equal(t, "60", svc.CachedBalance(), "balance follows live events")

	h.Unsubscribe()
	h.Unsubscribe()
	require.Eventually(t, func() bool { return gw.Subscribers() == 0 }, time.Second, 5*time.Millisecond)

	gw.Mint(me, units("1"), "after unsubscribe")
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, svc.Records(), 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, pushes)
}

func TestService_RefreshJoinsErrors(t *testing.T) {
	gw := chain.NewFakeGateway(me)
	gw.FailReads(assert.AnError)
	svc := New(zap.NewNop(), gw, chain.DefaultDecimals)

	err := svc.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestService_NoWallet(t *testing.T) {
	svc := New(zap.NewNop(), nil, chain.DefaultDecimals)
	_, err := svc.Load(context.Background())
	assert.ErrorIs(t, err, ErrNoWallet)
	_, err = svc.Watch(context.Background())
	assert.ErrorIs(t, err, ErrNoWallet)
}
