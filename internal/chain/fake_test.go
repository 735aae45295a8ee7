package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kesc-finance/wallet/internal/apperr"
)

const (
	alice = "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa"
	bob   = "0xBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBbBb"
)

func units(s string) *big.Int {
	v, err := ToBaseUnits(s, DefaultDecimals)
	if err != nil {
		panic(err)
	}
	return v
}

func TestFakeGateway_TransferAndConfirm(t *testing.T) {
	ctx := context.Background()
	g := NewFakeGateway(alice)
	g.SetBalance(alice, units("100"))

	p, err := g.Transfer(ctx, bob, units("40"))
	require.NoError(t, err)
	assert.True(t, SameAddress(alice, p.From))

	bal, _ := g.BalanceOf(ctx, alice)
	assert.Equal(t, units("100"), bal, "balance moves on confirmation")

	r, err := g.AwaitConfirmation(ctx, p)
	require.NoError(t, err)
	assert.True(t, r.Success)

	bal, _ = g.BalanceOf(ctx, alice)
	assert.Equal(t, units("60"), bal)
	bal, _ = g.BalanceOf(ctx, bob)
	assert.Equal(t, units("40"), bal)

	again, err := g.AwaitConfirmation(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, r.BlockNumber, again.BlockNumber)
}

func TestFakeGateway_ContractChecks(t *testing.T) {
	ctx := context.Background()
	g := NewFakeGateway(alice)
	g.SetBalance(alice, units("10"))

	_, err := g.Transfer(ctx, bob, units("11"))
	assert.Equal(t, apperr.KindChainGuard, apperr.KindOf(err))
	assert.Equal(t, "Insufficient balance", apperr.UserMessage(err))

	g.SetPaused(true)
	_, err = g.Transfer(ctx, bob, units("1"))
	assert.Equal(t, "Transfers are currently paused", apperr.UserMessage(err))
	g.SetPaused(false)

	g.SetBlacklisted(bob, true)
	listed, err := g.IsBlacklisted(ctx, bob)
	require.NoError(t, err)
	assert.True(t, listed)
	_, err = g.Transfer(ctx, bob, units("1"))
	assert.Equal(t, apperr.KindChainGuard, apperr.KindOf(err))

	_, err = g.Transfer(ctx, "not-an-address", units("1"))
	assert.Equal(t, "recipient", apperr.FieldOf(err))
}

func TestFakeGateway_RevertAndInjectedFailure(t *testing.T) {
	ctx := context.Background()
	g := NewFakeGateway(alice)
	g.SetBalance(alice, units("10"))

	g.FailNextTransfer(errors.New("user rejected"))
	_, err := g.Transfer(ctx, bob, units("1"))
	assert.Equal(t, apperr.KindChain, apperr.KindOf(err))

	g.RevertNext()
	p, err := g.Transfer(ctx, bob, units("1"))
	require.NoError(t, err)
	r, err := g.AwaitConfirmation(ctx, p)
	require.Error(t, err)
	assert.False(t, r.Success)
	bal, _ := g.BalanceOf(ctx, alice)
	assert.Equal(t, units("10"), bal)
}

func TestFakeGateway_HoldConfirmations(t *testing.T) {
	g := NewFakeGateway(alice)
	g.SetBalance(alice, units("10"))
	g.HoldConfirmations()

	p, err := g.Transfer(context.Background(), bob, units("1"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.AwaitConfirmation(ctx, p)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := g.AwaitConfirmation(context.Background(), p)
		assert.NoError(t, err)
	}()
	g.ReleaseConfirmations()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("confirmation not released")
	}
}

func TestFakeGateway_EventsAndSubscribe(t *testing.T) {
	ctx := context.Background()
	g := NewFakeGateway(alice)

	var mu sync.Mutex
	var seen []Event
	sub, err := g.Subscribe(ctx, EventFilter{Account: alice}, func(ev Event) {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, 1, g.Subscribers())

	g.Mint(alice, units("50"), "onramp")
	g.Mint(bob, units("5"), "onramp")
	p, err := g.Transfer(ctx, bob, units("20"))
	require.NoError(t, err)
	_, err = g.AwaitConfirmation(ctx, p)
	require.NoError(t, err)
	g.Burn(alice, units("10"), "offramp")

	evs, err := g.Events(ctx, EventFilter{Account: alice})
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, EventMint, evs[0].Kind)
	assert.Equal(t, EventTransfer, evs[1].Kind)
	assert.Equal(t, EventBurn, evs[2].Kind)
	assert.Less(t, evs[0].BlockNumber, evs[2].BlockNumber)

	mu.Lock()
	assert.Len(t, seen, 3)
	mu.Unlock()

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, g.Subscribers())
	g.Mint(alice, units("1"), "onramp")
	mu.Lock()
	assert.Len(t, seen, 3, "no delivery after unsubscribe")
	mu.Unlock()
}

func TestFakeGateway_SubscribeEndsWithContext(t *testing.T) {
	g := NewFakeGateway(alice)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := g.Subscribe(ctx, EventFilter{}, func(Event) {})
	require.NoError(t, err)
	cancel()
	require.Eventually(t, func() bool { return g.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestFakeGateway_FailReads(t *testing.T) {
	g := NewFakeGateway(alice)
	g.FailReads(errors.New("rpc down"))
	_, err := g.Paused(context.Background())
	assert.Equal(t, apperr.KindConnectivity, apperr.KindOf(err))
	g.FailReads(nil)
	_, err = g.Paused(context.Background())
	assert.NoError(t, err)
}
