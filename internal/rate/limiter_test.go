package rate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_Burst(t *testing.T) {
	lim := New(Config{RequestsPerSecond: 1, Burst: 5})

	allowed := 0
	for i := 0; i < 10; i++ {
		if lim.Allow() {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed)
}

func TestLimiter_Refill(t *testing.T) {
	lim := New(Config{RequestsPerSecond: 100, Burst: 2})
	for lim.Allow() {
	}

	time.Sleep(50 * time.Millisecond)
	assert.True(t, lim.Allow(), "expected a token after refill")
}

func TestLimiter_Disabled(t *testing.T) {
	lim := New(Config{})
	for i := 0; i < 100; i++ {
		require.True(t, lim.Allow())
	}
}

func TestLimiter_WaitCancelled(t *testing.T) {
	lim := New(Config{RequestsPerSecond: 0.1, Burst: 1})
	require.True(t, lim.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := lim.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiter_WaitSucceeds(t *testing.T) {
	lim := New(Config{RequestsPerSecond: 100, Burst: 1})
	require.True(t, lim.Allow())

	start := time.Now()
	require.NoError(t, lim.Wait(context.Background()))
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestManager_PerKey(t *testing.T) {
	m := NewManager(Config{RequestsPerSecond: 1, Burst: 1})
	assert.Same(t, m.GetLimiter("ramp"), m.GetLimiter("ramp"))
	assert.NotSame(t, m.GetLimiter("ramp"), m.GetLimiter("other"))

	require.NoError(t, m.Wait(context.Background(), "ramp"))
	assert.False(t, m.GetLimiter("ramp").Allow())
	assert.True(t, m.GetLimiter("other").Allow())
}
