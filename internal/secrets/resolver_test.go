package secrets

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	pkgsecrets "github.com/kesc-finance/wallet/pkg/secrets"
)

func countingProvider(calls *atomic.Int32, secret map[string]string, err error) pkgsecrets.Provider {
	return pkgsecrets.ProviderFunc(func(_ context.Context, id string) (map[string]string, error) {
		calls.Add(1)
		if err != nil {
			return nil, err
		}
		return secret, nil
	})
}

func TestRampKeys_CachesUntilInvalidated(t *testing.T) {
	var calls atomic.Int32
	p := countingProvider(&calls, map[string]string{"api_key": " abc "}, nil)
	keys := NewRampKeys(zap.NewNop(), "dev/kesc/oneramp", p, pkgsecrets.NewCache[RampCredentials](time.Hour))

	for range 3 {
		k, err := keys.APIKey(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "abc", k)
	}
	assert.Equal(t, int32(1), calls.Load())

	keys.Invalidate()
	_, err := keys.APIKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRampKeys_Errors(t *testing.T) {
	var calls atomic.Int32
	cache := pkgsecrets.NewCache[RampCredentials](time.Hour)

	keys := NewRampKeys(zap.NewNop(), "id", countingProvider(&calls, nil, errors.New("access denied")), cache)
	_, err := keys.APIKey(context.Background())
	assert.ErrorContains(t, err, "access denied")

	keys = NewRampKeys(zap.NewNop(), "id", countingProvider(&calls, map[string]string{"base_url": "x"}, nil), cache)
	_, err = keys.APIKey(context.Background())
	assert.ErrorContains(t, err, "missing api_key")
	assert.Zero(t, cache.Len(), "failed parses are not cached")
}

func TestParseRampCredentials(t *testing.T) {
	c, err := ParseRampCredentials(map[string]string{"api_key": "k", "base_url": "https://api.oneramp.io"})
	require.NoError(t, err)
	assert.Equal(t, "https://api.oneramp.io", c.BaseURL)
}
