// Package secrets resolves the OneRamp credentials from a secrets provider.
package secrets

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kesc-finance/wallet/internal/metrics"
	pkgsecrets "github.com/kesc-finance/wallet/pkg/secrets"
)

// RampCredentials is the decoded OneRamp secret.
type RampCredentials struct {
	APIKey  string
	BaseURL string // optional override of ONERAMP_API_URL
}

// ParseRampCredentials reads {"api_key": ..., "base_url": ...}.
func ParseRampCredentials(raw map[string]string) (RampCredentials, error) {
	c := RampCredentials{
		APIKey:  strings.TrimSpace(raw["api_key"]),
		BaseURL: strings.TrimSpace(raw["base_url"]),
	}
	if c.APIKey == "" {
		return RampCredentials{}, fmt.Errorf("missing api_key")
	}
	return c, nil
}

// Resolver fetches a secret of type T once per cache TTL.
type Resolver[T any] struct {
	logger   *zap.Logger
	secretID string
	provider pkgsecrets.Provider
	cache    *pkgsecrets.Cache[T]
	parse    func(map[string]string) (T, error)
}

// NewResolver builds a resolver for secretID.
func NewResolver[T any](
	logger *zap.Logger,
	secretID string,
	provider pkgsecrets.Provider,
	cache *pkgsecrets.Cache[T],
	parse func(map[string]string) (T, error),
) *Resolver[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver[T]{
		logger:   logger,
		secretID: secretID,
		provider: provider,
		cache:    cache,
		parse:    parse,
	}
}

func (r *Resolver[T]) cacheKey() string {
	return strings.ToLower(r.secretID)
}

// Resolve returns the cached value or fetches and parses it.
func (r *Resolver[T]) Resolve(ctx context.Context) (T, error) {
	if v, ok := r.cache.Get(r.cacheKey()); ok {
		metrics.IncCacheHit("hit")
		return v, nil
	}
	metrics.IncCacheHit("miss")

	raw, err := r.provider.GetSecret(ctx, r.secretID)
	if err != nil {
		r.logger.Warn("secrets.fetch_failed",
			zap.String("secret_id", r.secretID),
			zap.Error(err))
		var zero T
		return zero, fmt.Errorf("resolve secret %s: %w", r.secretID, err)
	}
	v, err := r.parse(raw)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("parse secret %s: %w", r.secretID, err)
	}
	r.cache.Put(r.cacheKey(), v)

	r.logger.Info("secrets.resolved", zap.String("secret_id", r.secretID))
	return v, nil
}

// Invalidate forces the next Resolve to hit the provider.
func (r *Resolver[T]) Invalidate() {
	r.cache.Bust(r.cacheKey())
}

// RampKeys adapts a credentials resolver to the ramp client's key source.
type RampKeys struct {
	*Resolver[RampCredentials]
}

// NewRampKeys resolves the OneRamp API key from secretID.
func NewRampKeys(logger *zap.Logger, secretID string, provider pkgsecrets.Provider, cache *pkgsecrets.Cache[RampCredentials]) RampKeys {
	return RampKeys{NewResolver(logger, secretID, provider, cache, ParseRampCredentials)}
}

// APIKey implements ramp.KeySource.
func (k RampKeys) APIKey(ctx context.Context) (string, error) {
	c, err := k.Resolve(ctx)
	if err != nil {
		return "", err
	}
	return c.APIKey, nil
}
