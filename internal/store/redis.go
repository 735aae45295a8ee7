package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Persister mirrors the session outside the process.
type Persister interface {
	Save(ctx context.Context, snap Snapshot) error
	// Load returns an empty snapshot when nothing is stored.
	Load(ctx context.Context) (Snapshot, error)
	Delete(ctx context.Context) error
}

// RedisPersister stores the session as one JSON value per wallet.
type RedisPersister struct {
	redis  *redis.Client
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisPersister connects to Redis and scopes the key to wallet.
func NewRedisPersister(addr string, db int, wallet string, ttl time.Duration, logger *zap.Logger) (*RedisPersister, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisPersisterWithClient(rdb, wallet, ttl, logger), nil
}

// NewRedisPersisterWithClient wraps an existing client.
func NewRedisPersisterWithClient(rdb *redis.Client, wallet string, ttl time.Duration, logger *zap.Logger) *RedisPersister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPersister{
		redis:  rdb,
		key:    SessionKey(wallet),
		ttl:    ttl,
		logger: logger,
	}
}

// SessionKey is the Redis key holding the session of wallet.
func SessionKey(wallet string) string {
	return "kesc:session:" + strings.ToLower(wallet)
}

func (p *RedisPersister) Save(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return p.redis.Set(ctx, p.key, data, p.ttl).Err()
}

func (p *RedisPersister) Load(ctx context.Context) (Snapshot, error) {
	data, err := p.redis.Get(ctx, p.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, nil
	} else if err != nil {
		return Snapshot{}, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		p.logger.Warn("store.redis.corrupt_session", zap.String("key", p.key), zap.Error(err))
		return Snapshot{}, nil
	}
	return snap, nil
}

func (p *RedisPersister) Delete(ctx context.Context) error {
	return p.redis.Del(ctx, p.key).Err()
}

func (p *RedisPersister) HealthCheck(ctx context.Context) error {
	if p.redis == nil {
		return fmt.Errorf("redis not initialized")
	}
	if err := p.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (p *RedisPersister) Close() error {
	if p.redis != nil {
		return p.redis.Close()
	}
	return nil
}
