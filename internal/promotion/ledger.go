package promotion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/recall-engine/internal/events"
)

// Ledger remembers which cancellations already ran a cascade.
type Ledger interface {
	// Claim records key and reports whether this caller is the first.
	Claim(ctx context.Context, key string) (bool, error)
}

// Releaser is implemented by ledgers that can drop a claim they granted.
type Releaser interface {
	Release(ctx context.Context, key string) error
}

// MemoryLedger is an in-process Ledger.
type MemoryLedger struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: make(map[string]struct{})}
}

func (l *MemoryLedger) Claim(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[key]; ok {
		return false, nil
	}
	l.seen[key] = struct{}{}
	return true, nil
}

func (l *MemoryLedger) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, key)
	return nil
}

const ledgerScope = "promotion"

// PostgresLedger stores claims in processed_events under the promotion scope.
type PostgresLedger struct {
	store *events.ProcessedStore
}

func NewPostgresLedger(store *events.ProcessedStore) *PostgresLedger {
	return &PostgresLedger{store: store}
}

func (l *PostgresLedger) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := l.store.MarkProcessed(ctx, ledgerScope, key)
	if err != nil {
		return false, fmt.Errorf("promotion: claim %s: %w", key, err)
	}
	return ok, nil
}

func (l *PostgresLedger) Release(ctx context.Context, key string) error {
	if err := l.store.Forget(ctx, ledgerScope, key); err != nil {
		return fmt.Errorf("promotion: release %s: %w", key, err)
	}
	return nil
}

// RedisLedger claims keys with SET NX so several API replicas share one
// ledger without a database round trip.
type RedisLedger struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLedger creates a ledger whose keys expire after ttl (0 keeps them).
func NewRedisLedger(client *redis.Client, ttl time.Duration) *RedisLedger {
	return &RedisLedger{client: client, prefix: "recall:promotion:", ttl: ttl}
}

func (l *RedisLedger) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+key, time.Now().UTC().Format(time.RFC3339), l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("promotion: redis claim %s: %w", key, err)
	}
	return ok, nil
}

func (l *RedisLedger) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.prefix+key).Err(); err != nil {
		return fmt.Errorf("promotion: redis release %s: %w", key, err)
	}
	return nil
}

// ChainLedger claims in every ledger in order and succeeds only if every
// ledger grants the claim. When a later ledger fails, the claims already
// granted are released so the cancellation can be claimed again.
type ChainLedger []Ledger

func (c ChainLedger) Claim(ctx context.Context, key string) (bool, error) {
	for i, l := range c {
		ok, err := l.Claim(ctx, key)
		if err != nil {
			return false, errors.Join(err, c[:i].release(ctx, key))
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (c ChainLedger) release(ctx context.Context, key string) error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		r, ok := c[i].(Releaser)
		if !ok {
			continue
		}
		if err := r.Release(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
