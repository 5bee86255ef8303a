package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript and refreshScript only act when the lease value still names
// this holder, so an expired lease taken over by another instance is never
// touched.
var (
	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

	refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
)

// Lease is a single-holder mutual exclusion on the sync pipeline. Only the
// holder drains change queues, so records are applied in order even when
// several instances run.
type Lease struct {
	client *redis.Client
	key    string
	holder string
	ttl    time.Duration
}

func NewLease(client *redis.Client, key, holder string, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Lease{client: client, key: key, holder: holder, ttl: ttl}
}

// Acquire takes the lease if free, or refreshes it if already held by us.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.holder, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	if ok {
		return true, nil
	}
	return l.Refresh(ctx)
}

func (l *Lease) Refresh(ctx context.Context) (bool, error) {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.holder, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("refresh lease: %w", err)
	}
	return n == 1, nil
}

func (l *Lease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.holder).Result(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
