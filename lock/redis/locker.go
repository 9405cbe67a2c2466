/*
Package redis provides a billing.LineLocker backed by Redis, for deployments
where several engine processes share one database.

PURPOSE:
  One key per line, taken with SET NX PX and a random owner token. Unlock
  deletes the key only if the token still matches, so a holder whose lease
  expired cannot release somebody else's lock.

INVARIANTS:
  - The TTL bounds how long a crashed process blocks a line.
  - The store transaction (TxStore.WithTx) still guards the append itself;
    the lock only keeps two planners from racing on the same history.

SEE ALSO:
  - billing/locker.go: LocalLocker, the single-process implementation
*/
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/warp/billing-engine/billing"
)

const (
	DefaultTTL        = 30 * time.Second
	DefaultRetryDelay = 25 * time.Millisecond
	keyPrefix         = "billing:line-lock:"
)

// compare-and-delete
var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Locker struct {
	client     goredis.UniversalClient
	ttl        time.Duration
	retryDelay time.Duration
}

type Option func(*Locker)

func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.retryDelay = d
		}
	}
}

func New(client goredis.UniversalClient, opts ...Option) *Locker {
	l := &Locker{client: client, ttl: DefaultTTL, retryDelay: DefaultRetryDelay}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Key is the Redis key guarding one line.
func Key(line billing.LineKey) string {
	return keyPrefix + line.String()
}

// Lock blocks until the line is free or ctx is done.
func (l *Locker) Lock(ctx context.Context, line billing.LineKey) (func(), error) {
	key := Key(line)
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's ctx may already be cancelled.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = unlockScript.Run(ctx, l.client, []string{key}, token).Err()
		})
	}, nil
}

var _ billing.LineLocker = (*Locker)(nil)
