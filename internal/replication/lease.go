package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Lease guards a replication run so that a single runner processes the ledger at a time.
// Acquire returns ErrRunInProgress when the lease is held elsewhere.
type Lease interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// LocalLease serializes runs inside one process.
type LocalLease struct {
	mu sync.Mutex
}

func (l *LocalLease) Acquire(context.Context) (func(), error) {
	if !l.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	return l.mu.Unlock, nil
}

const (
	defaultLeaseKey     = "eventsync:replication:lease"
	leaseCommandTimeout = 5 * time.Second
)

var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLease serializes runs across replicas with SET NX PX. While a run holds the lease it is
// extended every third of the TTL, so the TTL only bounds how long a crashed holder blocks others.
// Release and extension only touch the key while it still holds this runner's token.
type RedisLease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisLease parses a redis:// URL and returns a lease stored under the default key.
func NewRedisLease(redisURL string, ttl time.Duration, logger *zap.Logger) (*RedisLease, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse lease redis url: %w", err)
	}
	return NewRedisLeaseWithClient(redis.NewClient(options), defaultLeaseKey, ttl, logger)
}

// NewRedisLeaseWithClient wraps an existing client.
func NewRedisLeaseWithClient(client *redis.Client, key string, ttl time.Duration, logger *zap.Logger) (*RedisLease, error) {
	if client == nil {
		return nil, errors.New("lease redis client is required")
	}
	if key == "" {
		key = defaultLeaseKey
	}
	if ttl < time.Millisecond {
		return nil, errors.New("lease ttl must be at least one millisecond")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLease{client: client, key: key, ttl: ttl, logger: logger}, nil
}

func (l *RedisLease) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		return nil, ErrRunInProgress
	}

	renewContext, stopRenewal := context.WithCancel(context.WithoutCancel(ctx))
	renewalDone := make(chan struct{})
	go func() {
		defer close(renewalDone)
		l.keepAlive(renewContext, token)
	}()

	var once sync.Once
	release := func() {
		once.Do(func() {
			stopRenewal()
			<-renewalDone
			releaseContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseCommandTimeout)
			defer cancel()
			l.release(releaseContext, token)
		})
	}
	return release, nil
}

func (l *RedisLease) keepAlive(ctx context.Context, token string) {
	interval := l.ttl / 3
	if interval <= 0 {
		interval = l.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := l.extend(ctx, token)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				l.logger.Warn("lease renewal failed",
					zap.String("key", l.key),
					zap.Error(err))
				continue
			}
			if !held {
				l.logger.Warn("lease lost before the run finished",
					zap.String("key", l.key),
					zap.Duration("ttl", l.ttl))
				return
			}
		}
	}
}

// extend reports whether the key still held token and had its TTL reset.
func (l *RedisLease) extend(ctx context.Context, token string) (bool, error) {
	extendContext, cancel := context.WithTimeout(ctx, leaseCommandTimeout)
	defer cancel()
	extended, err := extendLeaseScript.Run(extendContext, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return extended == 1, nil
}

func (l *RedisLease) release(ctx context.Context, token string) {
	if err := releaseLeaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
		l.logger.Warn("lease release failed, key expires after ttl",
			zap.String("key", l.key),
			zap.Duration("ttl", l.ttl),
			zap.Error(err))
	}
}

// Close releases the underlying client.
func (l *RedisLease) Close() error {
	return l.client.Close()
}
