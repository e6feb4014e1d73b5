package replication

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLocalLeaseIsExclusive(t *testing.T) {
	var lease LocalLease

	release, err := lease.Acquire(context.Background())
	require.NoError(t, err)

	_, err = lease.Acquire(context.Background())
	require.ErrorIs(t, err, ErrRunInProgress)

	release()
	releaseAgain, err := lease.Acquire(context.Background())
	require.NoError(t, err)
	releaseAgain()
}

func TestNewRedisLeaseValidatesInput(t *testing.T) {
	_, err := NewRedisLease("not-a-url", time.Minute, nil)
	require.Error(t, err)

	_, err = NewRedisLeaseWithClient(nil, "", time.Minute, nil)
	require.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { _ = client.Close() })
	_, err = NewRedisLeaseWithClient(client, "", 0, nil)
	require.Error(t, err)
}

func unreachableLease(t *testing.T) (*RedisLease, *observer.ObservedLogs) {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	core, logs := observer.New(zapcore.DebugLevel)
	lease, err := NewRedisLeaseWithClient(client, "eventsync:test:lease", time.Minute, zap.New(core))
	require.NoError(t, err)
	return lease, logs
}

func TestRedisLeaseReleaseFailureIsLogged(t *testing.T) {
	lease, logs := unreachableLease(t)

	lease.release(context.Background(), "token")

	entries := logs.FilterMessage("lease release failed, key expires after ttl").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
}

func TestRedisLeaseExtendReportsErrors(t *testing.T) {
	lease, _ := unreachableLease(t)

	held, err := lease.extend(context.Background(), "token")
	require.Error(t, err)
	assert.False(t, held)
}

func TestRedisLeaseIsExclusiveAcrossHolders(t *testing.T) {
	redisURL := os.Getenv("EVENTSYNC_TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("EVENTSYNC_TEST_REDIS_URL not set")
	}
	options, err := redis.ParseURL(redisURL)
	require.NoError(t, err)
	client := redis.NewClient(options)
	t.Cleanup(func() { _ = client.Close() })

	key := "eventsync:test:lease:" + uuid.NewString()
	first, err := NewRedisLeaseWithClient(client, key, time.Minute, nil)
	require.NoError(t, err)
	second, err := NewRedisLeaseWithClient(client, key, time.Minute, nil)
	require.NoError(t, err)

	release, err := first.Acquire(context.Background())
	require.NoError(t, err)

	_, err = second.Acquire(context.Background())
	require.ErrorIs(t, err, ErrRunInProgress)

	release()
	exists, err := client.Exists(context.Background(), key).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)

	releaseSecond, err := second.Acquire(context.Background())
	require.NoError(t, err)
	releaseSecond()
}

func TestRedisLeaseIsRenewedWhileHeld(t *testing.T) {
	redisURL := os.Getenv("EVENTSYNC_TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("EVENTSYNC_TEST_REDIS_URL not set")
	}
	options, err := redis.ParseURL(redisURL)
	require.NoError(t, err)
	client := redis.NewClient(options)
	t.Cleanup(func() { _ = client.Close() })

	key := "eventsync:test:lease:" + uuid.NewString()
	holder, err := NewRedisLeaseWithClient(client, key, 300*time.Millisecond, nil)
	require.NoError(t, err)
	contender, err := NewRedisLeaseWithClient(client, key, 300*time.Millisecond, nil)
	require.NoError(t, err)

	release, err := holder.Acquire(context.Background())
	require.NoError(t, err)
	time.Sleep(time.Second)

	_, err = contender.Acquire(context.Background())
	require.ErrorIs(t, err, ErrRunInProgress)

	release()
	exists, err := client.Exists(context.Background(), key).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}
