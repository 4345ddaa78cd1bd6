package redlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func setupLock(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		require.NoError(t, client.Close())
	})
	return server, client
}

func TestTryAcquireAndRelease(t *testing.T) {
	_, client := setupLock(t)
	lock := NewSweepLock(client, "sweep-leader")

	release, ok, err := lock.TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	release()

	// 釋放後應能再次取得
	release, ok, err = lock.TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	release()
}

func TestTryAcquireContended(t *testing.T) {
	_, client := setupLock(t)
	leader := NewSweepLock(client, "sweep-leader")
	follower := NewSweepLock(client, "sweep-leader")

	release, ok, err := leader.TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	_, ok, err = follower.TryAcquire(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReleaseAfterExpiryAllowsTakeover(t *testing.T) {
	server, client := setupLock(t)
	leader := NewSweepLock(client, "sweep-leader",
		WithSweepLockExpiry(200*time.Millisecond),
		WithSweepLockRenewInterval(time.Hour)) // 不續期，讓鎖自然過期
	follower := NewSweepLock(client, "sweep-leader")

	release, ok, err := leader.TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	server.FastForward(time.Second)

	takeover, ok, err := follower.TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	takeover()
}
