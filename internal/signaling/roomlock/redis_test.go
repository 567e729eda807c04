package roomlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisLocker(t *testing.T) *RedisLocker {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, time.Minute, 5*time.Millisecond, 3)
}

func TestRedisLocker_AcquireAndRelease(t *testing.T) {
	l := newTestRedisLocker(t)
	ctx := context.Background()
	room := ids.Main(ids.RoomId("room-1"))

	guard, err := l.LockRoom(ctx, room)
	require.NoError(t, err)
	require.NotNil(t, guard)
	require.NoError(t, l.UnlockRoom(ctx, guard))

	guard2, err := l.LockRoom(ctx, room)
	require.NoError(t, err)
	require.NoError(t, l.UnlockRoom(ctx, guard2))
}

func TestRedisLocker_SecondAcquireBlocksUntilReleased(t *testing.T) {
	l := newTestRedisLocker(t)
	ctx := context.Background()
	room := ids.Main(ids.RoomId("room-1"))

	guard, err := l.LockRoom(ctx, room)
	require.NoError(t, err)

	_, err = l.LockRoom(ctx, room)
	assert.ErrorIs(t, err, ErrLocked, "lock is held, retries must exhaust")

	require.NoError(t, l.UnlockRoom(ctx, guard))

	guard2, err := l.LockRoom(ctx, room)
	require.NoError(t, err)
	require.NoError(t, l.UnlockRoom(ctx, guard2))
}

func TestRedisLocker_UnlockWithStaleTokenIsNoop(t *testing.T) {
	l := newTestRedisLocker(t)
	ctx := context.Background()
	room := ids.Main(ids.RoomId("room-1"))

	guard, err := l.LockRoom(ctx, room)
	require.NoError(t, err)

	stale := &Guard{}
	*stale = *guard
	stale.token = "not-the-real-token"

	// Unlocking with a stale token must not remove the real holder's lock.
	require.NoError(t, l.UnlockRoom(ctx, stale))

	_, err = l.LockRoom(ctx, room)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, l.UnlockRoom(ctx, guard))
}
