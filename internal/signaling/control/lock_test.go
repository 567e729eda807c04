package control

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisParticipantLocker(t *testing.T) *RedisParticipantLocker {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisParticipantLocker(client, time.Minute)
}

func TestRedisParticipantLocker_AcquireReleaseReacquire(t *testing.T) {
	l := newTestRedisParticipantLocker(t)
	ctx := context.Background()
	p := ids.ParticipantId("p1")
	runnerA := ids.RunnerId("runner-a")
	runnerB := ids.RunnerId("runner-b")

	require.NoError(t, l.LockParticipant(ctx, p, runnerA))
	require.NoError(t, l.UnlockParticipant(ctx, p, runnerA))
	require.NoError(t, l.LockParticipant(ctx, p, runnerB))
	require.NoError(t, l.UnlockParticipant(ctx, p, runnerB))
}

func TestRedisParticipantLocker_StaleUnlockDoesNotEvictNewOwner(t *testing.T) {
	l := newTestRedisParticipantLocker(t)
	ctx := context.Background()
	p := ids.ParticipantId("p1")
	runnerA := ids.RunnerId("runner-a")
	runnerB := ids.RunnerId("runner-b")

	require.NoError(t, l.LockParticipant(ctx, p, runnerA))
	require.NoError(t, l.UnlockParticipant(ctx, p, runnerA))
	require.NoError(t, l.LockParticipant(ctx, p, runnerB))

	// runnerA's release attempt, arriving late, must not evict runnerB.
	require.NoError(t, l.UnlockParticipant(ctx, p, runnerA))

	require.NoError(t, l.UnlockParticipant(ctx, p, runnerB))
}
