package roomlock

import (
	"context"
	"testing"
	"time"

	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker_MutualExclusion(t *testing.T) {
	l := NewMemoryLocker()
	room := ids.Main(ids.RoomId("room-1"))
	ctx := context.Background()

	guard, err := l.LockRoom(ctx, room)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		g2, err := l.LockRoom(ctx, room)
		require.NoError(t, err)
		close(acquired)
		require.NoError(t, l.UnlockRoom(ctx, g2))
	}()

	select {
	case <-acquired:
		t.Fatal("second LockRoom acquired while the first guard was still held")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, l.UnlockRoom(ctx, guard))

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second LockRoom never acquired after release")
	}
}

func TestMemoryLocker_DifferentRoomsDoNotContend(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()
	roomA := ids.Main(ids.RoomId("room-a"))
	roomB := ids.Main(ids.RoomId("room-b"))

	gA, err := l.LockRoom(ctx, roomA)
	require.NoError(t, err)
	gB, err := l.LockRoom(ctx, roomB)
	require.NoError(t, err)

	require.NoError(t, l.UnlockRoom(ctx, gA))
	require.NoError(t, l.UnlockRoom(ctx, gB))
}

func TestMemoryLocker_FailNext(t *testing.T) {
	l := NewMemoryLocker()
	l.FailNext = true
	ctx := context.Background()
	room := ids.Main(ids.RoomId("room-1"))

	_, err := l.LockRoom(ctx, room)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	// The failure is one-shot; the next attempt succeeds normally.
	guard, err := l.LockRoom(ctx, room)
	require.NoError(t, err)
	require.NoError(t, l.UnlockRoom(ctx, guard))
}

func TestMemoryLocker_ExhaustsRetriesReturnsErrLocked(t *testing.T) {
	l := NewMemoryLocker()
	room := ids.Main(ids.RoomId("room-1"))
	ctx := context.Background()

	guard, err := l.LockRoom(ctx, room)
	require.NoError(t, err)
	defer l.UnlockRoom(ctx, guard)

	_, err = l.LockRoom(ctx, room)
	assert.ErrorIs(t, err, ErrLocked)
}
