package control

import (
	"context"
	"testing"

	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryParticipantLocker_ExclusiveOwnership(t *testing.T) {
	l := NewMemoryParticipantLocker()
	ctx := context.Background()
	p := ids.ParticipantId("p1")
	runnerA := ids.RunnerId("runner-a")
	runnerB := ids.RunnerId("runner-b")

	require.NoError(t, l.LockParticipant(ctx, p, runnerA))
	err := l.LockParticipant(ctx, p, runnerB)
	assert.ErrorIs(t, err, ErrParticipantLocked)

	require.NoError(t, l.UnlockParticipant(ctx, p, runnerA))
	require.NoError(t, l.LockParticipant(ctx, p, runnerB))
	require.NoError(t, l.UnlockParticipant(ctx, p, runnerB))
}

func TestMemoryParticipantLocker_StaleUnlockDoesNotEvictNewOwner(t *testing.T) {
	l := NewMemoryParticipantLocker()
	ctx := context.Background()
	p := ids.ParticipantId("p1")
	runnerA := ids.RunnerId("runner-a")
	runnerB := ids.RunnerId("runner-b")

	require.NoError(t, l.LockParticipant(ctx, p, runnerA))
	require.NoError(t, l.UnlockParticipant(ctx, p, runnerA))
	require.NoError(t, l.LockParticipant(ctx, p, runnerB))

	require.NoError(t, l.UnlockParticipant(ctx, p, runnerA))

	require.NoError(t, l.UnlockParticipant(ctx, p, runnerB))
}
