package control

import (
	"context"
	"testing"

	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/attrs"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildParticipant_RendersVisiblePeer(t *testing.T) {
	store := attrs.NewMemoryStore()
	ctx := context.Background()
	room := ids.Main(ids.RoomId("room-1"))
	p := ids.ParticipantId("p1")

	require.NoError(t, store.SetLocal(ctx, attrs.Local{Room: room, Participant: p, Attr: attrs.AttrKind}, "user"))
	require.NoError(t, store.SetLocal(ctx, attrs.Local{Room: room, Participant: p, Attr: attrs.AttrUserID}, "u1"))
	require.NoError(t, store.SetLocal(ctx, attrs.Local{Room: room, Participant: p, Attr: attrs.AttrHandIsUp}, true))
	require.NoError(t, store.SetGlobal(ctx, attrs.Global{Room: room.Room, Participant: p, Attr: attrs.AttrDisplayName}, "Alice"))
	require.NoError(t, store.SetGlobal(ctx, attrs.Global{Room: room.Room, Participant: p, Attr: attrs.AttrRole}, string(ids.RoleModerator)))

	peer, ok, err := BuildParticipant(ctx, store, room, room.Room, p)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p, peer.ID)
	assert.Equal(t, "Alice", peer.DisplayName)
	assert.Equal(t, ids.RoleModerator, peer.Role)
	assert.True(t, peer.HandIsUp)
	assert.Nil(t, peer.AvatarURL)
}

func TestBuildParticipant_HiddenKindIsSkipped(t *testing.T) {
	store := attrs.NewMemoryStore()
	ctx := context.Background()
	room := ids.Main(ids.RoomId("room-1"))
	p := ids.ParticipantId("recorder-1")

	require.NoError(t, store.SetLocal(ctx, attrs.Local{Room: room, Participant: p, Attr: attrs.AttrKind}, "recorder"))

	_, ok, err := BuildParticipant(ctx, store, room, room.Room, p)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBuildParticipant_UnknownParticipantIsSkipped(t *testing.T) {
	store := attrs.NewMemoryStore()
	ctx := context.Background()
	room := ids.Main(ids.RoomId("room-1"))

	_, ok, err := BuildParticipant(ctx, store, room, room.Room, ids.ParticipantId("ghost"))
	require.NoError(t, err)
	assert.False(t, ok)
}
