package control

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/opencloud-community/ot-controller-sub000/internal/calendar"
	"github.com/opencloud-community/ot-controller-sub000/internal/callin"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/attrs"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/exchange"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/modules"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/roomlock"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/wire"
	"github.com/opencloud-community/ot-controller-sub000/internal/tariffsql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLookup struct{}

func (fakeLookup) TariffForRoom(context.Context, ids.RoomId) (attrs.Tariff, error) {
	return attrs.Tariff{}, tariffsql.ErrNotFound
}
func (fakeLookup) CreatorForRoom(context.Context, ids.RoomId) (ids.UserId, error) {
	return "", tariffsql.ErrNotFound
}

func newTestSession(t *testing.T, room ids.SignalingRoomId, self ids.ParticipantId, kind ids.ParticipantKind) *Session {
	t.Helper()
	deps := Deps{
		Store:    attrs.NewMemoryStore(),
		RoomLock: roomlock.NewMemoryLocker(),
		Exchange: exchange.NewMemoryExchange(),
		Registry: modules.NewRegistry(),
		Tariffs:  fakeLookup{},
		Config:   Config{WaitingRoomEnabledDefault: true},
		Now:      func() time.Time { return time.Unix(1700000000, 0) },
	}
	return NewSession(deps, self, ids.RunnerId("runner-1"), room, kind)
}

func TestHandleJoin_ModeratorSkipsWaitingRoom(t *testing.T) {
	ctx := context.Background()
	room := ids.Main(ids.RoomId("room-1"))
	owner := ids.UserId("owner")
	s := newTestSession(t, room, ids.ParticipantId("p1"), ids.KindUser(owner))

	name := "Alice"
	out, err := s.HandleJoin(ctx, &name, "", "", nil, owner)
	require.NoError(t, err)
	require.Len(t, out.ToClient, 1)
	_, ok := out.ToClient[0].(wire.JoinSuccess)
	require.True(t, ok, "owner/creator should be admitted directly as moderator")
	assert.Equal(t, PhaseJoined, s.State.Phase)
	assert.Equal(t, ids.RoleModerator, s.Role)
	assert.True(t, s.IsRoomOwner)
}

func TestHandleJoin_RegularUserGoesToWaitingRoom(t *testing.T) {
	ctx := context.Background()
	room := ids.Main(ids.RoomId("room-1"))
	s := newTestSession(t, room, ids.ParticipantId("p2"), ids.KindUser(ids.UserId("u2")))

	name := "Bob"
	out, err := s.HandleJoin(ctx, &name, "", "", nil, ids.UserId("someone-else"))
	require.NoError(t, err)
	require.Len(t, out.ToClient, 1)
	_, ok := out.ToClient[0].(wire.InWaitingRoom)
	require.True(t, ok, "non-owner, non-moderator participant must wait")
	assert.Equal(t, PhaseWaiting, s.State.Phase)
	assert.False(t, s.State.Accepted)
}

func TestHandleJoin_RejectsDoubleJoin(t *testing.T) {
	ctx := context.Background()
	room := ids.Main(ids.RoomId("room-1"))
	owner := ids.UserId("owner")
	s := newTestSession(t, room, ids.ParticipantId("p1"), ids.KindUser(owner))

	name := "Alice"
	_, err := s.HandleJoin(ctx, &name, "", "", nil, owner)
	require.NoError(t, err)

	out, err := s.HandleJoin(ctx, &name, "", "", nil, owner)
	require.NoError(t, err)
	require.Len(t, out.ToClient, 1)
	errMsg, ok := out.ToClient[0].(wire.Error)
	require.True(t, ok)
	assert.Equal(t, wire.ErrAlreadyJoined, errMsg.Kind)
}

func TestHandleJoin_RejectsBlankDisplayName(t *testing.T) {
	ctx := context.Background()
	room := ids.Main(ids.RoomId("room-1"))
	s := newTestSession(t, room, ids.ParticipantId("p1"), ids.KindUser(ids.UserId("u1")))

	blank := "   "
	out, err := s.HandleJoin(ctx, &blank, "", "", nil, ids.UserId("owner"))
	require.NoError(t, err)
	require.Len(t, out.ToClient, 1)
	errMsg, ok := out.ToClient[0].(wire.Error)
	require.True(t, ok)
	assert.Equal(t, wire.ErrInvalidUsername, errMsg.Kind)
}

func TestHandleEnterRoom_RequiresAcceptedWaitingState(t *testing.T) {
	ctx := context.Background()
	room := ids.Main(ids.RoomId("room-1"))
	s := newTestSession(t, room, ids.ParticipantId("p1"), ids.KindUser(ids.UserId("u1")))

	out, err := s.HandleEnterRoom(ctx)
	require.NoError(t, err)
	errMsg, ok := out.ToClient[0].(wire.Error)
	require.True(t, ok)
	assert.Equal(t, wire.ErrNotAcceptedOrNotInWaitingRoom, errMsg.Kind)
}

func TestHandleEnterRoom_AdmitsAcceptedWaitingParticipant(t *testing.T) {
	ctx := context.Background()
	room := ids.Main(ids.RoomId("room-1"))
	s := newTestSession(t, room, ids.ParticipantId("p1"), ids.KindUser(ids.UserId("u1")))
	s.State = Waiting(true, ControlState{Role: ids.RoleUser})

	require.NoError(t, s.deps.Store.AddAcceptedWaiting(ctx, room.Room, s.Self))

	out, err := s.HandleEnterRoom(ctx)
	require.NoError(t, err)
	_, ok := out.ToClient[0].(wire.JoinSuccess)
	require.True(t, ok)
	assert.Equal(t, PhaseJoined, s.State.Phase)
}

func TestHandleRaiseHand_RequiresJoinedState(t *testing.T) {
	ctx := context.Background()
	room := ids.Main(ids.RoomId("room-1"))
	s := newTestSession(t, room, ids.ParticipantId("p1"), ids.KindUser(ids.UserId("u1")))

	out, err := s.HandleRaiseHand(ctx, true)
	require.NoError(t, err)
	errMsg, ok := out.ToClient[0].(wire.Error)
	require.True(t, ok)
	assert.Equal(t, wire.ErrNotYetJoined, errMsg.Kind)
}

func TestHandleRaiseHand_RejectedWhenDisabled(t *testing.T) {
	ctx := context.Background()
	room := ids.Main(ids.RoomId("room-1"))
	s := newTestSession(t, room, ids.ParticipantId("p1"), ids.KindUser(ids.UserId("u1")))
	s.State = Joined()

	out, err := s.HandleRaiseHand(ctx, false)
	require.NoError(t, err)
	errMsg, ok := out.ToClient[0].(wire.Error)
	require.True(t, ok)
	assert.Equal(t, wire.ErrRaiseHandsDisabled, errMsg.Kind)
}

func TestHandleRaiseHandAndLowerHand_RoundTrip(t *testing.T) {
	ctx := context.Background()
	room := ids.Main(ids.RoomId("room-1"))
	s := newTestSession(t, room, ids.ParticipantId("p1"), ids.KindUser(ids.UserId("u1")))
	s.State = Joined()

	out, err := s.HandleRaiseHand(ctx, true)
	require.NoError(t, err)
	_, ok := out.ToClient[0].(wire.HandRaised)
	require.True(t, ok)

	out, err = s.HandleLowerHand(ctx)
	require.NoError(t, err)
	_, ok = out.ToClient[0].(wire.HandLowered)
	require.True(t, ok)
}

func TestChangeModeratorRole_RequiresModeratorCaller(t *testing.T) {
	ctx := context.Background()
	room := ids.Main(ids.RoomId("room-1"))
	s := newTestSession(t, room, ids.ParticipantId("p1"), ids.KindUser(ids.UserId("u1")))
	s.State = Joined()
	s.Role = ids.RoleUser

	out, err := s.HandleGrantModeratorRole(ctx, ids.ParticipantId("p2"))
	require.NoError(t, err)
	errMsg, ok := out.ToClient[0].(wire.Error)
	require.True(t, ok)
	assert.Equal(t, wire.ErrInsufficientPermissions, errMsg.Kind)
}

func TestChangeModeratorRole_GrantAndRevoke(t *testing.T) {
	ctx := context.Background()
	room := ids.Main(ids.RoomId("room-1"))
	s := newTestSession(t, room, ids.ParticipantId("p1"), ids.KindUser(ids.UserId("u1")))
	s.State = Joined()
	s.Role = ids.RoleModerator

	target := ids.ParticipantId("p2")
	require.NoError(t, s.deps.Store.SetGlobal(ctx, attrs.Global{Room: room.Room, Participant: target, Attr: attrs.AttrRole}, string(ids.RoleUser)))

	out, err := s.HandleGrantModeratorRole(ctx, target)
	require.NoError(t, err)
	granted, ok := out.ToClient[0].(wire.ModeratorRoleGranted)
	require.True(t, ok)
	assert.Equal(t, target, granted.Target)

	// Granting again while already a moderator is a no-op error.
	require.NoError(t, s.deps.Store.SetGlobal(ctx, attrs.Global{Room: room.Room, Participant: target, Attr: attrs.AttrRole}, string(ids.RoleModerator)))
	out, err = s.HandleGrantModeratorRole(ctx, target)
	require.NoError(t, err)
	errMsg, ok := out.ToClient[0].(wire.Error)
	require.True(t, ok)
	assert.Equal(t, wire.ErrNothingToDo, errMsg.Kind)

	out, err = s.HandleRevokeModeratorRole(ctx, target)
	require.NoError(t, err)
	revoked, ok := out.ToClient[0].(wire.ModeratorRoleRevoked)
	require.True(t, ok)
	assert.Equal(t, target, revoked.Target)
}

func TestChangeModeratorRole_CannotDemoteRoomOwner(t *testing.T) {
	ctx := context.Background()
	room := ids.Main(ids.RoomId("room-1"))
	s := newTestSession(t, room, ids.ParticipantId("p1"), ids.KindUser(ids.UserId("u1")))
	s.State = Joined()
	s.Role = ids.RoleModerator

	target := ids.ParticipantId("p2")
	owner := ids.UserId("owner")
	require.NoError(t, s.deps.Store.SetGlobal(ctx, attrs.Global{Room: room.Room, Participant: target, Attr: attrs.AttrRole}, string(ids.RoleModerator)))
	require.NoError(t, s.deps.Store.SetLocal(ctx, attrs.Local{Room: room, Participant: target, Attr: attrs.AttrUserID}, string(owner)))
	_, err := s.deps.Store.TryInitCreator(ctx, room.Room, attrs.RoomInfo{RoomId: room.Room, CreatedBy: owner})
	require.NoError(t, err)

	out, err := s.HandleRevokeModeratorRole(ctx, target)
	require.NoError(t, err)
	errMsg, ok := out.ToClient[0].(wire.Error)
	require.True(t, ok)
	assert.Equal(t, wire.ErrTargetIsRoomOwner, errMsg.Kind)
}

// fakeChatModule is a minimal modules.Module that, on BroadcastJoined, writes
// its own entry into the shared ModuleData buffer (§4.4, §4.8).
type fakeChatModule struct{}

func (fakeChatModule) ID() ids.ModuleId { return ids.ModuleId("chat") }
func (fakeChatModule) Init(context.Context, *modules.Context) error { return nil }
func (fakeChatModule) OnTargetedEvent(context.Context, *modules.Context, modules.TargetedEvent) error {
	return nil
}
func (fakeChatModule) OnBroadcastEvent(_ context.Context, _ *modules.Context, evt modules.BroadcastEvent) error {
	if evt.Kind == modules.BroadcastJoined && evt.ModuleData != nil {
		evt.ModuleData[ids.ModuleId("chat")] = map[string]int{"history_size": 0}
	}
	return nil
}
func (fakeChatModule) OnDestroy(context.Context, *modules.Context, modules.CleanupScope) error {
	return nil
}

// TestHandleJoin_PopulatesJoinSuccessFields exercises the fields of
// ControlState/wire.JoinSuccess beyond DisplayName/Role/JoinedAt/IsRoomOwner:
// avatar_url (read back from the store), the attached calendar event
// (try_init_event), and module_data contributed by a registered module.
func TestHandleJoin_PopulatesJoinSuccessFields(t *testing.T) {
	ctx := context.Background()
	room := ids.Main(ids.RoomId("room-1"))
	owner := ids.UserId("owner")
	self := ids.ParticipantId("p1")

	registry := modules.NewRegistry()
	registry.Register(fakeChatModule{})

	calRes := calendar.NewFakeResolver()
	calRes.Events[room.Room] = attrs.EventInfo{EventID: "evt-1", Title: "Standup"}

	deps := Deps{
		Store:    attrs.NewMemoryStore(),
		RoomLock: roomlock.NewMemoryLocker(),
		Exchange: exchange.NewMemoryExchange(),
		Registry: registry,
		Tariffs:  fakeLookup{},
		Calendar: calRes,
		Config:   Config{WaitingRoomEnabledDefault: true, LibravatarBaseURL: "https://avatars.example/"},
		Now:      func() time.Time { return time.Unix(1700000000, 0) },
	}
	s := NewSession(deps, self, ids.RunnerId("runner-1"), room, ids.KindUser(owner))

	name := "Alice"
	out, err := s.HandleJoin(ctx, &name, "", "alice@example.com", nil, owner)
	require.NoError(t, err)
	require.Len(t, out.ToClient, 1)
	success, ok := out.ToClient[0].(wire.JoinSuccess)
	require.True(t, ok, "owner/creator should be admitted directly as moderator")

	require.NotNil(t, success.AvatarURL, "avatar_url written during HandleJoin must be read back into JoinSuccess")
	assert.Contains(t, *success.AvatarURL, "https://avatars.example/")

	require.NotNil(t, success.EventInfo, "the attached calendar event must be resolved via try_init_event")
	evt, ok := success.EventInfo.(attrs.EventInfo)
	require.True(t, ok)
	assert.Equal(t, "evt-1", evt.EventID)

	require.NotNil(t, success.ModuleData)
	raw, ok := success.ModuleData[ids.ModuleId("chat")]
	require.True(t, ok, "a registered module's BroadcastJoined contribution must surface in JoinSuccess.ModuleData")
	var decoded map[string]int
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, 0, decoded["history_size"])
}

// TestResolveDisplayName_SipUsesCallinResolver exercises §4.5 "None + Join"
// for Sip: the display name must be derived via the call-in resolver rather
// than the client-requested/stored path.
func TestResolveDisplayName_SipUsesCallinResolver(t *testing.T) {
	ctx := context.Background()
	room := ids.Main(ids.RoomId("room-1"))
	self := ids.ParticipantId("sip-1")

	dialIn := callin.NewFakeResolver()
	dialIn.Names[self] = "+1 555 0100"

	deps := Deps{
		Store:    attrs.NewMemoryStore(),
		RoomLock: roomlock.NewMemoryLocker(),
		Exchange: exchange.NewMemoryExchange(),
		Registry: modules.NewRegistry(),
		Tariffs:  fakeLookup{},
		Callin:   dialIn,
		Config:   Config{WaitingRoomEnabledDefault: false},
		Now:      func() time.Time { return time.Unix(1700000000, 0) },
	}
	s := NewSession(deps, self, ids.RunnerId("runner-1"), room, ids.KindSip())

	out, err := s.HandleJoin(ctx, nil, "", "", nil, "")
	require.NoError(t, err)
	require.Len(t, out.ToClient, 1)
	success, ok := out.ToClient[0].(wire.JoinSuccess)
	require.True(t, ok)
	assert.Equal(t, "+1 555 0100", success.DisplayName)
}

// TestResolveDisplayName_SipFallsBackWhenCallinHasNoRecord exercises the
// fallback path: a Sip participant with no call-in record resolves through
// the normal stored/requested path instead of failing the join.
func TestResolveDisplayName_SipFallsBackWhenCallinHasNoRecord(t *testing.T) {
	ctx := context.Background()
	room := ids.Main(ids.RoomId("room-1"))
	self := ids.ParticipantId("sip-2")

	deps := Deps{
		Store:    attrs.NewMemoryStore(),
		RoomLock: roomlock.NewMemoryLocker(),
		Exchange: exchange.NewMemoryExchange(),
		Registry: modules.NewRegistry(),
		Tariffs:  fakeLookup{},
		Callin:   callin.NewFakeResolver(),
		Config:   Config{WaitingRoomEnabledDefault: false},
		Now:      func() time.Time { return time.Unix(1700000000, 0) },
	}
	s := NewSession(deps, self, ids.RunnerId("runner-1"), room, ids.KindSip())

	out, err := s.HandleJoin(ctx, nil, "Dial-in caller", "", nil, "")
	require.NoError(t, err)
	require.Len(t, out.ToClient, 1)
	success, ok := out.ToClient[0].(wire.JoinSuccess)
	require.True(t, ok)
	assert.Equal(t, "Dial-in caller", success.DisplayName)
}
