package runner

import (
	"context"
	"testing"
	"time"

	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/attrs"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/control"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/exchange"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/modules"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/roomlock"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecideCleanupScope(t *testing.T) {
	cases := []struct {
		name                string
		globalParticipants  int64
		currentSubRoomEmpty bool
		isBreakout          bool
		want                modules.CleanupScope
	}{
		{"last participant anywhere", 0, true, false, modules.CleanupGlobal},
		{"last participant is breakout-empty too", 0, true, true, modules.CleanupGlobal},
		{"last in breakout, others remain globally", 3, true, true, modules.CleanupLocal},
		{"last in main room, waiting room still populated", 2, true, false, modules.CleanupNone},
		{"sub-room still occupied", 5, false, true, modules.CleanupNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := decideCleanupScope(tc.globalParticipants, tc.currentSubRoomEmpty, tc.isBreakout)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCleanupScopeLabel(t *testing.T) {
	assert.Equal(t, "local", cleanupScopeLabel(modules.CleanupLocal))
	assert.Equal(t, "global", cleanupScopeLabel(modules.CleanupGlobal))
	assert.Equal(t, "none", cleanupScopeLabel(modules.CleanupNone))
}

type fakeClientSink struct {
	sent   []wire.Envelope
	closed bool
}

func (f *fakeClientSink) Send(_ context.Context, env wire.Envelope) error {
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeClientSink) Close(_ context.Context, _ wire.CloseCode, _ wire.LeaveReason) error {
	f.closed = true
	return nil
}

func testDeps() Deps {
	return Deps{
		Store:           attrs.NewMemoryStore(),
		RoomLock:        roomlock.NewMemoryLocker(),
		ParticipantLock: control.NewMemoryParticipantLocker(),
		Exchange:        exchange.NewMemoryExchange(),
		Registry:        modules.NewRegistry(),
		Tariffs:         nil,
		Calendar:        nil,
		Config: Config{
			ResumptionKeepaliveInterval: time.Minute,
		},
		Now: func() time.Time { return time.Unix(1700000000, 0) },
	}
}

// TestRunner_Destroy_LastParticipantGoesGlobal exercises the full
// Destruction Protocol for the last joined participant in a main room: the
// room was alive, so finalization must clean up both local and room-global
// keys and leave the participant set empty.
func TestRunner_Destroy_LastParticipantGoesGlobal(t *testing.T) {
	ctx := context.Background()
	deps := testDeps()
	room := ids.Main(ids.RoomId("room-1"))
	self := ids.ParticipantId("p1")
	runnerID := ids.RunnerId("runner-1")

	require.NoError(t, deps.Store.SetRoomAlive(ctx, room.Room))
	_, err := deps.Store.IncrementParticipantCount(ctx, room.Room)
	require.NoError(t, err)
	require.NoError(t, deps.Store.AddParticipantToSet(ctx, room, self, false))

	client := &fakeClientSink{}
	rn, err := Build(ctx, deps, self, runnerID, room, ids.KindUser(ids.UserId("u1")), client, JoinContext{})
	require.NoError(t, err)

	rn.session.State = control.Joined()

	noShutdown := make(chan struct{})
	rn.Destroy(ctx, noShutdown)

	alive, err := deps.Store.IsRoomAlive(ctx, room.Room)
	require.NoError(t, err)
	assert.False(t, alive, "room-global state must be torn down once the last participant leaves")

	allLeft, err := deps.Store.ParticipantsAllLeft(ctx, room)
	require.NoError(t, err)
	assert.True(t, allLeft)

	// Destroy is idempotent.
	rn.Destroy(ctx, noShutdown)
}

// TestRunner_Destroy_BreakoutLocalCleanupKeepsRoomAlive leaves a second
// global participant behind (in the main room), so the breakout sub-room
// being vacated must clean up only its own local keys (CleanupLocal),
// leaving room-global state (room_alive, tariff, ...) untouched.
func TestRunner_Destroy_BreakoutLocalCleanupKeepsRoomAlive(t *testing.T) {
	ctx := context.Background()
	deps := testDeps()
	roomID := ids.RoomId("room-1")
	breakout := ids.Breakout(roomID, ids.BreakoutRoomId("b1"))
	self := ids.ParticipantId("p1")
	other := ids.ParticipantId("p2")
	runnerID := ids.RunnerId("runner-1")

	require.NoError(t, deps.Store.SetRoomAlive(ctx, roomID))
	_, err := deps.Store.IncrementParticipantCount(ctx, roomID) // self
	require.NoError(t, err)
	_, err = deps.Store.IncrementParticipantCount(ctx, roomID) // other, still in main room
	require.NoError(t, err)
	require.NoError(t, deps.Store.AddParticipantToSet(ctx, breakout, self, false))
	require.NoError(t, deps.Store.AddParticipantToSet(ctx, ids.Main(roomID), other, false))

	client := &fakeClientSink{}
	rn, err := Build(ctx, deps, self, runnerID, breakout, ids.KindUser(ids.UserId("u1")), client, JoinContext{})
	require.NoError(t, err)
	rn.session.State = control.Joined()

	rn.Destroy(ctx, make(chan struct{}))

	alive, err := deps.Store.IsRoomAlive(ctx, roomID)
	require.NoError(t, err)
	assert.True(t, alive, "the main room must stay alive while a participant remains")

	count, err := deps.Store.GetParticipantCount(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

// TestRunner_Destroy_GracePeriodCancelsOnRejoin builds the last participant
// in a breakout room, then publishes a joined-waiting-room event on the same
// exchange key the runner subscribed to; the grace period must observe it
// and downgrade the final scope away from CleanupGlobal.
func TestRunner_Destroy_GracePeriodCancelsOnRejoin(t *testing.T) {
	ctx := context.Background()
	deps := testDeps()
	roomID := ids.RoomId("room-1")
	breakout := ids.Breakout(roomID, ids.BreakoutRoomId("b1"))
	self := ids.ParticipantId("p1")
	runnerID := ids.RunnerId("runner-1")

	require.NoError(t, deps.Store.SetRoomAlive(ctx, roomID))
	_, err := deps.Store.IncrementParticipantCount(ctx, roomID)
	require.NoError(t, err)
	require.NoError(t, deps.Store.AddParticipantToSet(ctx, breakout, self, false))

	client := &fakeClientSink{}
	rn, err := Build(ctx, deps, self, runnerID, breakout, ids.KindUser(ids.UserId("u1")), client, JoinContext{})
	require.NoError(t, err)
	rn.session.State = control.Joined()

	scope := decideCleanupScope(1, true, true)
	require.Equal(t, modules.CleanupLocal, scope)

	joinedEnv, err := wire.NewExchangeEnvelope(wire.ExchangeJoinedWaitingRoom, wire.ExchangeJoinedWaitingRoomPayload{Self: ids.ParticipantId("p2")})
	require.NoError(t, err)
	outer, err := wire.NewEnvelope(wire.ModuleControl, deps.Now(), joinedEnv)
	require.NoError(t, err)

	go func() {
		_ = deps.Exchange.Publish(ctx, exchange.CurrentRoomAllParticipants(breakout), ids.RunnerId("other-runner"), outer)
	}()

	got := rn.destroyPhase2(ctx, scope, make(chan struct{}))
	assert.Equal(t, modules.CleanupLocal, got, "a join into the breakout should cancel teardown back to local scope")
}

// TestRunner_DestroyPhase2_ShutdownForcesGlobal exercises the process-
// shutdown branch directly: closing the shutdown channel mid-grace-period
// must force the scope to CleanupGlobal regardless of what scope Phase 1
// computed, the same as a canceled ctx.
func TestRunner_DestroyPhase2_ShutdownForcesGlobal(t *testing.T) {
	ctx := context.Background()
	deps := testDeps()
	roomID := ids.RoomId("room-1")
	breakout := ids.Breakout(roomID, ids.BreakoutRoomId("b1"))
	self := ids.ParticipantId("p1")
	runnerID := ids.RunnerId("runner-1")

	require.NoError(t, deps.Store.SetRoomAlive(ctx, roomID))
	_, err := deps.Store.IncrementParticipantCount(ctx, roomID)
	require.NoError(t, err)
	require.NoError(t, deps.Store.AddParticipantToSet(ctx, breakout, self, false))

	client := &fakeClientSink{}
	rn, err := Build(ctx, deps, self, runnerID, breakout, ids.KindUser(ids.UserId("u1")), client, JoinContext{})
	require.NoError(t, err)
	rn.session.State = control.Joined()

	scope := decideCleanupScope(1, true, true)
	require.Equal(t, modules.CleanupLocal, scope)

	shutdown := make(chan struct{})
	close(shutdown)

	got := rn.destroyPhase2(ctx, scope, shutdown)
	assert.Equal(t, modules.CleanupGlobal, got, "a process shutdown mid-grace-period must force global cleanup scope")
}
