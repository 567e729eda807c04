package modules

import (
	"context"
	"testing"

	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingModule struct {
	id          ids.ModuleId
	initCalls   int
	targeted    []TargetedEvent
	broadcasts  []BroadcastEvent
	destroyedAt []CleanupScope
	failInit    error
}

func (m *recordingModule) ID() ids.ModuleId { return m.id }

func (m *recordingModule) Init(_ context.Context, _ *Context) error {
	m.initCalls++
	return m.failInit
}

func (m *recordingModule) OnTargetedEvent(_ context.Context, _ *Context, evt TargetedEvent) error {
	m.targeted = append(m.targeted, evt)
	return nil
}

func (m *recordingModule) OnBroadcastEvent(_ context.Context, _ *Context, evt BroadcastEvent) error {
	m.broadcasts = append(m.broadcasts, evt)
	return nil
}

func (m *recordingModule) OnDestroy(_ context.Context, _ *Context, scope CleanupScope) error {
	m.destroyedAt = append(m.destroyedAt, scope)
	return nil
}

func TestRegistry_InitAllInitializesEveryModule(t *testing.T) {
	r := NewRegistry()
	chat := &recordingModule{id: "chat"}
	hand := &recordingModule{id: "hand"}
	r.Register(chat)
	r.Register(hand)

	require.NoError(t, r.InitAll(context.Background(), &Context{}))
	assert.Equal(t, 1, chat.initCalls)
	assert.Equal(t, 1, hand.initCalls)
}

func TestRegistry_DispatchTargetedRoutesToAddressedModuleOnly(t *testing.T) {
	r := NewRegistry()
	chat := &recordingModule{id: "chat"}
	hand := &recordingModule{id: "hand"}
	r.Register(chat)
	r.Register(hand)

	evt := TargetedEvent{ModuleID: "chat", Payload: "hello"}
	require.NoError(t, r.DispatchTargeted(context.Background(), &Context{}, evt))

	assert.Len(t, chat.targeted, 1)
	assert.Empty(t, hand.targeted)
}

func TestRegistry_DispatchTargetedUnknownModuleErrors(t *testing.T) {
	r := NewRegistry()
	err := r.DispatchTargeted(context.Background(), &Context{}, TargetedEvent{ModuleID: "missing"})
	assert.ErrorIs(t, err, ErrNoSuchModule)
}

func TestRegistry_DispatchBroadcastReachesEveryModule(t *testing.T) {
	r := NewRegistry()
	chat := &recordingModule{id: "chat"}
	hand := &recordingModule{id: "hand"}
	r.Register(chat)
	r.Register(hand)

	evt := BroadcastEvent{Kind: BroadcastParticipantJoined, Participant: "p1"}
	require.NoError(t, r.DispatchBroadcast(context.Background(), &Context{}, evt))

	assert.Len(t, chat.broadcasts, 1)
	assert.Len(t, hand.broadcasts, 1)
}

func TestRegistry_DispatchDestroyPropagatesScopeToEveryModule(t *testing.T) {
	r := NewRegistry()
	chat := &recordingModule{id: "chat"}
	r.Register(chat)

	require.NoError(t, r.DispatchDestroy(context.Background(), &Context{}, CleanupGlobal))
	require.Len(t, chat.destroyedAt, 1)
	assert.Equal(t, CleanupGlobal, chat.destroyedAt[0])
}

func TestRegistry_Has(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Has("chat"))
	r.Register(&recordingModule{id: "chat"})
	assert.True(t, r.Has("chat"))
}
