package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/wire"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisExchange(t *testing.T) *RedisExchange {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisExchange(client)
}

func TestRedisExchange_PublishDeliversToSubscriber(t *testing.T) {
	e := newTestRedisExchange(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	room := ids.Main(ids.RoomId("room-1"))
	key := CurrentRoomAllParticipants(room)

	sub, err := e.Subscribe(ctx, []RoutingKey{key})
	require.NoError(t, err)
	defer sub.Close()

	env, err := wire.NewEnvelope(wire.ModuleControl, time.Unix(0, 0), wire.Error{Kind: wire.ErrAlreadyJoined})
	require.NoError(t, err)
	require.NoError(t, e.Publish(ctx, key, ids.RunnerId("sender"), env))

	select {
	case msg := <-sub.C():
		assert.Equal(t, ids.RunnerId("sender"), msg.SenderID)
		assert.Equal(t, key, msg.RoutingKey)
	case <-time.After(2 * time.Second):
		t.Fatal("expected subscriber to receive the published message")
	}
}

func TestRedisExchange_SubscriberOnlySeesItsOwnRoutingKeys(t *testing.T) {
	e := newTestRedisExchange(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	roomA := ids.Main(ids.RoomId("room-a"))
	roomB := ids.Main(ids.RoomId("room-b"))

	subA, err := e.Subscribe(ctx, []RoutingKey{CurrentRoomAllParticipants(roomA)})
	require.NoError(t, err)
	defer subA.Close()

	env, err := wire.NewEnvelope(wire.ModuleControl, time.Unix(0, 0), wire.Error{Kind: wire.ErrAlreadyJoined})
	require.NoError(t, err)
	require.NoError(t, e.Publish(ctx, CurrentRoomAllParticipants(roomB), ids.RunnerId("sender"), env))

	select {
	case <-subA.C():
		t.Fatal("subscriber to room A must not see room B's publish")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisExchange_CloseStopsDelivery(t *testing.T) {
	e := newTestRedisExchange(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	room := ids.Main(ids.RoomId("room-1"))
	key := CurrentRoomAllParticipants(room)

	sub, err := e.Subscribe(ctx, []RoutingKey{key})
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	_, ok := <-sub.C()
	assert.False(t, ok, "C() must report closed after Close")
}
