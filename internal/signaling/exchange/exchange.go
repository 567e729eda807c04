// Package exchange implements the Message Exchange (§4.3): topic-based
// pub/sub keyed by flat routing-key strings, delivering opaque wire
// envelopes at-most-once, unordered across publishers, best-effort.
package exchange

import (
	"context"
	"fmt"

	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/wire"
)

// RoutingKey is a flat string topic. The vocabulary is fixed by §4.3; the
// stable string encoding is an implementation choice.
type RoutingKey string

// CurrentRoomAllParticipants delivers to every runner in the given sub-room.
func CurrentRoomAllParticipants(room ids.SignalingRoomId) RoutingKey {
	return RoutingKey(fmt.Sprintf("current-room/all-participants/%s", room.String()))
}

// CurrentRoomByParticipant delivers to one specific runner.
func CurrentRoomByParticipant(room ids.SignalingRoomId, p ids.ParticipantId) RoutingKey {
	return RoutingKey(fmt.Sprintf("current-room/by-participant/%s/%s", room.String(), p))
}

// GlobalRoomAllParticipants delivers to every runner across the conference
// and its waiting room.
func GlobalRoomAllParticipants(room ids.RoomId) RoutingKey {
	return RoutingKey(fmt.Sprintf("global-room/all-participants/%s", room))
}

// GlobalRoomByParticipant delivers to one runner anywhere in the conference.
func GlobalRoomByParticipant(room ids.RoomId, p ids.ParticipantId) RoutingKey {
	return RoutingKey(fmt.Sprintf("global-room/by-participant/%s/%s", room, p))
}

// GlobalRoomByUser delivers to one participant by stable user identity,
// anywhere in the conference.
func GlobalRoomByUser(room ids.RoomId, u ids.UserId) RoutingKey {
	return RoutingKey(fmt.Sprintf("global-room/by-user/%s/%s", room, u))
}

// CurrentRoomByUser delivers to one participant by stable user identity,
// within the current sub-room.
func CurrentRoomByUser(room ids.SignalingRoomId, u ids.UserId) RoutingKey {
	return RoutingKey(fmt.Sprintf("current-room/by-user/%s/%s", room.String(), u))
}

// CurrentRoomAllRecorders delivers to just the recorder participants of a
// sub-room.
func CurrentRoomAllRecorders(room ids.SignalingRoomId) RoutingKey {
	return RoutingKey(fmt.Sprintf("current-room/all-recorders/%s", room.String()))
}

// Message is one delivered exchange envelope, tagged with the routing key it
// arrived on and the sender's RunnerId (so a runner can filter out its own
// publishes where the protocol requires it).
type Message struct {
	RoutingKey RoutingKey
	SenderID   ids.RunnerId
	Envelope   wire.Envelope
}

// Subscription is a live set of routing-key subscriptions for one runner.
// Subscriptions are created at builder time with a fixed key set determined
// by participant kind (§4.3) and never change for the life of the runner.
type Subscription interface {
	C() <-chan Message
	Close() error
}

// Exchange is the Message Exchange contract.
type Exchange interface {
	// Publish sends env to every subscriber of key. senderID is carried
	// through so receivers can recognize and discard their own publishes.
	Publish(ctx context.Context, key RoutingKey, senderID ids.RunnerId, env wire.Envelope) error
	// Subscribe opens a Subscription for the given fixed key set.
	Subscribe(ctx context.Context, keys []RoutingKey) (Subscription, error)
}
