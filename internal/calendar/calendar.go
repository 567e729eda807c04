// Package calendar is the contract boundary to the scheduling system that
// backs try_init_event (§4.1): it resolves a room to its calendar event, if
// any. Contract-only at the edge, same shape as tariffsql.Lookup.
package calendar

import (
	"context"
	"errors"

	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/attrs"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
)

// ErrNotFound is returned when a room has no associated calendar event.
var ErrNotFound = errors.New("calendar: not found")

// Resolver resolves a room's calendar event.
type Resolver interface {
	EventForRoom(ctx context.Context, room ids.RoomId) (attrs.EventInfo, error)
}

var _ Resolver = (*FakeResolver)(nil)

// FakeResolver is an in-memory Resolver for tests.
type FakeResolver struct {
	Events map[ids.RoomId]attrs.EventInfo
}

func NewFakeResolver() *FakeResolver {
	return &FakeResolver{Events: map[ids.RoomId]attrs.EventInfo{}}
}

func (f *FakeResolver) EventForRoom(_ context.Context, room ids.RoomId) (attrs.EventInfo, error) {
	e, ok := f.Events[room]
	if !ok {
		return attrs.EventInfo{}, ErrNotFound
	}
	return e, nil
}
