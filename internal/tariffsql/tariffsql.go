// Package tariffsql is the contract boundary to the tariff and room-settings
// system of record. It is deliberately interface-only at the edge: the
// runner never speaks SQL directly, it speaks this Lookup contract, mirrored
// on the shape of the teacher's health.SFUChecker collaborator boundary.
package tariffsql

import (
	"context"
	"errors"

	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/attrs"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
)

// ErrNotFound is returned when no tariff or creator record exists for the
// requested room.
var ErrNotFound = errors.New("tariffsql: not found")

// Lookup resolves a room's tariff and creator. Implementations must be safe
// for concurrent use across many runner tasks.
type Lookup interface {
	// TariffForRoom returns the tariff in effect for the given room.
	TariffForRoom(ctx context.Context, room ids.RoomId) (attrs.Tariff, error)
	// CreatorForRoom returns the UserId that created the room.
	CreatorForRoom(ctx context.Context, room ids.RoomId) (ids.UserId, error)
}

var _ Lookup = (*FakeLookup)(nil)

// FakeLookup is an in-memory Lookup for tests and local development without
// a database.
type FakeLookup struct {
	Tariffs  map[ids.RoomId]attrs.Tariff
	Creators map[ids.RoomId]ids.UserId
}

func NewFakeLookup() *FakeLookup {
	return &FakeLookup{
		Tariffs:  map[ids.RoomId]attrs.Tariff{},
		Creators: map[ids.RoomId]ids.UserId{},
	}
}

func (f *FakeLookup) TariffForRoom(_ context.Context, room ids.RoomId) (attrs.Tariff, error) {
	t, ok := f.Tariffs[room]
	if !ok {
		return attrs.Tariff{}, ErrNotFound
	}
	return t, nil
}

func (f *FakeLookup) CreatorForRoom(_ context.Context, room ids.RoomId) (ids.UserId, error) {
	c, ok := f.Creators[room]
	if !ok {
		return "", ErrNotFound
	}
	return c, nil
}
