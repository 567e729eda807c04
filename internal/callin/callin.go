// Package callin is the contract boundary to the call-in/dial-in system that
// resolves a Sip participant's display name (§4.5 "None + Join"). Contract-only
// at the edge, same shape as tariffsql.Lookup and calendar.Resolver.
package callin

import (
	"context"
	"errors"

	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
)

// ErrNotFound is returned when no call-in record exists for the participant.
var ErrNotFound = errors.New("callin: not found")

// Resolver resolves the display name a Sip participant dialed in under.
type Resolver interface {
	DisplayName(ctx context.Context, room ids.RoomId, p ids.ParticipantId) (string, error)
}

var _ Resolver = (*FakeResolver)(nil)

// FakeResolver is an in-memory Resolver for tests and local development
// without a call-in backend.
type FakeResolver struct {
	Names map[ids.ParticipantId]string
}

func NewFakeResolver() *FakeResolver {
	return &FakeResolver{Names: map[ids.ParticipantId]string{}}
}

func (f *FakeResolver) DisplayName(_ context.Context, _ ids.RoomId, p ids.ParticipantId) (string, error) {
	name, ok := f.Names[p]
	if !ok {
		return "", ErrNotFound
	}
	return name, nil
}
