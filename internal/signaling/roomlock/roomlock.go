// Package roomlock implements the Room Lock (§4.2): a distributed mutex per
// signaling-room id, with bounded acquisition, explicit release, and
// well-defined failure kinds.
package roomlock

import (
	"context"
	"errors"

	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
)

// ErrLocked is returned when acquisition is abandoned due to contention
// (§4.2 "Locked").
var ErrLocked = errors.New("roomlock: contention too high")

// ErrStoreUnavailable is returned when the backend I/O fails during
// acquisition or release (§4.2 "StoreUnavailable").
var ErrStoreUnavailable = errors.New("roomlock: store unavailable")

// Guard is the opaque handle returned by a successful LockRoom call. It must
// be released exactly once via UnlockRoom. The guard is not reentrant
// (§4.2).
type Guard struct {
	room  ids.SignalingRoomId
	token string
}

// Locker is the Room Lock contract (§4.2). Implementations must bound the
// acquisition wait; they must never block the caller's event loop
// indefinitely (§5).
type Locker interface {
	// LockRoom blocks cooperatively up to an implementation-chosen bound,
	// then returns ErrLocked or ErrStoreUnavailable on failure.
	LockRoom(ctx context.Context, room ids.SignalingRoomId) (*Guard, error)
	// UnlockRoom releases a guard obtained from LockRoom. Any abnormal exit
	// while holding a guard without calling UnlockRoom is a fatal bug in the
	// caller (§4.2) -- this contract cannot detect that, it can only report
	// failures of the release call itself.
	UnlockRoom(ctx context.Context, g *Guard) error
}
