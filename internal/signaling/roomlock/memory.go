package roomlock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
)

// MemoryLocker is an in-process fake of Locker for unit tests. It enforces
// the same bounded-wait contract as RedisLocker via a per-room channel
// acting as a 1-slot semaphore.
type MemoryLocker struct {
	mu          sync.Mutex
	sems        map[string]chan struct{}
	retryDelay  time.Duration
	maxAttempts int

	// FailNext, when set, makes the next LockRoom call return
	// ErrStoreUnavailable instead of acquiring -- used to exercise the
	// teardown abort-on-failure path (§4.11 Phase 1/3).
	FailNext bool
}

// NewMemoryLocker builds a fake locker. Pass maxAttempts=0 for defaults
// matching RedisLocker's conservative bound.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		sems:        map[string]chan struct{}{},
		retryDelay:  10 * time.Millisecond,
		maxAttempts: 10,
	}
}

func (l *MemoryLocker) semFor(room ids.SignalingRoomId) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := room.String()
	ch, ok := l.sems[key]
	if !ok {
		ch = make(chan struct{}, 1)
		ch <- struct{}{}
		l.sems[key] = ch
	}
	return ch
}

func (l *MemoryLocker) LockRoom(ctx context.Context, room ids.SignalingRoomId) (*Guard, error) {
	l.mu.Lock()
	fail := l.FailNext
	l.FailNext = false
	l.mu.Unlock()
	if fail {
		return nil, ErrStoreUnavailable
	}

	ch := l.semFor(room)
	for attempt := 0; attempt < l.maxAttempts; attempt++ {
		select {
		case <-ch:
			return &Guard{room: room, token: uuid.NewString()}, nil
		case <-ctx.Done():
			return nil, ErrStoreUnavailable
		default:
		}
		select {
		case <-ctx.Done():
			return nil, ErrStoreUnavailable
		case <-time.After(l.retryDelay):
		}
	}
	return nil, ErrLocked
}

func (l *MemoryLocker) UnlockRoom(_ context.Context, g *Guard) error {
	ch := l.semFor(g.room)
	select {
	case ch <- struct{}{}:
	default:
	}
	return nil
}

var _ Locker = (*MemoryLocker)(nil)
