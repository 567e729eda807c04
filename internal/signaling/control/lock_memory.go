package control

import (
	"context"
	"sync"
	"time"

	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
)

// MemoryParticipantLocker is an in-process fake ParticipantLocker for tests.
type MemoryParticipantLocker struct {
	mu          sync.Mutex
	owner       map[ids.ParticipantId]ids.RunnerId
	retryDelay  time.Duration
	maxAttempts int
}

func NewMemoryParticipantLocker() *MemoryParticipantLocker {
	return &MemoryParticipantLocker{
		owner:       map[ids.ParticipantId]ids.RunnerId{},
		retryDelay:  5 * time.Millisecond,
		maxAttempts: 10,
	}
}

func (l *MemoryParticipantLocker) LockParticipant(ctx context.Context, p ids.ParticipantId, runner ids.RunnerId) error {
	for attempt := 0; attempt < l.maxAttempts; attempt++ {
		l.mu.Lock()
		if _, held := l.owner[p]; !held {
			l.owner[p] = runner
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ErrParticipantLockStoreUnavailable
		case <-time.After(l.retryDelay):
		}
	}
	return ErrParticipantLocked
}

func (l *MemoryParticipantLocker) UnlockParticipant(_ context.Context, p ids.ParticipantId, runner ids.RunnerId) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner[p] == runner {
		delete(l.owner, p)
	}
	return nil
}

var _ ParticipantLocker = (*MemoryParticipantLocker)(nil)
