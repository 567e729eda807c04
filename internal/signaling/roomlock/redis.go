package roomlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opencloud-community/ot-controller-sub000/internal/metrics"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// unlockScript atomically deletes the lock key only if it still holds our
// token, mirroring the compare-and-delete discipline used for the
// ParticipantId runner-ownership lock (§5).
const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// RedisLocker is the production Room Lock backend: SET NX PX with bounded
// retry. This is the Open Question 1 (§9) choice -- a single NX-SET-based
// strategy used uniformly for both the room lock and (in control) the
// ParticipantId ownership lock, documented in DESIGN.md.
type RedisLocker struct {
	client      *redis.Client
	cb          *gobreaker.CircuitBreaker
	ttl         time.Duration
	retryDelay  time.Duration
	maxAttempts int
}

// NewRedisLocker builds a locker with the given lease TTL and bounded retry
// policy. ttl bounds how long a crashed holder can block others; maxAttempts
// * retryDelay bounds how long LockRoom will wait before returning
// ErrLocked (§4.2, §5).
func NewRedisLocker(client *redis.Client, ttl, retryDelay time.Duration, maxAttempts int) *RedisLocker {
	st := gobreaker.Settings{
		Name:        "roomlock",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
	}
	return &RedisLocker{
		client:      client,
		cb:          gobreaker.NewCircuitBreaker(st),
		ttl:         ttl,
		retryDelay:  retryDelay,
		maxAttempts: maxAttempts,
	}
}

func lockKey(room ids.SignalingRoomId) string {
	return fmt.Sprintf("signaling:roomlock:%s", room.String())
}

func (l *RedisLocker) LockRoom(ctx context.Context, room ids.SignalingRoomId) (*Guard, error) {
	token := uuid.NewString()
	key := lockKey(room)

	for attempt := 0; attempt < l.maxAttempts; attempt++ {
		v, err := l.cb.Execute(func() (any, error) {
			return l.client.SetNX(ctx, key, token, l.ttl).Result()
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				metrics.CircuitBreakerFailures.WithLabelValues("roomlock").Inc()
			}
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if acquired, _ := v.(bool); acquired {
			return &Guard{room: room, token: token}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, ctx.Err())
		case <-time.After(l.retryDelay):
		}
	}

	metrics.RoomLockContention.Inc()
	return nil, ErrLocked
}

func (l *RedisLocker) UnlockRoom(ctx context.Context, g *Guard) error {
	_, err := l.cb.Execute(func() (any, error) {
		return l.client.Eval(ctx, unlockScript, []string{lockKey(g.room)}, g.token).Result()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerFailures.WithLabelValues("roomlock").Inc()
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

var _ Locker = (*RedisLocker)(nil)
