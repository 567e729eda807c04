package attrs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opencloud-community/ot-controller-sub000/internal/metrics"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// RedisStore is the production Attribute Store backend. It mirrors the
// teacher's bus.Service: every Redis round trip goes through a circuit
// breaker so a Redis outage degrades to ErrBackend instead of hanging the
// caller's goroutine indefinitely.
type RedisStore struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewRedisStore wraps an existing Redis client. The client's lifecycle is
// owned by the caller (bootstrap code), matching bus.NewService's pattern
// of a single shared client per process.
func NewRedisStore(client *redis.Client) *RedisStore {
	st := gobreaker.Settings{
		Name:        "attrs",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
	}
	return &RedisStore{client: client, cb: gobreaker.NewCircuitBreaker(st)}
}

func (s *RedisStore) exec(ctx context.Context, fn func() (any, error)) (any, error) {
	v, err := s.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, ErrDuplicateInsert) {
			// Not a backend failure: surface untouched so callers can
			// distinguish it from ErrBackend per §7.
			return nil, err
		}
		if errors.Is(err, redis.Nil) {
			// Not-found is a normal outcome, not a backend failure; let it
			// propagate unwrapped so callers can check errors.Is(err, redis.Nil).
			return nil, err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerFailures.WithLabelValues("attrs").Inc()
			return nil, fmt.Errorf("%w: circuit open: %w", ErrBackend, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrBackend, err)
	}
	return v, nil
}

// --- key schemas ---
// Opaque to the core per §6; kept readable for operability.

func localHashKey(room ids.SignalingRoomId) string {
	return fmt.Sprintf("signaling:local:%s", room.String())
}

func globalHashKeyForParticipant(room ids.RoomId, p ids.ParticipantId) string {
	return fmt.Sprintf("signaling:global:%s:participant:%s", room, p)
}

func participantSetKey(room ids.SignalingRoomId) string {
	return fmt.Sprintf("signaling:participants:%s", room.String())
}

func waitingSetKey(room ids.RoomId) string    { return fmt.Sprintf("signaling:waiting:%s", room) }
func acceptedSetKey(room ids.RoomId) string   { return fmt.Sprintf("signaling:waiting-accepted:%s", room) }
func countKey(room ids.RoomId) string         { return fmt.Sprintf("signaling:count:%s", room) }
func closesAtKey(room ids.RoomId) string      { return fmt.Sprintf("signaling:closes-at:%s", room) }
func tariffKey(room ids.RoomId) string        { return fmt.Sprintf("signaling:tariff:%s", room) }
func eventKey(room ids.RoomId) string         { return fmt.Sprintf("signaling:event:%s", room) }
func creatorKey(room ids.RoomId) string       { return fmt.Sprintf("signaling:creator:%s", room) }
func roomAliveKey(room ids.RoomId) string     { return fmt.Sprintf("signaling:alive:%s", room) }
func waitingEnabledKey(room ids.RoomId) string {
	return fmt.Sprintf("signaling:waiting-enabled:%s", room)
}
func raiseHandsEnabledKey(room ids.RoomId) string {
	return fmt.Sprintf("signaling:raise-hands-enabled:%s", room)
}
func skipWaitingKey(p ids.ParticipantId) string { return fmt.Sprintf("signaling:skip-waiting:%s", p) }
func resumptionKey(p ids.ParticipantId) string  { return fmt.Sprintf("signaling:resumption:%s", p) }

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *RedisStore) GetLocal(ctx context.Context, l Local) (any, bool, error) {
	v, err := s.exec(ctx, func() (any, error) {
		return s.client.HGet(ctx, localHashKey(l.Room), attrField(l.Participant, l.Attr)).Result()
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	raw, ok := v.(string)
	if !ok {
		return nil, false, nil
	}
	var out any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, false, fmt.Errorf("%w: decode local attr: %v", ErrBackend, err)
	}
	return out, true, nil
}

func attrField(p ids.ParticipantId, attr string) string { return fmt.Sprintf("%s:%s", p, attr) }

func (s *RedisStore) SetLocal(ctx context.Context, l Local, value any) error {
	enc, err := encode(value)
	if err != nil {
		return fmt.Errorf("%w: encode local attr: %v", ErrBackend, err)
	}
	_, err = s.exec(ctx, func() (any, error) {
		return nil, s.client.HSet(ctx, localHashKey(l.Room), attrField(l.Participant, l.Attr), enc).Err()
	})
	return err
}

func (s *RedisStore) RemoveLocal(ctx context.Context, l Local) error {
	_, err := s.exec(ctx, func() (any, error) {
		return nil, s.client.HDel(ctx, localHashKey(l.Room), attrField(l.Participant, l.Attr)).Err()
	})
	return err
}

func (s *RedisStore) RemoveLocalAttrKey(ctx context.Context, room ids.SignalingRoomId, attr string) error {
	_, err := s.exec(ctx, func() (any, error) {
		keys, err := s.client.HKeys(ctx, localHashKey(room)).Result()
		if err != nil {
			return nil, err
		}
		var toDel []string
		for _, k := range keys {
			if hasSuffix(k, ":"+attr) {
				toDel = append(toDel, k)
			}
		}
		if len(toDel) == 0 {
			return nil, nil
		}
		return nil, s.client.HDel(ctx, localHashKey(room), toDel...).Err()
	})
	return err
}

func hasSuffix(s, suf string) bool {
	return len(s) >= len(suf) && s[len(s)-len(suf):] == suf
}

func (s *RedisStore) GetGlobal(ctx context.Context, g Global) (any, bool, error) {
	v, err := s.exec(ctx, func() (any, error) {
		return s.client.HGet(ctx, globalHashKeyForParticipant(g.Room, g.Participant), g.Attr).Result()
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	raw, ok := v.(string)
	if !ok {
		return nil, false, nil
	}
	var out any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, false, fmt.Errorf("%w: decode global attr: %v", ErrBackend, err)
	}
	return out, true, nil
}

func (s *RedisStore) SetGlobal(ctx context.Context, g Global, value any) error {
	enc, err := encode(value)
	if err != nil {
		return fmt.Errorf("%w: encode global attr: %v", ErrBackend, err)
	}
	_, err = s.exec(ctx, func() (any, error) {
		return nil, s.client.HSet(ctx, globalHashKeyForParticipant(g.Room, g.Participant), g.Attr, enc).Err()
	})
	return err
}

func (s *RedisStore) RemoveGlobal(ctx context.Context, g Global) error {
	_, err := s.exec(ctx, func() (any, error) {
		return nil, s.client.HDel(ctx, globalHashKeyForParticipant(g.Room, g.Participant), g.Attr).Err()
	})
	return err
}

func (s *RedisStore) RemoveGlobalAttrKey(ctx context.Context, room ids.RoomId, attr string) error {
	_, err := s.exec(ctx, func() (any, error) {
		pattern := fmt.Sprintf("signaling:global:%s:participant:*", room)
		var keys []string
		iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			return nil, nil
		}
		pipe := s.client.Pipeline()
		for _, k := range keys {
			pipe.HDel(ctx, k, attr)
		}
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	return err
}

func (s *RedisStore) BulkActions(ctx context.Context, a *Actions) error {
	_, err := s.exec(ctx, func() (any, error) {
		pipe := s.client.TxPipeline()
		for _, op := range a.ops {
			switch {
			case op.local != nil && op.remove:
				pipe.HDel(ctx, localHashKey(op.local.Room), attrField(op.local.Participant, op.local.Attr))
			case op.local != nil:
				enc, err := encode(op.value)
				if err != nil {
					return nil, err
				}
				pipe.HSet(ctx, localHashKey(op.local.Room), attrField(op.local.Participant, op.local.Attr), enc)
			case op.global != nil && op.remove:
				pipe.HDel(ctx, globalHashKeyForParticipant(op.global.Room, op.global.Participant), op.global.Attr)
			case op.global != nil:
				enc, err := encode(op.value)
				if err != nil {
					return nil, err
				}
				pipe.HSet(ctx, globalHashKeyForParticipant(op.global.Room, op.global.Participant), op.global.Attr, enc)
			}
		}
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	return err
}

func (s *RedisStore) ParticipantSetExists(ctx context.Context, room ids.SignalingRoomId) (bool, error) {
	v, err := s.exec(ctx, func() (any, error) {
		return s.client.Exists(ctx, participantSetKey(room)).Result()
	})
	if err != nil {
		return false, err
	}
	return v.(int64) > 0, nil
}

func (s *RedisStore) AddParticipantToSet(ctx context.Context, room ids.SignalingRoomId, p ids.ParticipantId, resuming bool) error {
	_, err := s.exec(ctx, func() (any, error) {
		added, err := s.client.SAdd(ctx, participantSetKey(room), string(p)).Result()
		if err != nil {
			return nil, err
		}
		if added == 0 && !resuming {
			return nil, ErrDuplicateInsert
		}
		return nil, nil
	})
	return err
}

func (s *RedisStore) RemoveParticipantFromSet(ctx context.Context, room ids.SignalingRoomId, p ids.ParticipantId) error {
	_, err := s.exec(ctx, func() (any, error) {
		return nil, s.client.SRem(ctx, participantSetKey(room), string(p)).Err()
	})
	return err
}

func (s *RedisStore) GetAllParticipants(ctx context.Context, room ids.SignalingRoomId) ([]ids.ParticipantId, error) {
	v, err := s.exec(ctx, func() (any, error) {
		return s.client.SMembers(ctx, participantSetKey(room)).Result()
	})
	if err != nil {
		return nil, err
	}
	raw := v.([]string)
	out := make([]ids.ParticipantId, len(raw))
	for i, r := range raw {
		out[i] = ids.ParticipantId(r)
	}
	return out, nil
}

func (s *RedisStore) ParticipantsAllLeft(ctx context.Context, room ids.SignalingRoomId) (bool, error) {
	v, err := s.exec(ctx, func() (any, error) {
		return s.client.SCard(ctx, participantSetKey(room)).Result()
	})
	if err != nil {
		return false, err
	}
	return v.(int64) == 0, nil
}

func (s *RedisStore) RemoveParticipantSet(ctx context.Context, room ids.SignalingRoomId) error {
	_, err := s.exec(ctx, func() (any, error) {
		return nil, s.client.Del(ctx, participantSetKey(room)).Err()
	})
	return err
}

func (s *RedisStore) AddWaiting(ctx context.Context, room ids.RoomId, p ids.ParticipantId, resuming bool) error {
	_, err := s.exec(ctx, func() (any, error) {
		added, err := s.client.SAdd(ctx, waitingSetKey(room), string(p)).Result()
		if err != nil {
			return nil, err
		}
		if added == 0 && !resuming {
			return nil, ErrDuplicateInsert
		}
		return nil, nil
	})
	return err
}

func (s *RedisStore) RemoveWaiting(ctx context.Context, room ids.RoomId, p ids.ParticipantId) error {
	_, err := s.exec(ctx, func() (any, error) {
		return nil, s.client.SRem(ctx, waitingSetKey(room), string(p)).Err()
	})
	return err
}

func (s *RedisStore) WaitingSetExists(ctx context.Context, room ids.RoomId, p ids.ParticipantId) (bool, error) {
	v, err := s.exec(ctx, func() (any, error) {
		return s.client.SIsMember(ctx, waitingSetKey(room), string(p)).Result()
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *RedisStore) AllWaiting(ctx context.Context, room ids.RoomId) ([]ids.ParticipantId, error) {
	v, err := s.exec(ctx, func() (any, error) {
		return s.client.SMembers(ctx, waitingSetKey(room)).Result()
	})
	if err != nil {
		return nil, err
	}
	raw := v.([]string)
	out := make([]ids.ParticipantId, len(raw))
	for i, r := range raw {
		out[i] = ids.ParticipantId(r)
	}
	return out, nil
}

func (s *RedisStore) AddAcceptedWaiting(ctx context.Context, room ids.RoomId, p ids.ParticipantId) error {
	_, err := s.exec(ctx, func() (any, error) {
		return nil, s.client.SAdd(ctx, acceptedSetKey(room), string(p)).Err()
	})
	return err
}

func (s *RedisStore) RemoveAcceptedWaiting(ctx context.Context, room ids.RoomId, p ids.ParticipantId) error {
	_, err := s.exec(ctx, func() (any, error) {
		return nil, s.client.SRem(ctx, acceptedSetKey(room), string(p)).Err()
	})
	return err
}

func (s *RedisStore) IsAcceptedWaiting(ctx context.Context, room ids.RoomId, p ids.ParticipantId) (bool, error) {
	v, err := s.exec(ctx, func() (any, error) {
		return s.client.SIsMember(ctx, acceptedSetKey(room), string(p)).Result()
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *RedisStore) IncrementParticipantCount(ctx context.Context, room ids.RoomId) (int64, error) {
	v, err := s.exec(ctx, func() (any, error) {
		return s.client.Incr(ctx, countKey(room)).Result()
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (s *RedisStore) DecrementParticipantCount(ctx context.Context, room ids.RoomId) (int64, error) {
	v, err := s.exec(ctx, func() (any, error) {
		n, err := s.client.Decr(ctx, countKey(room)).Result()
		if err != nil {
			return nil, err
		}
		if n < 0 {
			// Defensive floor: count must never go negative. A negative
			// reading here would indicate a decrement without a matching
			// prior increment and is logged by the caller, not panicked.
			_ = s.client.Set(ctx, countKey(room), 0, 0).Err()
			n = 0
		}
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (s *RedisStore) GetParticipantCount(ctx context.Context, room ids.RoomId) (int64, error) {
	v, err := s.exec(ctx, func() (any, error) {
		n, err := s.client.Get(ctx, countKey(room)).Int64()
		if errors.Is(err, redis.Nil) {
			return int64(0), nil
		}
		return n, err
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (s *RedisStore) DeleteParticipantCount(ctx context.Context, room ids.RoomId) error {
	_, err := s.exec(ctx, func() (any, error) {
		return nil, s.client.Del(ctx, countKey(room)).Err()
	})
	return err
}

func (s *RedisStore) SetRoomClosesAt(ctx context.Context, room ids.RoomId, t time.Time) error {
	_, err := s.exec(ctx, func() (any, error) {
		return nil, s.client.Set(ctx, closesAtKey(room), t.UTC().Format(time.RFC3339Nano), 0).Err()
	})
	return err
}

func (s *RedisStore) GetRoomClosesAt(ctx context.Context, room ids.RoomId) (time.Time, bool, error) {
	v, err := s.exec(ctx, func() (any, error) {
		return s.client.Get(ctx, closesAtKey(room)).Result()
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, v.(string))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: decode closes_at: %v", ErrBackend, err)
	}
	return t, true, nil
}

func (s *RedisStore) RemoveRoomClosesAt(ctx context.Context, room ids.RoomId) error {
	_, err := s.exec(ctx, func() (any, error) {
		return nil, s.client.Del(ctx, closesAtKey(room)).Err()
	})
	return err
}

func (s *RedisStore) TryInitTariff(ctx context.Context, room ids.RoomId, t Tariff) (Tariff, error) {
	enc, err := encode(t)
	if err != nil {
		return Tariff{}, fmt.Errorf("%w: encode tariff: %v", ErrBackend, err)
	}
	v, err := s.exec(ctx, func() (any, error) {
		ok, err := s.client.SetNX(ctx, tariffKey(room), enc, 0).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return enc, nil
		}
		return s.client.Get(ctx, tariffKey(room)).Result()
	})
	if err != nil {
		return Tariff{}, err
	}
	var out Tariff
	if err := json.Unmarshal([]byte(v.(string)), &out); err != nil {
		return Tariff{}, fmt.Errorf("%w: decode tariff: %v", ErrBackend, err)
	}
	return out, nil
}

func (s *RedisStore) GetTariff(ctx context.Context, room ids.RoomId) (Tariff, bool, error) {
	v, err := s.exec(ctx, func() (any, error) {
		return s.client.Get(ctx, tariffKey(room)).Result()
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Tariff{}, false, nil
		}
		return Tariff{}, false, err
	}
	var out Tariff
	if err := json.Unmarshal([]byte(v.(string)), &out); err != nil {
		return Tariff{}, false, fmt.Errorf("%w: decode tariff: %v", ErrBackend, err)
	}
	return out, true, nil
}

func (s *RedisStore) DeleteTariff(ctx context.Context, room ids.RoomId) error {
	_, err := s.exec(ctx, func() (any, error) {
		return nil, s.client.Del(ctx, tariffKey(room)).Err()
	})
	return err
}

func (s *RedisStore) TryInitEvent(ctx context.Context, room ids.RoomId, e *EventInfo) (*EventInfo, error) {
	enc, err := encode(e)
	if err != nil {
		return nil, fmt.Errorf("%w: encode event: %v", ErrBackend, err)
	}
	v, err := s.exec(ctx, func() (any, error) {
		ok, err := s.client.SetNX(ctx, eventKey(room), enc, 0).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return enc, nil
		}
		return s.client.Get(ctx, eventKey(room)).Result()
	})
	if err != nil {
		return nil, err
	}
	var out *EventInfo
	if err := json.Unmarshal([]byte(v.(string)), &out); err != nil {
		return nil, fmt.Errorf("%w: decode event: %v", ErrBackend, err)
	}
	return out, nil
}

func (s *RedisStore) DeleteEvent(ctx context.Context, room ids.RoomId) error {
	_, err := s.exec(ctx, func() (any, error) {
		return nil, s.client.Del(ctx, eventKey(room)).Err()
	})
	return err
}

func (s *RedisStore) TryInitCreator(ctx context.Context, room ids.RoomId, info RoomInfo) (RoomInfo, error) {
	enc, err := encode(info)
	if err != nil {
		return RoomInfo{}, fmt.Errorf("%w: encode creator: %v", ErrBackend, err)
	}
	v, err := s.exec(ctx, func() (any, error) {
		ok, err := s.client.SetNX(ctx, creatorKey(room), enc, 0).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return enc, nil
		}
		return s.client.Get(ctx, creatorKey(room)).Result()
	})
	if err != nil {
		return RoomInfo{}, err
	}
	var out RoomInfo
	if err := json.Unmarshal([]byte(v.(string)), &out); err != nil {
		return RoomInfo{}, fmt.Errorf("%w: decode creator: %v", ErrBackend, err)
	}
	return out, nil
}

func (s *RedisStore) GetCreator(ctx context.Context, room ids.RoomId) (RoomInfo, bool, error) {
	v, err := s.exec(ctx, func() (any, error) {
		return s.client.Get(ctx, creatorKey(room)).Result()
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return RoomInfo{}, false, nil
		}
		return RoomInfo{}, false, err
	}
	var out RoomInfo
	if err := json.Unmarshal([]byte(v.(string)), &out); err != nil {
		return RoomInfo{}, false, fmt.Errorf("%w: decode creator: %v", ErrBackend, err)
	}
	return out, true, nil
}

func (s *RedisStore) DeleteCreator(ctx context.Context, room ids.RoomId) error {
	_, err := s.exec(ctx, func() (any, error) {
		return nil, s.client.Del(ctx, creatorKey(room)).Err()
	})
	return err
}

func (s *RedisStore) SetRoomAlive(ctx context.Context, room ids.RoomId) error {
	_, err := s.exec(ctx, func() (any, error) {
		return nil, s.client.Set(ctx, roomAliveKey(room), "1", 0).Err()
	})
	return err
}

func (s *RedisStore) IsRoomAlive(ctx context.Context, room ids.RoomId) (bool, error) {
	v, err := s.exec(ctx, func() (any, error) {
		return s.client.Exists(ctx, roomAliveKey(room)).Result()
	})
	if err != nil {
		return false, err
	}
	return v.(int64) > 0, nil
}

func (s *RedisStore) DeleteRoomAlive(ctx context.Context, room ids.RoomId) error {
	_, err := s.exec(ctx, func() (any, error) {
		return nil, s.client.Del(ctx, roomAliveKey(room)).Err()
	})
	return err
}

func (s *RedisStore) RoleAndLeftAtForRoomParticipants(ctx context.Context, room ids.RoomId) ([]RoleAndLeftAt, error) {
	// Scans every sub-room's local hash is not needed: role and left_at
	// live at different scopes (role is global, left_at is local). The
	// production schema keeps a denormalized global shadow key per
	// participant written alongside local left_at so this lookup stays a
	// single SCAN over the global hash prefix.
	v, err := s.exec(ctx, func() (any, error) {
		keys, err := s.client.Keys(ctx, fmt.Sprintf("signaling:global:%s:participant:*", room)).Result()
		if err != nil {
			return nil, err
		}
		return keys, nil
	})
	if err != nil {
		return nil, err
	}
	keys := v.([]string)
	mainRoom := ids.Main(room)
	out := make([]RoleAndLeftAt, 0, len(keys))
	for _, k := range keys {
		fields, err := s.client.HGetAll(ctx, k).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackend, err)
		}
		var role ids.Role
		if raw, ok := fields[AttrRole]; ok {
			var decoded string
			_ = json.Unmarshal([]byte(raw), &decoded)
			role = ids.Role(decoded)
		}
		pid := participantIDFromGlobalKey(k)

		var leftAt *time.Time
		if raw, err := s.client.HGet(ctx, localHashKey(mainRoom), attrField(pid, AttrLeftAt)).Result(); err == nil {
			var t time.Time
			if json.Unmarshal([]byte(raw), &t) == nil {
				leftAt = &t
			}
		}
		out = append(out, RoleAndLeftAt{Participant: pid, Role: role, LeftAt: leftAt})
	}
	return out, nil
}

func participantIDFromGlobalKey(key string) ids.ParticipantId {
	// key shape: signaling:global:<room>:participant:<id>
	const marker = ":participant:"
	idx := indexOf(key, marker)
	if idx < 0 {
		return ""
	}
	return ids.ParticipantId(key[idx+len(marker):])
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func (s *RedisStore) TryInitWaitingRoomEnabled(ctx context.Context, room ids.RoomId, def bool) (bool, error) {
	v, err := s.exec(ctx, func() (any, error) {
		val := "0"
		if def {
			val = "1"
		}
		ok, err := s.client.SetNX(ctx, waitingEnabledKey(room), val, 0).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return def, nil
		}
		got, err := s.client.Get(ctx, waitingEnabledKey(room)).Result()
		if err != nil {
			return nil, err
		}
		return got == "1", nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// RaiseHandsEnabled returns the room-wide raise-hands flag, defaulting to
// true when never explicitly set (§4.5 "Raise/lower hand").
func (s *RedisStore) RaiseHandsEnabled(ctx context.Context, room ids.RoomId) (bool, error) {
	v, err := s.exec(ctx, func() (any, error) {
		got, err := s.client.Get(ctx, raiseHandsEnabledKey(room)).Result()
		if errors.Is(err, redis.Nil) {
			return true, nil
		}
		if err != nil {
			return nil, err
		}
		return got == "1", nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// SetRaiseHandsEnabled sets the room-wide raise-hands flag.
func (s *RedisStore) SetRaiseHandsEnabled(ctx context.Context, room ids.RoomId, enabled bool) error {
	val := "0"
	if enabled {
		val = "1"
	}
	_, err := s.exec(ctx, func() (any, error) {
		return s.client.Set(ctx, raiseHandsEnabledKey(room), val, 0).Result()
	})
	return err
}

func (s *RedisStore) SetSkipWaitingRoomNX(ctx context.Context, p ids.ParticipantId, value bool, ttl time.Duration) (bool, error) {
	v, err := s.exec(ctx, func() (any, error) {
		val := "0"
		if value {
			val = "1"
		}
		return s.client.SetNX(ctx, skipWaitingKey(p), val, ttl).Result()
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *RedisStore) SetSkipWaitingRoomWithExpiry(ctx context.Context, p ids.ParticipantId, value bool, ttl time.Duration) error {
	_, err := s.exec(ctx, func() (any, error) {
		val := "0"
		if value {
			val = "1"
		}
		return nil, s.client.Set(ctx, skipWaitingKey(p), val, ttl).Err()
	})
	return err
}

func (s *RedisStore) GetSkipWaitingRoom(ctx context.Context, p ids.ParticipantId) (bool, error) {
	v, err := s.exec(ctx, func() (any, error) {
		got, err := s.client.Get(ctx, skipWaitingKey(p)).Result()
		if errors.Is(err, redis.Nil) {
			return "0", nil
		}
		return got, err
	})
	if err != nil {
		return false, err
	}
	return v.(string) == "1", nil
}

func (s *RedisStore) ResetSkipWaitingRoomExpiry(ctx context.Context, p ids.ParticipantId, ttl time.Duration) error {
	_, err := s.exec(ctx, func() (any, error) {
		return nil, s.client.Expire(ctx, skipWaitingKey(p), ttl).Err()
	})
	return err
}

func (s *RedisStore) ClaimResumptionToken(ctx context.Context, p ids.ParticipantId, token string, runner ids.RunnerId, ttl time.Duration) (bool, error) {
	v, err := s.exec(ctx, func() (any, error) {
		return s.client.SetNX(ctx, resumptionKey(p), token+"|"+string(runner), ttl).Result()
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *RedisStore) RefreshResumptionToken(ctx context.Context, p ids.ParticipantId, token string, runner ids.RunnerId, ttl time.Duration) (bool, error) {
	v, err := s.exec(ctx, func() (any, error) {
		got, err := s.client.Get(ctx, resumptionKey(p)).Result()
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		if err != nil {
			return nil, err
		}
		if got != token+"|"+string(runner) {
			return false, nil
		}
		return true, s.client.Expire(ctx, resumptionKey(p), ttl).Err()
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

var _ Store = (*RedisStore)(nil)
