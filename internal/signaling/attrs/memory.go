package attrs

import (
	"context"
	"sync"
	"time"

	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
	"k8s.io/utils/set"
)

// MemoryStore is an in-process fake of Store for unit tests. It implements
// the exact same atomicity guarantees the contract requires (single-call
// bulk actions, try-init-or-get semantics) without talking to Redis.
type MemoryStore struct {
	mu sync.Mutex

	local  map[string]map[string]any // room -> field -> value
	global map[string]map[string]any // room:participant -> attr -> value

	participantSets map[string]set.Set[ids.ParticipantId]
	waiting         map[ids.RoomId]set.Set[ids.ParticipantId]
	accepted        map[ids.RoomId]set.Set[ids.ParticipantId]

	counts   map[ids.RoomId]int64
	closesAt map[ids.RoomId]time.Time
	tariffs  map[ids.RoomId]Tariff
	events   map[ids.RoomId]*EventInfo
	creators map[ids.RoomId]RoomInfo
	alive    map[ids.RoomId]bool
	waitEn   map[ids.RoomId]bool
	raiseEn  map[ids.RoomId]bool

	skipWaiting     map[ids.ParticipantId]skipEntry
	resumptionToken map[ids.ParticipantId]resumptionEntry
}

type skipEntry struct {
	value   bool
	expires time.Time
}

type resumptionEntry struct {
	token   string
	runner  ids.RunnerId
	expires time.Time
}

// NewMemoryStore builds an empty in-memory attribute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		local:           map[string]map[string]any{},
		global:          map[string]map[string]any{},
		participantSets: map[string]set.Set[ids.ParticipantId]{},
		waiting:         map[ids.RoomId]set.Set[ids.ParticipantId]{},
		accepted:        map[ids.RoomId]set.Set[ids.ParticipantId]{},
		counts:          map[ids.RoomId]int64{},
		closesAt:        map[ids.RoomId]time.Time{},
		tariffs:         map[ids.RoomId]Tariff{},
		events:          map[ids.RoomId]*EventInfo{},
		creators:        map[ids.RoomId]RoomInfo{},
		alive:           map[ids.RoomId]bool{},
		waitEn:          map[ids.RoomId]bool{},
		raiseEn:         map[ids.RoomId]bool{},
		skipWaiting:     map[ids.ParticipantId]skipEntry{},
		resumptionToken: map[ids.ParticipantId]resumptionEntry{},
	}
}

func localBucket(m map[string]map[string]any, room ids.SignalingRoomId) map[string]any {
	key := room.String()
	b, ok := m[key]
	if !ok {
		b = map[string]any{}
		m[key] = b
	}
	return b
}

func globalBucket(m map[string]map[string]any, room ids.RoomId, p ids.ParticipantId) map[string]any {
	key := string(room) + "|" + string(p)
	b, ok := m[key]
	if !ok {
		b = map[string]any{}
		m[key] = b
	}
	return b
}

func (s *MemoryStore) GetLocal(_ context.Context, l Local) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := localBucket(s.local, l.Room)
	v, ok := b[string(l.Participant)+":"+l.Attr]
	return v, ok, nil
}

func (s *MemoryStore) SetLocal(_ context.Context, l Local, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	localBucket(s.local, l.Room)[string(l.Participant)+":"+l.Attr] = value
	return nil
}

func (s *MemoryStore) RemoveLocal(_ context.Context, l Local) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(localBucket(s.local, l.Room), string(l.Participant)+":"+l.Attr)
	return nil
}

func (s *MemoryStore) RemoveLocalAttrKey(_ context.Context, room ids.SignalingRoomId, attr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := localBucket(s.local, room)
	suffix := ":" + attr
	for k := range b {
		if len(k) >= len(suffix) && k[len(k)-len(suffix):] == suffix {
			delete(b, k)
		}
	}
	return nil
}

func (s *MemoryStore) GetGlobal(_ context.Context, g Global) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := globalBucket(s.global, g.Room, g.Participant)
	v, ok := b[g.Attr]
	return v, ok, nil
}

func (s *MemoryStore) SetGlobal(_ context.Context, g Global, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	globalBucket(s.global, g.Room, g.Participant)[g.Attr] = value
	return nil
}

func (s *MemoryStore) RemoveGlobal(_ context.Context, g Global) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(globalBucket(s.global, g.Room, g.Participant), g.Attr)
	return nil
}

func (s *MemoryStore) RemoveGlobalAttrKey(_ context.Context, room ids.RoomId, attr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := string(room) + "|"
	for key, b := range s.global {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(b, attr)
		}
	}
	return nil
}

func (s *MemoryStore) BulkActions(_ context.Context, a *Actions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range a.ops {
		switch {
		case op.local != nil && op.remove:
			delete(localBucket(s.local, op.local.Room), string(op.local.Participant)+":"+op.local.Attr)
		case op.local != nil:
			localBucket(s.local, op.local.Room)[string(op.local.Participant)+":"+op.local.Attr] = op.value
		case op.global != nil && op.remove:
			delete(globalBucket(s.global, op.global.Room, op.global.Participant), op.global.Attr)
		case op.global != nil:
			globalBucket(s.global, op.global.Room, op.global.Participant)[op.global.Attr] = op.value
		}
	}
	return nil
}

func (s *MemoryStore) ParticipantSetExists(_ context.Context, room ids.SignalingRoomId) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participantSets[room.String()].Len() > 0, nil
}

func (s *MemoryStore) AddParticipantToSet(_ context.Context, room ids.SignalingRoomId, p ids.ParticipantId, resuming bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := room.String()
	members, ok := s.participantSets[key]
	if !ok {
		members = set.New[ids.ParticipantId]()
		s.participantSets[key] = members
	}
	if members.Has(p) && !resuming {
		return ErrDuplicateInsert
	}
	members.Insert(p)
	return nil
}

func (s *MemoryStore) RemoveParticipantFromSet(_ context.Context, room ids.SignalingRoomId, p ids.ParticipantId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participantSets[room.String()].Delete(p)
	return nil
}

func (s *MemoryStore) GetAllParticipants(_ context.Context, room ids.SignalingRoomId) ([]ids.ParticipantId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participantSets[room.String()].UnsortedList(), nil
}

func (s *MemoryStore) ParticipantsAllLeft(_ context.Context, room ids.SignalingRoomId) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participantSets[room.String()].Len() == 0, nil
}

func (s *MemoryStore) RemoveParticipantSet(_ context.Context, room ids.SignalingRoomId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participantSets, room.String())
	return nil
}

func (s *MemoryStore) AddWaiting(_ context.Context, room ids.RoomId, p ids.ParticipantId, resuming bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.waiting[room]
	if !ok {
		members = set.New[ids.ParticipantId]()
		s.waiting[room] = members
	}
	if members.Has(p) && !resuming {
		return ErrDuplicateInsert
	}
	members.Insert(p)
	return nil
}

func (s *MemoryStore) RemoveWaiting(_ context.Context, room ids.RoomId, p ids.ParticipantId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiting[room].Delete(p)
	return nil
}

func (s *MemoryStore) WaitingSetExists(_ context.Context, room ids.RoomId, p ids.ParticipantId) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting[room].Has(p), nil
}

func (s *MemoryStore) AllWaiting(_ context.Context, room ids.RoomId) ([]ids.ParticipantId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting[room].UnsortedList(), nil
}

func (s *MemoryStore) AddAcceptedWaiting(_ context.Context, room ids.RoomId, p ids.ParticipantId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.accepted[room]
	if !ok {
		members = set.New[ids.ParticipantId]()
		s.accepted[room] = members
	}
	members.Insert(p)
	return nil
}

func (s *MemoryStore) RemoveAcceptedWaiting(_ context.Context, room ids.RoomId, p ids.ParticipantId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted[room].Delete(p)
	return nil
}

func (s *MemoryStore) IsAcceptedWaiting(_ context.Context, room ids.RoomId, p ids.ParticipantId) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted[room].Has(p), nil
}

func (s *MemoryStore) IncrementParticipantCount(_ context.Context, room ids.RoomId) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[room]++
	return s.counts[room], nil
}

func (s *MemoryStore) DecrementParticipantCount(_ context.Context, room ids.RoomId) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[room]--
	if s.counts[room] < 0 {
		s.counts[room] = 0
	}
	return s.counts[room], nil
}

func (s *MemoryStore) GetParticipantCount(_ context.Context, room ids.RoomId) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[room], nil
}

func (s *MemoryStore) DeleteParticipantCount(_ context.Context, room ids.RoomId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counts, room)
	return nil
}

func (s *MemoryStore) SetRoomClosesAt(_ context.Context, room ids.RoomId, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closesAt[room] = t
	return nil
}

func (s *MemoryStore) GetRoomClosesAt(_ context.Context, room ids.RoomId) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.closesAt[room]
	return t, ok, nil
}

func (s *MemoryStore) RemoveRoomClosesAt(_ context.Context, room ids.RoomId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.closesAt, room)
	return nil
}

func (s *MemoryStore) TryInitTariff(_ context.Context, room ids.RoomId, t Tariff) (Tariff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tariffs[room]; ok {
		return existing, nil
	}
	s.tariffs[room] = t
	return t, nil
}

func (s *MemoryStore) GetTariff(_ context.Context, room ids.RoomId) (Tariff, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tariffs[room]
	return t, ok, nil
}

func (s *MemoryStore) DeleteTariff(_ context.Context, room ids.RoomId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tariffs, room)
	return nil
}

func (s *MemoryStore) TryInitEvent(_ context.Context, room ids.RoomId, e *EventInfo) (*EventInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.events[room]; ok {
		return existing, nil
	}
	s.events[room] = e
	return e, nil
}

func (s *MemoryStore) DeleteEvent(_ context.Context, room ids.RoomId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, room)
	return nil
}

func (s *MemoryStore) TryInitCreator(_ context.Context, room ids.RoomId, info RoomInfo) (RoomInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.creators[room]; ok {
		return existing, nil
	}
	s.creators[room] = info
	return info, nil
}

func (s *MemoryStore) GetCreator(_ context.Context, room ids.RoomId) (RoomInfo, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.creators[room]
	return info, ok, nil
}

func (s *MemoryStore) DeleteCreator(_ context.Context, room ids.RoomId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creators, room)
	return nil
}

func (s *MemoryStore) SetRoomAlive(_ context.Context, room ids.RoomId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive[room] = true
	return nil
}

func (s *MemoryStore) IsRoomAlive(_ context.Context, room ids.RoomId) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive[room], nil
}

func (s *MemoryStore) DeleteRoomAlive(_ context.Context, room ids.RoomId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.alive, room)
	return nil
}

func (s *MemoryStore) RoleAndLeftAtForRoomParticipants(_ context.Context, room ids.RoomId) ([]RoleAndLeftAt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := string(room) + "|"
	mainRoom := ids.Main(room)
	localB := s.local[mainRoom.String()]
	var out []RoleAndLeftAt
	for key, b := range s.global {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		pid := ids.ParticipantId(key[len(prefix):])
		role, _ := b[AttrRole].(ids.Role)
		var leftAt *time.Time
		if localB != nil {
			if v, ok := localB[string(pid)+":"+AttrLeftAt]; ok {
				if t, ok := v.(time.Time); ok {
					leftAt = &t
				}
			}
		}
		out = append(out, RoleAndLeftAt{Participant: pid, Role: role, LeftAt: leftAt})
	}
	return out, nil
}

func (s *MemoryStore) TryInitWaitingRoomEnabled(_ context.Context, room ids.RoomId, def bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.waitEn[room]; ok {
		return v, nil
	}
	s.waitEn[room] = def
	return def, nil
}

func (s *MemoryStore) RaiseHandsEnabled(_ context.Context, room ids.RoomId) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.raiseEn[room]
	if !ok {
		return true, nil
	}
	return v, nil
}

func (s *MemoryStore) SetRaiseHandsEnabled(_ context.Context, room ids.RoomId, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raiseEn[room] = enabled
	return nil
}

func (s *MemoryStore) SetSkipWaitingRoomNX(_ context.Context, p ids.ParticipantId, value bool, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.skipWaiting[p]; ok && e.expires.After(time.Now()) {
		return false, nil
	}
	s.skipWaiting[p] = skipEntry{value: value, expires: time.Now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) SetSkipWaitingRoomWithExpiry(_ context.Context, p ids.ParticipantId, value bool, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipWaiting[p] = skipEntry{value: value, expires: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) GetSkipWaitingRoom(_ context.Context, p ids.ParticipantId) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.skipWaiting[p]
	if !ok || !e.expires.After(time.Now()) {
		return false, nil
	}
	return e.value, nil
}

func (s *MemoryStore) ResetSkipWaitingRoomExpiry(_ context.Context, p ids.ParticipantId, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.skipWaiting[p]
	if !ok {
		return nil
	}
	e.expires = time.Now().Add(ttl)
	s.skipWaiting[p] = e
	return nil
}

func (s *MemoryStore) ClaimResumptionToken(_ context.Context, p ids.ParticipantId, token string, runner ids.RunnerId, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.resumptionToken[p]; ok && e.expires.After(time.Now()) {
		return false, nil
	}
	s.resumptionToken[p] = resumptionEntry{token: token, runner: runner, expires: time.Now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) RefreshResumptionToken(_ context.Context, p ids.ParticipantId, token string, runner ids.RunnerId, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.resumptionToken[p]
	if !ok || e.token != token || e.runner != runner {
		return false, nil
	}
	e.expires = time.Now().Add(ttl)
	s.resumptionToken[p] = e
	return true, nil
}

var _ Store = (*MemoryStore)(nil)
