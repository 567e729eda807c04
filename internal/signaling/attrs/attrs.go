// Package attrs implements the Attribute Store (§4.1): a typed key/value
// store of per-participant and per-room state, scoped either to one
// sub-room ("local") or to the whole conference ("global").
//
// The store is the authoritative cross-process state; the runner owns no
// per-session attribute in its own memory beyond cached identifiers and the
// RunnerState discriminator (§4.1).
package attrs

import (
	"context"
	"errors"
	"time"

	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
)

// ErrBackend wraps any underlying storage I/O failure (network,
// serialization). It is never leaked raw to clients (§7).
var ErrBackend = errors.New("attrs: backend failure")

// ErrDuplicateInsert is returned by AddParticipantToSet when the
// participant was already a set member and the caller did not request a
// resuming insert. Treated as fatal by the caller (§7).
var ErrDuplicateInsert = errors.New("attrs: duplicate participant set insert")

// Local identifies a per-sub-room, per-participant attribute.
type Local struct {
	Room        ids.SignalingRoomId
	Participant ids.ParticipantId
	Attr        string
}

// Global identifies a per-conference, per-participant attribute.
type Global struct {
	Room        ids.RoomId
	Participant ids.ParticipantId
	Attr        string
}

// Local attribute names (§3 "Local (room + breakout + participant)").
const (
	AttrKind         = "kind"
	AttrUserID       = "user_id"
	AttrAvatarURL    = "avatar_url"
	AttrJoinedAt     = "joined_at"
	AttrLeftAt       = "left_at"
	AttrHandIsUp     = "hand_is_up"
	AttrHandUpdated  = "hand_updated_at"
)

// Global attribute names (§3 "Global (room + participant)").
const (
	AttrDisplayName  = "display_name"
	AttrRole         = "role"
	AttrIsPresent    = "is_present"
	AttrIsRoomOwner  = "is_room_owner"
	AttrBreakoutRoom = "breakout_room"
)

// Action is one accumulated mutation in a BulkActions builder (§4.1).
type Action struct {
	local  *Local
	global *Global
	remove bool
	value  any
}

// Actions accumulates a mix of local/global set/remove operations for a
// single BulkActions call. It is not itself atomic across keys -- the store
// only guarantees the whole batch is not interleaved by another runner's
// read of the same key (§4.1).
type Actions struct {
	ops []Action
}

// NewActions starts a new batch builder.
func NewActions() *Actions { return &Actions{} }

// SetLocal queues a local attribute write.
func (a *Actions) SetLocal(l Local, value any) *Actions {
	a.ops = append(a.ops, Action{local: &l, value: value})
	return a
}

// RemoveLocal queues a local attribute removal.
func (a *Actions) RemoveLocal(l Local) *Actions {
	a.ops = append(a.ops, Action{local: &l, remove: true})
	return a
}

// SetGlobal queues a global attribute write.
func (a *Actions) SetGlobal(g Global, value any) *Actions {
	a.ops = append(a.ops, Action{global: &g, value: value})
	return a
}

// RemoveGlobal queues a global attribute removal.
func (a *Actions) RemoveGlobal(g Global) *Actions {
	a.ops = append(a.ops, Action{global: &g, remove: true})
	return a
}

// Tariff is the quota-bearing policy object snapshotted on first join
// (§4.1, §4.6, GLOSSARY).
type Tariff struct {
	Name                  string
	RoomParticipantLimit  *int64
	RoomTimeLimitSecs     *int64
	DisabledModuleFeatures []ids.ModuleFeatureId
}

// RoomInfo is the cached creator/ownership record built from try_init_creator
// (§4.1, §4.5 step 5).
type RoomInfo struct {
	RoomId    ids.RoomId
	CreatedBy ids.UserId
}

// EventInfo is the attached-calendar-event snapshot resolved at join time
// (§4.5 step 5). Nil when the room has no attached event.
type EventInfo struct {
	EventID string
	Title   string
}

// RoleAndLeftAt is one row of Store.RoleAndLeftAtForRoomParticipants
// (§4.1, used by the "other moderator present" check in §4.6).
type RoleAndLeftAt struct {
	Participant ids.ParticipantId
	Role        ids.Role
	LeftAt      *time.Time
}

// Store is the Attribute Store contract (§4.1). All methods are safe for
// concurrent use by many runners; methods documented as requiring the room
// lock must only be called by a caller already holding it (§5).
type Store interface {
	// --- Local/global scalar access ---
	GetLocal(ctx context.Context, l Local) (any, bool, error)
	SetLocal(ctx context.Context, l Local, value any) error
	RemoveLocal(ctx context.Context, l Local) error
	RemoveLocalAttrKey(ctx context.Context, room ids.SignalingRoomId, attr string) error

	GetGlobal(ctx context.Context, g Global) (any, bool, error)
	SetGlobal(ctx context.Context, g Global, value any) error
	RemoveGlobal(ctx context.Context, g Global) error
	RemoveGlobalAttrKey(ctx context.Context, room ids.RoomId, attr string) error

	// BulkActions applies a, in one round trip. Not transactional across
	// keys (§4.1).
	BulkActions(ctx context.Context, a *Actions) error

	// --- Room-scoped participant sets ---
	ParticipantSetExists(ctx context.Context, room ids.SignalingRoomId) (bool, error)
	AddParticipantToSet(ctx context.Context, room ids.SignalingRoomId, p ids.ParticipantId, resuming bool) error
	RemoveParticipantFromSet(ctx context.Context, room ids.SignalingRoomId, p ids.ParticipantId) error
	GetAllParticipants(ctx context.Context, room ids.SignalingRoomId) ([]ids.ParticipantId, error)
	ParticipantsAllLeft(ctx context.Context, room ids.SignalingRoomId) (bool, error)
	RemoveParticipantSet(ctx context.Context, room ids.SignalingRoomId) error

	// --- Waiting-room sets (global, scoped to RoomId) ---
	AddWaiting(ctx context.Context, room ids.RoomId, p ids.ParticipantId, resuming bool) error
	RemoveWaiting(ctx context.Context, room ids.RoomId, p ids.ParticipantId) error
	WaitingSetExists(ctx context.Context, room ids.RoomId, p ids.ParticipantId) (bool, error)
	AllWaiting(ctx context.Context, room ids.RoomId) ([]ids.ParticipantId, error)

	AddAcceptedWaiting(ctx context.Context, room ids.RoomId, p ids.ParticipantId) error
	RemoveAcceptedWaiting(ctx context.Context, room ids.RoomId, p ids.ParticipantId) error
	IsAcceptedWaiting(ctx context.Context, room ids.RoomId, p ids.ParticipantId) (bool, error)

	// --- Room-global counters & flags ---
	IncrementParticipantCount(ctx context.Context, room ids.RoomId) (int64, error)
	DecrementParticipantCount(ctx context.Context, room ids.RoomId) (int64, error)
	GetParticipantCount(ctx context.Context, room ids.RoomId) (int64, error)
	DeleteParticipantCount(ctx context.Context, room ids.RoomId) error

	SetRoomClosesAt(ctx context.Context, room ids.RoomId, t time.Time) error
	GetRoomClosesAt(ctx context.Context, room ids.RoomId) (time.Time, bool, error)
	RemoveRoomClosesAt(ctx context.Context, room ids.RoomId) error

	TryInitTariff(ctx context.Context, room ids.RoomId, t Tariff) (Tariff, error)
	GetTariff(ctx context.Context, room ids.RoomId) (Tariff, bool, error)
	DeleteTariff(ctx context.Context, room ids.RoomId) error

	TryInitEvent(ctx context.Context, room ids.RoomId, e *EventInfo) (*EventInfo, error)
	DeleteEvent(ctx context.Context, room ids.RoomId) error

	TryInitCreator(ctx context.Context, room ids.RoomId, info RoomInfo) (RoomInfo, error)
	GetCreator(ctx context.Context, room ids.RoomId) (RoomInfo, bool, error)
	DeleteCreator(ctx context.Context, room ids.RoomId) error

	SetRoomAlive(ctx context.Context, room ids.RoomId) error
	IsRoomAlive(ctx context.Context, room ids.RoomId) (bool, error)
	DeleteRoomAlive(ctx context.Context, room ids.RoomId) error

	RoleAndLeftAtForRoomParticipants(ctx context.Context, room ids.RoomId) ([]RoleAndLeftAt, error)

	// --- Waiting-room default & skip-waiting-room TTL flag ---
	TryInitWaitingRoomEnabled(ctx context.Context, room ids.RoomId, def bool) (bool, error)

	// RaiseHandsEnabled and SetRaiseHandsEnabled gate RaiseHand (§4.5),
	// defaulting to true until a moderator explicitly disables it.
	RaiseHandsEnabled(ctx context.Context, room ids.RoomId) (bool, error)
	SetRaiseHandsEnabled(ctx context.Context, room ids.RoomId, enabled bool) error

	SetSkipWaitingRoomNX(ctx context.Context, p ids.ParticipantId, value bool, ttl time.Duration) (bool, error)
	SetSkipWaitingRoomWithExpiry(ctx context.Context, p ids.ParticipantId, value bool, ttl time.Duration) error
	GetSkipWaitingRoom(ctx context.Context, p ids.ParticipantId) (bool, error)
	ResetSkipWaitingRoomExpiry(ctx context.Context, p ids.ParticipantId, ttl time.Duration) error

	// --- Resumption token keepalive (SPEC_FULL §3) ---
	ClaimResumptionToken(ctx context.Context, p ids.ParticipantId, token string, runner ids.RunnerId, ttl time.Duration) (bool, error)
	RefreshResumptionToken(ctx context.Context, p ids.ParticipantId, token string, runner ids.RunnerId, ttl time.Duration) (bool, error)
}
