// Package wire defines the JSON envelope and payload types that cross the
// WebSocket boundary (§6): one envelope shape for every module, tagged by
// module id, carrying an opaque payload the control module or a feature
// module decodes for itself.
package wire

import (
	"encoding/json"
	"time"

	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
)

// ModuleControl is the reserved module id for the core protocol (§4.5, §4.9).
const ModuleControl ids.ModuleId = "control"

// ModuleModeration is the peripheral moderation namespace (§6); its messages
// are received by the control module but emitted by a module outside this
// runner's scope.
const ModuleModeration ids.ModuleId = "moderation"

// Envelope is the wire shape exchanged with clients in both directions.
type Envelope struct {
	Module    ids.ModuleId    `json:"module"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into an Envelope for the given module,
// stamped with the current time.
func NewEnvelope(module ids.ModuleId, now time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Module: module, Timestamp: now, Payload: raw}, nil
}

// --- Control client->server payloads ---

type CmdKind string

const (
	CmdJoin                CmdKind = "join"
	CmdEnterRoom            CmdKind = "enter_room"
	CmdRaiseHand            CmdKind = "raise_hand"
	CmdLowerHand            CmdKind = "lower_hand"
	CmdGrantModeratorRole   CmdKind = "grant_moderator_role"
	CmdRevokeModeratorRole  CmdKind = "revoke_moderator_role"
)

// Command is the tagged union of control client->server payloads. Action
// selects which optional field is populated; unused fields are omitted on
// the wire.
type Command struct {
	Action      CmdKind        `json:"action"`
	DisplayName *string        `json:"display_name,omitempty"`
	Target      ids.ParticipantId `json:"target,omitempty"`
}

// --- Control server->client payloads ---

type EventKind string

const (
	EventJoinSuccess           EventKind = "join_success"
	EventJoinBlocked           EventKind = "join_blocked"
	EventJoined                EventKind = "joined"
	EventUpdate                EventKind = "update"
	EventLeft                  EventKind = "left"
	EventRoleUpdated           EventKind = "role_updated"
	EventModeratorRoleGranted  EventKind = "moderator_role_granted"
	EventModeratorRoleRevoked  EventKind = "moderator_role_revoked"
	EventHandRaised            EventKind = "hand_raised"
	EventHandLowered           EventKind = "hand_lowered"
	EventTimeLimitQuotaElapsed EventKind = "time_limit_quota_elapsed"
	EventRoomDeleted           EventKind = "room_deleted"
	EventError                 EventKind = "error"
	EventInWaitingRoom         EventKind = "in_waiting_room"
	EventAccepted              EventKind = "accepted"
	EventRaisedHandReset       EventKind = "raised_hand_reset_by_moderator"
	EventRaiseHandsEnabled     EventKind = "raise_hands_enabled"
	EventRaiseHandsDisabled    EventKind = "raise_hands_disabled"
)

// JoinBlockedReason enumerates why a Join attempt was refused while the
// participant remains in None (§4.5, §4.6).
type JoinBlockedReason string

const (
	ReasonParticipantLimitReached JoinBlockedReason = "participant_limit_reached"
)

// ErrorKind enumerates protocol violations surfaced as control.Error (§6,
// §7). Never leaked with internal detail -- the kind alone is the payload.
type ErrorKind string

const (
	ErrInvalidJSON                   ErrorKind = "invalid_json"
	ErrInvalidNamespace               ErrorKind = "invalid_namespace"
	ErrAlreadyJoined                  ErrorKind = "already_joined"
	ErrNotYetJoined                   ErrorKind = "not_yet_joined"
	ErrInvalidUsername                ErrorKind = "invalid_username"
	ErrNotAcceptedOrNotInWaitingRoom  ErrorKind = "not_accepted_or_not_in_waiting_room"
	ErrRaiseHandsDisabled             ErrorKind = "raise_hands_disabled"
	ErrInsufficientPermissions        ErrorKind = "insufficient_permissions"
	ErrNothingToDo                    ErrorKind = "nothing_to_do"
	ErrTargetIsRoomOwner              ErrorKind = "target_is_room_owner"
)

// Peer is the public record of one participant, as sent inside JoinSuccess
// and Joined/Update events (§4.8).
type Peer struct {
	ID          ids.ParticipantId `json:"id"`
	DisplayName string            `json:"display_name"`
	AvatarURL   *string           `json:"avatar_url,omitempty"`
	Role        ids.Role          `json:"role"`
	HandIsUp    bool              `json:"hand_is_up"`
}

// JoinSuccess is sent to the joining participant once admission and
// room-entry finalize (§4.5, §4.8).
type JoinSuccess struct {
	ID           ids.ParticipantId `json:"id"`
	DisplayName  string            `json:"display_name"`
	AvatarURL    *string           `json:"avatar_url,omitempty"`
	Role         ids.Role          `json:"role"`
	ClosesAt     *time.Time        `json:"closes_at,omitempty"`
	Tariff       any               `json:"tariff"`
	ModuleData   map[ids.ModuleId]json.RawMessage `json:"module_data,omitempty"`
	Participants []Peer            `json:"participants"`
	EventInfo    any               `json:"event_info,omitempty"`
	RoomInfo     any               `json:"room_info"`
	IsRoomOwner  bool              `json:"is_room_owner"`
}

type JoinBlocked struct {
	Reason JoinBlockedReason `json:"reason"`
}

type Joined struct {
	Participant Peer `json:"participant"`
}

type Update struct {
	Participant Peer `json:"participant"`
}

// LeaveReason enumerates why a participant left (§6).
type LeaveReason string

const (
	LeaveQuit             LeaveReason = "quit"
	LeaveTimeout          LeaveReason = "timeout"
	LeaveSentToWaitingRoom LeaveReason = "sent_to_waiting_room"
)

type Left struct {
	ID     ids.ParticipantId `json:"id"`
	Reason LeaveReason       `json:"reason"`
}

type RoleUpdated struct {
	NewRole ids.Role `json:"new_role"`
}

type HandRaised struct{}

type HandLowered struct{}

type ModeratorRoleGranted struct {
	Target ids.ParticipantId `json:"target"`
}

type ModeratorRoleRevoked struct {
	Target ids.ParticipantId `json:"target"`
}

type RoomDeleted struct{}

type Error struct {
	Kind ErrorKind `json:"kind"`
}

type TimeLimitQuotaElapsed struct{}

// ControlEnvelope is the payload carried inside a wire.Envelope whose
// Module is ModuleControl when sent to a client: it tags which EventKind
// the opaque Payload deserializes as, since the outer Envelope only
// identifies the module namespace.
type ControlEnvelope struct {
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// NewControlEnvelope marshals payload and looks up its EventKind via
// KindOf, for every server->client control payload type.
func NewControlEnvelope(payload any) (ControlEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ControlEnvelope{}, err
	}
	return ControlEnvelope{Kind: KindOf(payload), Payload: raw}, nil
}

// KindOf maps a server->client control payload value to its EventKind tag.
func KindOf(payload any) EventKind {
	switch payload.(type) {
	case JoinSuccess:
		return EventJoinSuccess
	case JoinBlocked:
		return EventJoinBlocked
	case Joined:
		return EventJoined
	case Update:
		return EventUpdate
	case Left:
		return EventLeft
	case RoleUpdated:
		return EventRoleUpdated
	case ModeratorRoleGranted:
		return EventModeratorRoleGranted
	case ModeratorRoleRevoked:
		return EventModeratorRoleRevoked
	case HandRaised:
		return EventHandRaised
	case HandLowered:
		return EventHandLowered
	case TimeLimitQuotaElapsed:
		return EventTimeLimitQuotaElapsed
	case RoomDeleted:
		return EventRoomDeleted
	case Error:
		return EventError
	case InWaitingRoom:
		return EventInWaitingRoom
	case Accepted:
		return EventAccepted
	case RaisedHandResetByModerator:
		return EventRaisedHandReset
	case RaiseHandsEnabled:
		return EventRaiseHandsEnabled
	case RaiseHandsDisabled:
		return EventRaiseHandsDisabled
	default:
		return ""
	}
}

// --- Moderation namespace (received by control, emitted elsewhere) ---

type InWaitingRoom struct{}

type Accepted struct{}

type RaisedHandResetByModerator struct {
	IssuedBy ids.ParticipantId `json:"issued_by"`
}

type RaiseHandsEnabled struct {
	IssuedBy ids.ParticipantId `json:"issued_by"`
}

type RaiseHandsDisabled struct {
	IssuedBy ids.ParticipantId `json:"issued_by"`
}

// SetModeratorStatus is published internally (exchange, not wire) to the
// target's runner to apply a grant/revoke decided by another participant
// (§4.9).
type SetModeratorStatus struct {
	Grant bool `json:"grant"`
}

// --- Exchange-internal envelopes (control/moderation namespace, §4.9) ---
//
// These never reach a client directly; they are the payloads runners
// exchange with each other via the Message Exchange, tagged with their own
// Kind discriminator since the outer wire.Envelope only tags the namespace.

type ExchangeKind string

const (
	ExchangeJoined            ExchangeKind = "joined"
	ExchangeLeft              ExchangeKind = "left"
	ExchangeUpdate            ExchangeKind = "update"
	ExchangeAccepted          ExchangeKind = "accepted"
	ExchangeSetModeratorStatus ExchangeKind = "set_moderator_status"
	ExchangeResetRaisedHands  ExchangeKind = "reset_raised_hands"
	ExchangeEnableRaiseHands  ExchangeKind = "enable_raise_hands"
	ExchangeDisableRaiseHands ExchangeKind = "disable_raise_hands"
	ExchangeRoomDeleted       ExchangeKind = "room_deleted"
	ExchangeJoinedWaitingRoom ExchangeKind = "joined_waiting_room"
	ExchangeLeftWaitingRoom   ExchangeKind = "left_waiting_room"
)

// ExchangeEnvelope is the payload carried inside a wire.Envelope whose
// Module is ModuleControl or ModuleModeration when sent over the exchange
// rather than the client WebSocket.
type ExchangeEnvelope struct {
	Kind    ExchangeKind    `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// NewExchangeEnvelope marshals payload as an ExchangeEnvelope body, suitable
// for wrapping again in wire.NewEnvelope.
func NewExchangeEnvelope(kind ExchangeKind, payload any) (ExchangeEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ExchangeEnvelope{}, err
	}
	return ExchangeEnvelope{Kind: kind, Payload: raw}, nil
}

type ExchangeJoinedPayload struct {
	ID ids.ParticipantId `json:"id"`
}

type ExchangeLeftPayload struct {
	ID     ids.ParticipantId `json:"id"`
	Reason LeaveReason       `json:"reason"`
}

type ExchangeUpdatePayload struct {
	ID ids.ParticipantId `json:"id"`
}

type ExchangeAcceptedPayload struct {
	ID ids.ParticipantId `json:"id"`
}

type ExchangeResetRaisedHandsPayload struct {
	IssuedBy ids.ParticipantId `json:"issued_by"`
}

type ExchangeEnableRaiseHandsPayload struct {
	IssuedBy ids.ParticipantId `json:"issued_by"`
}

type ExchangeDisableRaiseHandsPayload struct {
	IssuedBy ids.ParticipantId `json:"issued_by"`
}

type ExchangeJoinedWaitingRoomPayload struct {
	Self ids.ParticipantId `json:"self"`
}

type ExchangeLeftWaitingRoomPayload struct {
	Self ids.ParticipantId `json:"self"`
}

// --- Close codes ---

// CloseCode enumerates the WebSocket close codes the core uses (§6).
type CloseCode int

const (
	CloseNormal   CloseCode = 1000
	CloseAway     CloseCode = 1001
	CloseAbnormal CloseCode = 1011
)
