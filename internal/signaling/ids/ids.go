// Package ids defines the opaque, equality-comparable identifiers shared
// across the signaling runner.
package ids

import "fmt"

// RoomId identifies a conference room across all of its sub-rooms and the
// waiting room.
type RoomId string

// BreakoutRoomId identifies a breakout sub-room within a RoomId.
type BreakoutRoomId string

// SignalingRoomId is the unit of participant-set membership: a RoomId plus
// an optional BreakoutRoomId.
type SignalingRoomId struct {
	Room     RoomId
	Breakout *BreakoutRoomId
}

// Main returns the signaling room id for the main room of rid (no breakout).
func Main(rid RoomId) SignalingRoomId {
	return SignalingRoomId{Room: rid}
}

// Breakout returns the signaling room id for a breakout sub-room.
func Breakout(rid RoomId, bid BreakoutRoomId) SignalingRoomId {
	return SignalingRoomId{Room: rid, Breakout: &bid}
}

// IsBreakout reports whether this signaling room is a breakout sub-room.
func (s SignalingRoomId) IsBreakout() bool {
	return s.Breakout != nil
}

// BreakoutId returns the breakout id and true, or zero value and false if
// this is the main room.
func (s SignalingRoomId) BreakoutId() (BreakoutRoomId, bool) {
	if s.Breakout == nil {
		return "", false
	}
	return *s.Breakout, true
}

// String renders a stable textual form, used for lock keys and log fields.
func (s SignalingRoomId) String() string {
	if s.Breakout == nil {
		return string(s.Room)
	}
	return fmt.Sprintf("%s/%s", s.Room, *s.Breakout)
}

// Equal compares two signaling room ids by value.
func (s SignalingRoomId) Equal(o SignalingRoomId) bool {
	if s.Room != o.Room {
		return false
	}
	if (s.Breakout == nil) != (o.Breakout == nil) {
		return false
	}
	if s.Breakout == nil {
		return true
	}
	return *s.Breakout == *o.Breakout
}

// ParticipantId identifies a single WebSocket session's participant for its
// lifetime.
type ParticipantId string

// RunnerId identifies a single runner-task instance, used to arbitrate
// ownership of a ParticipantId against resumption races.
type RunnerId string

// UserId identifies a persistent user account. Absent for guests, sip
// callers, and recorders.
type UserId string

// ModuleId identifies a pluggable feature module ("control", "chat", ...).
type ModuleId string

// ModuleFeatureId identifies a tariff-gated feature exposed by a module.
type ModuleFeatureId string

// ParticipantKind is the tagged variant distinguishing session origin.
type ParticipantKind struct {
	kind   string
	userID UserId
}

const (
	kindUser    = "user"
	kindGuest   = "guest"
	kindSip     = "sip"
	kindRecorder = "recorder"
)

// KindUser builds a ParticipantKind for an authenticated user.
func KindUser(uid UserId) ParticipantKind { return ParticipantKind{kind: kindUser, userID: uid} }

// KindGuest builds a ParticipantKind for a guest session.
func KindGuest() ParticipantKind { return ParticipantKind{kind: kindGuest} }

// KindSip builds a ParticipantKind for a dial-in SIP session.
func KindSip() ParticipantKind { return ParticipantKind{kind: kindSip} }

// KindRecorder builds a ParticipantKind for a hidden recorder session.
func KindRecorder() ParticipantKind { return ParticipantKind{kind: kindRecorder} }

// IsUser reports whether this is an authenticated-user session.
func (k ParticipantKind) IsUser() bool { return k.kind == kindUser }

// UserID returns the backing UserId and true iff IsUser.
func (k ParticipantKind) UserID() (UserId, bool) {
	if k.kind != kindUser {
		return "", false
	}
	return k.userID, true
}

// Hidden reports whether this kind must never appear in peer lists or
// produce join/left/update broadcasts (invariant 7, §3).
func (k ParticipantKind) Hidden() bool { return k.kind == kindRecorder }

// Visible is the inverse of Hidden, matching the peer-record-builder's
// naming in §4.8.
func (k ParticipantKind) Visible() bool { return !k.Hidden() }

// String renders the kind tag, used in attribute-store values and logs.
func (k ParticipantKind) String() string { return k.kind }

// ParseParticipantKind parses a stored kind tag back into a ParticipantKind.
// The caller supplies the UserId separately since it is stored under its own
// attribute key (§4.1).
func ParseParticipantKind(tag string, uid UserId) (ParticipantKind, error) {
	switch tag {
	case kindUser:
		return KindUser(uid), nil
	case kindGuest:
		return KindGuest(), nil
	case kindSip:
		return KindSip(), nil
	case kindRecorder:
		return KindRecorder(), nil
	default:
		return ParticipantKind{}, fmt.Errorf("ids: unknown participant kind %q", tag)
	}
}

// Role is the participant's permission level within a room.
type Role string

const (
	RoleModerator Role = "moderator"
	RoleUser      Role = "user"
	RoleGuest     Role = "guest"
)
