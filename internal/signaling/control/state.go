// Package control implements the Control Protocol State Machine (§4.5) and
// Admission & Tariff Enforcement (§4.6): the per-participant state
// {None, Waiting{accepted}, Joined}, the transitions the control namespace
// triggers, and the "control" module itself.
package control

import (
	"time"

	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
)

// Phase is the coarse discriminator of RunnerState (§3).
type Phase int

const (
	PhaseNone Phase = iota
	PhaseWaiting
	PhaseJoined
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseWaiting:
		return "waiting"
	case PhaseJoined:
		return "joined"
	default:
		return "unknown"
	}
}

// ControlState is the control module's per-participant record, serialized
// into join/update broadcasts (§3).
type ControlState struct {
	DisplayName string
	Role        ids.Role
	AvatarURL   *string
	Kind        ids.ParticipantKind
	JoinedAt    time.Time
	HandIsUp    bool
	HandUpdatedAt time.Time
	LeftAt      *time.Time
	IsRoomOwner bool
}

// RunnerState is the per-participant state machine (§3):
//
//	None
//	Waiting { accepted: bool, snapshot: ControlState }
//	Joined
//
// Transitions only occur from within the owning runner.
type RunnerState struct {
	Phase    Phase
	Accepted bool          // only meaningful when Phase == PhaseWaiting
	Snapshot *ControlState // only meaningful when Phase == PhaseWaiting
}

// None is the initial RunnerState (§3).
func None() RunnerState { return RunnerState{Phase: PhaseNone} }

// Waiting builds a RunnerState for the waiting room (§4.5 step 6).
func Waiting(accepted bool, snapshot ControlState) RunnerState {
	return RunnerState{Phase: PhaseWaiting, Accepted: accepted, Snapshot: &snapshot}
}

// Joined builds a RunnerState for the joined phase (§4.5 step 8).
func Joined() RunnerState { return RunnerState{Phase: PhaseJoined} }
