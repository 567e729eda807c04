// Package modules holds the Module Registry (§4.4): initialized module
// instances keyed by ModuleId, dispatching targeted and broadcast events and
// collecting the actions each module requests in response.
package modules

import (
	"context"
	"errors"
	"time"

	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/attrs"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/wire"
)

// ErrNoSuchModule is returned by DispatchTargeted when the addressed module
// id has no registered instance (§4.4, §7 "dropped with error to client").
var ErrNoSuchModule = errors.New("modules: no such module")

// CleanupScope mirrors destroy scope (§4.12); duplicated here (rather than
// imported from the runner package) to keep modules free of a dependency on
// the runner, which itself depends on modules.
type CleanupScope int

const (
	CleanupNone CleanupScope = iota
	CleanupLocal
	CleanupGlobal
)

// BroadcastKind enumerates the protocol-wide fan-outs modules observe
// (§4.4).
type BroadcastKind string

const (
	BroadcastJoined              BroadcastKind = "joined"
	BroadcastParticipantJoined   BroadcastKind = "participant_joined"
	BroadcastParticipantUpdated  BroadcastKind = "participant_updated"
	BroadcastParticipantLeft     BroadcastKind = "participant_left"
	BroadcastRoleUpdated         BroadcastKind = "role_updated"
	BroadcastRaiseHand           BroadcastKind = "raise_hand"
	BroadcastLowerHand           BroadcastKind = "lower_hand"
	BroadcastLeaving             BroadcastKind = "leaving"
)

// BroadcastEvent is delivered to every module's OnBroadcastEvent.
type BroadcastEvent struct {
	Kind        BroadcastKind
	Participant ids.ParticipantId
	// Control carries the acting participant's ControlState for Joined,
	// satisfying Open Question 3: the self record is excluded from Peers,
	// modules read self data from Control instead.
	Control any
	Peers   []wire.Peer
	// ModuleData is the mutable per-module data buffer for Joined (§4.4,
	// §4.8): any module may write its own frontend-data entry here during
	// OnBroadcastEvent, and the caller collects the result into
	// wire.JoinSuccess.ModuleData. Shared across every module invoked for
	// this dispatch, so a module must only write its own ModuleId key.
	ModuleData map[ids.ModuleId]any
}

// TargetedEvent is delivered to exactly one module, addressed either by a
// client WS payload tagged with that module's id, or by an exchange
// envelope in that module's namespace.
type TargetedEvent struct {
	ModuleID ids.ModuleId
	Payload  any
}

// Exit, when set by a module via Context, requests the runner close the
// connection with the given code/reason once the current dispatch returns.
type Exit struct {
	Code   wire.CloseCode
	Reason wire.LeaveReason
}

// Context is the short-lived object passed to every module call (§9:
// avoids a module holding a back-reference to the runner).
type Context struct {
	ParticipantID ids.ParticipantId
	Role          ids.Role
	Now           time.Time
	Store         attrs.Store
	Room          ids.SignalingRoomId

	// Actions accumulates requested outbound effects (§4.7): WS sends and
	// exchange publishes a module wants to perform as a result of this
	// dispatch. The runner executes them after the dispatch returns.
	Actions []Action

	// Exit, if non-nil after a call returns, requests connection close.
	Exit *Exit
}

// Action is one outbound effect a module requested during dispatch.
type Action struct {
	SendToClient any
	PublishKey   string
	PublishMsg   any
}

// Module is the pluggable feature contract (§4.4). control is itself a
// module for uniformity (§2).
type Module interface {
	ID() ids.ModuleId
	// Init is called once at runner build time; may register additional
	// routing keys or spawn background streams. Optional: a no-op
	// implementation is valid.
	Init(ctx context.Context, mctx *Context) error
	OnTargetedEvent(ctx context.Context, mctx *Context, evt TargetedEvent) error
	OnBroadcastEvent(ctx context.Context, mctx *Context, evt BroadcastEvent) error
	OnDestroy(ctx context.Context, mctx *Context, scope CleanupScope) error
}

// Registry holds one initialized Module per ModuleId.
type Registry struct {
	modules map[ids.ModuleId]Module
}

func NewRegistry() *Registry {
	return &Registry{modules: map[ids.ModuleId]Module{}}
}

// Register adds a module to the registry. Call before Init.
func (r *Registry) Register(m Module) {
	r.modules[m.ID()] = m
}

// Has reports whether a module id is registered.
func (r *Registry) Has(id ids.ModuleId) bool {
	_, ok := r.modules[id]
	return ok
}

// InitAll calls Init on every registered module in registration order.
func (r *Registry) InitAll(ctx context.Context, mctx *Context) error {
	for _, m := range r.modules {
		if err := m.Init(ctx, mctx); err != nil {
			return err
		}
	}
	return nil
}

// DispatchTargeted routes evt to the single module it addresses.
func (r *Registry) DispatchTargeted(ctx context.Context, mctx *Context, evt TargetedEvent) error {
	m, ok := r.modules[evt.ModuleID]
	if !ok {
		return ErrNoSuchModule
	}
	return m.OnTargetedEvent(ctx, mctx, evt)
}

// DispatchBroadcast fans evt out to every registered module unconditionally.
func (r *Registry) DispatchBroadcast(ctx context.Context, mctx *Context, evt BroadcastEvent) error {
	for _, m := range r.modules {
		if err := m.OnBroadcastEvent(ctx, mctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// DispatchDestroy calls OnDestroy on every registered module with the final
// CleanupScope decided for this runner's teardown (§4.11 Phase 3).
func (r *Registry) DispatchDestroy(ctx context.Context, mctx *Context, scope CleanupScope) error {
	for _, m := range r.modules {
		if err := m.OnDestroy(ctx, mctx, scope); err != nil {
			return err
		}
	}
	return nil
}
