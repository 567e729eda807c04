package control

import (
	"context"
	"encoding/json"

	"github.com/opencloud-community/ot-controller-sub000/internal/logging"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/attrs"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/exchange"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/modules"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/wire"
	"go.uber.org/zap"
)

// HandleExchange implements the Incoming Exchange Handler (§4.9). Traffic
// received while in None is ignored entirely; traffic outside the control
// or moderation namespace is forwarded to the addressed module while
// Joined, and dropped with a log otherwise.
func (s *Session) HandleExchange(ctx context.Context, msg exchange.Message) (*Outcome, error) {
	if s.State.Phase == PhaseNone {
		return &Outcome{}, nil
	}

	if msg.Envelope.Module != wire.ModuleControl && msg.Envelope.Module != wire.ModuleModeration {
		if s.State.Phase != PhaseJoined {
			logging.Warn(ctx, "dropping foreign-module exchange message, not joined",
				zap.String("module", string(msg.Envelope.Module)))
			return &Outcome{}, nil
		}
		now := s.deps.Now()
		mctx := &modules.Context{ParticipantID: s.Self, Role: s.Role, Now: now, Store: s.deps.Store, Room: s.Room}
		var payload any
		if err := json.Unmarshal(msg.Envelope.Payload, &payload); err != nil {
			return nil, err
		}
		if err := s.deps.Registry.DispatchTargeted(ctx, mctx, modules.TargetedEvent{ModuleID: msg.Envelope.Module, Payload: payload}); err != nil {
			logging.Warn(ctx, "module dispatch failed", zap.String("module", string(msg.Envelope.Module)), zap.Error(err))
			return &Outcome{}, nil
		}
		out := &Outcome{}
		for _, action := range mctx.Actions {
			if action.SendToClient != nil {
				out.send(action.SendToClient)
			}
		}
		if mctx.Exit != nil {
			out.Exit = mctx.Exit
		}
		return out, nil
	}

	var inner wire.ExchangeEnvelope
	if err := json.Unmarshal(msg.Envelope.Payload, &inner); err != nil {
		return nil, err
	}

	switch inner.Kind {
	case wire.ExchangeJoined:
		return s.onExchangeJoined(ctx, inner)
	case wire.ExchangeLeft:
		return s.onExchangeLeft(ctx, inner)
	case wire.ExchangeUpdate:
		return s.onExchangeUpdate(ctx, inner)
	case wire.ExchangeAccepted:
		return s.onExchangeAccepted(ctx, inner)
	case wire.ExchangeSetModeratorStatus:
		return s.onExchangeSetModeratorStatus(ctx, inner)
	case wire.ExchangeResetRaisedHands:
		return s.onExchangeResetRaisedHands(ctx, inner)
	case wire.ExchangeEnableRaiseHands:
		return s.onExchangeEnableRaiseHands(ctx, inner)
	case wire.ExchangeDisableRaiseHands:
		return s.onExchangeDisableRaiseHands(ctx, inner)
	case wire.ExchangeRoomDeleted:
		return s.onExchangeRoomDeleted(ctx)
	default:
		logging.Warn(ctx, "dropping unrecognized exchange kind", zap.String("kind", string(inner.Kind)))
		return &Outcome{}, nil
	}
}

func (s *Session) onExchangeJoined(ctx context.Context, inner wire.ExchangeEnvelope) (*Outcome, error) {
	var p wire.ExchangeJoinedPayload
	if err := json.Unmarshal(inner.Payload, &p); err != nil {
		return nil, err
	}
	if p.ID == s.Self || s.State.Phase != PhaseJoined {
		return &Outcome{}, nil
	}

	peer, ok, err := BuildParticipant(ctx, s.deps.Store, s.Room, s.Room.Room, p.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Outcome{}, nil
	}

	now := s.deps.Now()
	mctx := &modules.Context{ParticipantID: s.Self, Role: s.Role, Now: now, Store: s.deps.Store, Room: s.Room}
	if err := s.deps.Registry.DispatchBroadcast(ctx, mctx, modules.BroadcastEvent{
		Kind:        modules.BroadcastParticipantJoined,
		Participant: p.ID,
		Peers:       []wire.Peer{peer},
	}); err != nil {
		return nil, err
	}

	return &Outcome{ToClient: []any{wire.Joined{Participant: peer}}}, nil
}

func (s *Session) onExchangeLeft(ctx context.Context, inner wire.ExchangeEnvelope) (*Outcome, error) {
	var p wire.ExchangeLeftPayload
	if err := json.Unmarshal(inner.Payload, &p); err != nil {
		return nil, err
	}

	if p.ID == s.Self {
		if p.Reason != wire.LeaveSentToWaitingRoom || s.State.Phase != PhaseJoined {
			return &Outcome{}, nil
		}
		return s.sendToWaitingRoom(ctx)
	}

	if s.State.Phase != PhaseJoined {
		return &Outcome{}, nil
	}
	return &Outcome{ToClient: []any{wire.Left{ID: p.ID, Reason: p.Reason}}}, nil
}

func (s *Session) onExchangeUpdate(ctx context.Context, inner wire.ExchangeEnvelope) (*Outcome, error) {
	var p wire.ExchangeUpdatePayload
	if err := json.Unmarshal(inner.Payload, &p); err != nil {
		return nil, err
	}
	if p.ID == s.Self || s.State.Phase != PhaseJoined {
		return &Outcome{}, nil
	}

	peer, ok, err := BuildParticipant(ctx, s.deps.Store, s.Room, s.Room.Room, p.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Outcome{}, nil
	}

	now := s.deps.Now()
	mctx := &modules.Context{ParticipantID: s.Self, Role: s.Role, Now: now, Store: s.deps.Store, Room: s.Room}
	if err := s.deps.Registry.DispatchBroadcast(ctx, mctx, modules.BroadcastEvent{
		Kind:        modules.BroadcastParticipantUpdated,
		Participant: p.ID,
		Peers:       []wire.Peer{peer},
	}); err != nil {
		return nil, err
	}

	return &Outcome{ToClient: []any{wire.Update{Participant: peer}}}, nil
}

func (s *Session) onExchangeAccepted(ctx context.Context, inner wire.ExchangeEnvelope) (*Outcome, error) {
	var p wire.ExchangeAcceptedPayload
	if err := json.Unmarshal(inner.Payload, &p); err != nil {
		return nil, err
	}
	if p.ID != s.Self || s.State.Phase != PhaseWaiting || s.State.Accepted {
		logging.Warn(ctx, "dropping Accepted, not in expected waiting state")
		return &Outcome{}, nil
	}

	if err := s.deps.Store.SetSkipWaitingRoomWithExpiry(ctx, s.Self, true, s.deps.Config.SkipWaitingRoomTTL); err != nil {
		return nil, err
	}

	snapshot := *s.State.Snapshot
	s.State = Waiting(true, snapshot)

	return &Outcome{ToClient: []any{wire.Accepted{}}}, nil
}

func (s *Session) onExchangeSetModeratorStatus(ctx context.Context, inner wire.ExchangeEnvelope) (*Outcome, error) {
	var p wire.SetModeratorStatus
	if err := json.Unmarshal(inner.Payload, &p); err != nil {
		return nil, err
	}

	creator, ok, err := s.deps.Store.GetCreator(ctx, s.Room.Room)
	if err != nil {
		return nil, err
	}
	if ok && s.UserID != "" && creator.CreatedBy == s.UserID {
		return &Outcome{}, nil
	}

	newRole := ids.RoleGuest
	if p.Grant {
		newRole = ids.RoleModerator
	} else if s.Kind.IsUser() {
		newRole = ids.RoleUser
	}
	if newRole == s.Role {
		return &Outcome{}, nil
	}

	s.Role = newRole
	if err := s.deps.Store.SetGlobal(ctx, attrs.Global{Room: s.Room.Room, Participant: s.Self, Attr: attrs.AttrRole}, string(newRole)); err != nil {
		return nil, err
	}

	now := s.deps.Now()
	mctx := &modules.Context{ParticipantID: s.Self, Role: s.Role, Now: now, Store: s.deps.Store, Room: s.Room}
	if err := s.deps.Registry.DispatchBroadcast(ctx, mctx, modules.BroadcastEvent{
		Kind:        modules.BroadcastRoleUpdated,
		Participant: s.Self,
	}); err != nil {
		return nil, err
	}

	s.publishExchange(ctx, wire.ModuleControl, exchange.CurrentRoomAllParticipants(s.Room),
		wire.ExchangeUpdate, wire.ExchangeUpdatePayload{ID: s.Self}, now)

	return &Outcome{ToClient: []any{wire.RoleUpdated{NewRole: newRole}}}, nil
}

func (s *Session) onExchangeResetRaisedHands(ctx context.Context, inner wire.ExchangeEnvelope) (*Outcome, error) {
	var p wire.ExchangeResetRaisedHandsPayload
	if err := json.Unmarshal(inner.Payload, &p); err != nil {
		return nil, err
	}

	handRaw, _, err := s.deps.Store.GetLocal(ctx, attrs.Local{Room: s.Room, Participant: s.Self, Attr: attrs.AttrHandIsUp})
	if err != nil {
		return nil, err
	}
	if up, _ := handRaw.(bool); !up {
		return &Outcome{}, nil
	}

	now := s.deps.Now()
	if err := s.deps.Store.BulkActions(ctx, attrs.NewActions().
		SetLocal(attrs.Local{Room: s.Room, Participant: s.Self, Attr: attrs.AttrHandIsUp}, false).
		SetLocal(attrs.Local{Room: s.Room, Participant: s.Self, Attr: attrs.AttrHandUpdated}, now)); err != nil {
		return nil, err
	}

	return &Outcome{ToClient: []any{wire.RaisedHandResetByModerator{IssuedBy: p.IssuedBy}}}, nil
}

func (s *Session) onExchangeEnableRaiseHands(_ context.Context, inner wire.ExchangeEnvelope) (*Outcome, error) {
	var p wire.ExchangeEnableRaiseHandsPayload
	if err := json.Unmarshal(inner.Payload, &p); err != nil {
		return nil, err
	}
	return &Outcome{ToClient: []any{wire.RaiseHandsEnabled{IssuedBy: p.IssuedBy}}}, nil
}

func (s *Session) onExchangeDisableRaiseHands(ctx context.Context, inner wire.ExchangeEnvelope) (*Outcome, error) {
	var p wire.ExchangeDisableRaiseHandsPayload
	if err := json.Unmarshal(inner.Payload, &p); err != nil {
		return nil, err
	}

	handRaw, _, err := s.deps.Store.GetLocal(ctx, attrs.Local{Room: s.Room, Participant: s.Self, Attr: attrs.AttrHandIsUp})
	if err != nil {
		return nil, err
	}
	if up, _ := handRaw.(bool); up {
		now := s.deps.Now()
		if err := s.deps.Store.BulkActions(ctx, attrs.NewActions().
			SetLocal(attrs.Local{Room: s.Room, Participant: s.Self, Attr: attrs.AttrHandIsUp}, false).
			SetLocal(attrs.Local{Room: s.Room, Participant: s.Self, Attr: attrs.AttrHandUpdated}, now)); err != nil {
			return nil, err
		}
	}

	return &Outcome{ToClient: []any{wire.RaiseHandsDisabled{IssuedBy: p.IssuedBy}}}, nil
}

func (s *Session) onExchangeRoomDeleted(_ context.Context) (*Outcome, error) {
	return &Outcome{
		ToClient: []any{wire.RoomDeleted{}},
		Exit:     &modules.Exit{Code: wire.CloseNormal, Reason: wire.LeaveQuit},
	}, nil
}

// sendToWaitingRoom implements the Send-to-Waiting-Room Transition (§4.10):
// triggered by receiving Left{self, SentToWaitingRoom} while Joined.
func (s *Session) sendToWaitingRoom(ctx context.Context) (*Outcome, error) {
	now := s.deps.Now()
	if err := s.deps.Store.SetLocal(ctx, attrs.Local{Room: s.Room, Participant: s.Self, Attr: attrs.AttrLeftAt}, now); err != nil {
		return nil, err
	}

	mctx := &modules.Context{ParticipantID: s.Self, Role: s.Role, Now: now, Store: s.deps.Store, Room: s.Room}
	if err := s.deps.Registry.DispatchBroadcast(ctx, mctx, modules.BroadcastEvent{
		Kind:        modules.BroadcastLeaving,
		Participant: s.Self,
	}); err != nil {
		return nil, err
	}

	s.Resuming = true

	if err := s.deps.Store.AddWaiting(ctx, s.Room.Room, s.Self, true); err != nil {
		return nil, err
	}

	snapshot := ControlState{
		DisplayName: s.displayNameCached(ctx),
		Role:        s.Role,
		JoinedAt:    now,
		IsRoomOwner: s.IsRoomOwner,
	}
	s.State = Waiting(false, snapshot)

	out := &Outcome{}
	out.send(wire.InWaitingRoom{})

	s.publishExchange(ctx, wire.ModuleModeration, exchange.GlobalRoomAllParticipants(s.Room.Room),
		wire.ExchangeJoinedWaitingRoom, wire.ExchangeJoinedWaitingRoomPayload{Self: s.Self}, now)

	return out, nil
}
