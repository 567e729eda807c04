package runner

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opencloud-community/ot-controller-sub000/internal/logging"
	"github.com/opencloud-community/ot-controller-sub000/internal/metrics"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/attrs"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/control"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/modules"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/wire"
	"go.uber.org/zap"
)

// maintenanceInterval is the cadence of the combined skip-waiting-room
// refresh, resumption keepalive, and time-limit check (§4.7, §5). The three
// independent timers the spec describes are folded into one tick: none of
// them fire often enough for the difference to matter, and a single ticker
// keeps the loop's select statement small.
func (r *Runner) maintenanceInterval() time.Duration {
	interval := r.deps.Config.SkipWaitingRoomRefreshInterval
	if r.deps.Config.ResumptionKeepaliveInterval > 0 && (interval == 0 || r.deps.Config.ResumptionKeepaliveInterval < interval) {
		interval = r.deps.Config.ResumptionKeepaliveInterval
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return interval
}

// Run drives the Runner Event Loop (§4.7): a single-task cooperative
// scheduler polling WebSocket inbound frames, the exchange subscription,
// the maintenance tick, and process shutdown, until a close is requested or
// the context is canceled. It returns the close code and reason that should
// be sent to the client.
func (r *Runner) Run(ctx context.Context, inbound <-chan []byte, shutdown <-chan struct{}) (wire.CloseCode, wire.LeaveReason) {
	ticker := time.NewTicker(r.maintenanceInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return wire.CloseAbnormal, wire.LeaveQuit

		case raw, ok := <-inbound:
			if !ok {
				return wire.CloseAbnormal, wire.LeaveQuit
			}
			if exit, code, reason := r.handleInbound(ctx, raw); exit {
				return code, reason
			}

		case msg, ok := <-r.sub.C():
			if !ok {
				return wire.CloseAbnormal, wire.LeaveQuit
			}
			if msg.SenderID == r.runnerID {
				continue
			}
			out, err := r.session.HandleExchange(ctx, msg)
			if err != nil {
				logging.Error(ctx, "exchange handling failed", zap.Error(err))
				return wire.CloseAbnormal, wire.LeaveQuit
			}
			if exited, err := r.deliver(ctx, out); err != nil {
				logging.Error(ctx, "delivering exchange outcome failed", zap.Error(err))
				return wire.CloseAbnormal, wire.LeaveQuit
			} else if exited {
				return out.Exit.Code, out.Exit.Reason
			}

		case <-ticker.C:
			if exit, code, reason := r.handleMaintenanceTick(ctx); exit {
				return code, reason
			}

		case <-shutdown:
			return wire.CloseAway, wire.LeaveQuit
		}
	}
}

// handleMaintenanceTick refreshes whichever of skip-waiting-room TTL,
// resumption token, and time-limit deadline apply to the current phase.
func (r *Runner) handleMaintenanceTick(ctx context.Context) (exit bool, code wire.CloseCode, reason wire.LeaveReason) {
	switch r.session.State.Phase {
	case control.PhaseWaiting:
		if r.session.State.Accepted {
			if err := r.deps.Store.ResetSkipWaitingRoomExpiry(ctx, r.self, r.deps.Config.Control.SkipWaitingRoomTTL); err != nil {
				logging.Warn(ctx, "failed to refresh skip-waiting-room TTL", zap.Error(err))
			}
		}

	case control.PhaseJoined:
		closesAt, ok, err := r.deps.Store.GetRoomClosesAt(ctx, r.room.Room)
		if err != nil {
			logging.Warn(ctx, "failed to read room closes_at", zap.Error(err))
		} else if ok && !closesAt.After(r.deps.Now()) {
			r.sendQuotaElapsed(ctx)
			return true, wire.CloseNormal, wire.LeaveTimeout
		}

		ok, err = r.deps.Store.RefreshResumptionToken(ctx, r.self, r.resumptionToken, r.runnerID, r.deps.Config.ResumptionKeepaliveInterval*3)
		if err != nil {
			if err != attrs.ErrBackend {
				logging.Warn(ctx, "failed to refresh resumption token", zap.Error(err))
			}
		} else if !ok {
			return true, wire.CloseNormal, wire.LeaveQuit
		}
	}
	return false, 0, ""
}

func (r *Runner) sendQuotaElapsed(ctx context.Context) {
	inner, err := wire.NewControlEnvelope(wire.TimeLimitQuotaElapsed{})
	if err != nil {
		return
	}
	env, err := wire.NewEnvelope(wire.ModuleControl, r.deps.Now(), inner)
	if err != nil {
		return
	}
	if err := r.client.Send(ctx, env); err != nil {
		logging.Warn(ctx, "failed to send time-limit-quota-elapsed", zap.Error(err))
	}
}

// handleInbound decodes and dispatches one client WebSocket frame,
// delivering any resulting outbound messages before returning. exit is true
// iff the connection should now be closed.
func (r *Runner) handleInbound(ctx context.Context, raw []byte) (exit bool, code wire.CloseCode, reason wire.LeaveReason) {
	metrics.WebsocketEvents.WithLabelValues("message", "received").Inc()

	var env wire.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.sendError(ctx, wire.ErrInvalidJSON)
		return false, 0, ""
	}

	var out *control.Outcome
	var err error
	switch env.Module {
	case wire.ModuleControl:
		out, err = r.handleControlCommand(ctx, env.Payload)
	default:
		if !r.deps.Registry.Has(env.Module) {
			r.sendError(ctx, wire.ErrInvalidNamespace)
			return false, 0, ""
		}
		out, err = r.handleTargetedCommand(ctx, env.Module, env.Payload)
	}
	if err != nil {
		logging.Error(ctx, "command handling failed", zap.String("module", string(env.Module)), zap.Error(err))
		return true, wire.CloseAbnormal, wire.LeaveQuit
	}

	exited, err := r.deliver(ctx, out)
	if err != nil {
		logging.Error(ctx, "delivering command outcome failed", zap.Error(err))
		return true, wire.CloseAbnormal, wire.LeaveQuit
	}
	if exited {
		return true, out.Exit.Code, out.Exit.Reason
	}
	return false, 0, ""
}

func (r *Runner) handleTargetedCommand(ctx context.Context, module ids.ModuleId, payload json.RawMessage) (*control.Outcome, error) {
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return &control.Outcome{ToClient: []any{wire.Error{Kind: wire.ErrInvalidJSON}}}, nil
	}

	now := r.deps.Now()
	mctx := &modules.Context{ParticipantID: r.self, Now: now, Store: r.deps.Store, Room: r.room}
	if err := r.deps.Registry.DispatchTargeted(ctx, mctx, modules.TargetedEvent{ModuleID: module, Payload: decoded}); err != nil {
		return &control.Outcome{ToClient: []any{wire.Error{Kind: wire.ErrInvalidNamespace}}}, nil
	}

	out := &control.Outcome{}
	for _, action := range mctx.Actions {
		if action.SendToClient != nil {
			out.ToClient = append(out.ToClient, action.SendToClient)
		}
	}
	out.Exit = mctx.Exit
	return out, nil
}

func (r *Runner) sendError(ctx context.Context, kind wire.ErrorKind) {
	inner, err := wire.NewControlEnvelope(wire.Error{Kind: kind})
	if err != nil {
		return
	}
	env, err := wire.NewEnvelope(wire.ModuleControl, r.deps.Now(), inner)
	if err != nil {
		return
	}
	if err := r.client.Send(ctx, env); err != nil {
		logging.Warn(ctx, "failed to send error to client", zap.Error(err))
	}
}

func (r *Runner) handleControlCommand(ctx context.Context, payload json.RawMessage) (*control.Outcome, error) {
	var cmd wire.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return &control.Outcome{ToClient: []any{wire.Error{Kind: wire.ErrInvalidJSON}}}, nil
	}

	switch cmd.Action {
	case wire.CmdJoin:
		return r.session.HandleJoin(ctx, cmd.DisplayName, r.joinCtx.StoredDisplayName, r.joinCtx.StoredEmail, r.joinCtx.InviteRole, r.joinCtx.CreatedBy)
	case wire.CmdEnterRoom:
		return r.session.HandleEnterRoom(ctx)
	case wire.CmdRaiseHand:
		enabled, err := r.deps.Store.RaiseHandsEnabled(ctx, r.room.Room)
		if err != nil {
			return nil, err
		}
		return r.session.HandleRaiseHand(ctx, enabled)
	case wire.CmdLowerHand:
		return r.session.HandleLowerHand(ctx)
	case wire.CmdGrantModeratorRole:
		return r.session.HandleGrantModeratorRole(ctx, cmd.Target)
	case wire.CmdRevokeModeratorRole:
		return r.session.HandleRevokeModeratorRole(ctx, cmd.Target)
	default:
		return &control.Outcome{ToClient: []any{wire.Error{Kind: wire.ErrInvalidJSON}}}, nil
	}
}
