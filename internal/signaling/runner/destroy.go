package runner

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opencloud-community/ot-controller-sub000/internal/logging"
	"github.com/opencloud-community/ot-controller-sub000/internal/metrics"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/attrs"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/control"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/exchange"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/modules"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/roomlock"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/wire"
	"go.uber.org/zap"
)

// graceWindow bounds Phase 2 of the Destruction Protocol (§4.11).
const graceWindow = 60 * time.Second

// decideCleanupScope implements the CleanupScope rule (§4.12). The
// "Local on last-in-breakout, None on last-in-main-while-waiting-nonempty"
// asymmetry is deliberate: breakouts may be torn down even while the waiting
// room still has pending participants, the main room may not.
func decideCleanupScope(globalParticipants int64, currentSubRoomEmpty, isBreakout bool) modules.CleanupScope {
	switch {
	case globalParticipants == 0:
		return modules.CleanupGlobal
	case currentSubRoomEmpty && isBreakout:
		return modules.CleanupLocal
	default:
		return modules.CleanupNone
	}
}

// Destroy runs the Destruction Protocol (§4.11) exactly once for this
// runner: participant-scoped cleanup under the room lock, an optional grace
// period if this runner was the last in its sub-room, and finalization.
// Destroy does not touch the client connection; the caller is responsible
// for closing it (the WebSocket layer owns that lifecycle, the store cleanup
// here is independent of it). shutdown is the same process-shutdown signal
// Run observes (§4.7); a shutdown received mid-grace-period forces the
// cleanup scope to Global (§4.11 Phase 2) rather than waiting out the timer.
func (r *Runner) Destroy(ctx context.Context, shutdown <-chan struct{}) {
	if r.destroyed {
		return
	}
	r.destroyed = true
	defer metrics.ActiveRunners.Dec()
	defer func() {
		if err := r.sub.Close(); err != nil {
			logging.Warn(ctx, "failed to close exchange subscription", zap.Error(err))
		}
	}()

	start := r.deps.Now()
	scope, subRoomEmptyAtPhase1, err := r.destroyPhase1(ctx)
	if err != nil {
		logging.Error(ctx, "destroy phase 1 failed", zap.Error(err))
		metrics.DestroyDuration.WithLabelValues("error").Observe(r.deps.Now().Sub(start).Seconds())
		return
	}

	if subRoomEmptyAtPhase1 {
		scope = r.destroyPhase2(ctx, scope, shutdown)
	}

	if err := r.destroyPhase3(ctx, scope); err != nil {
		logging.Error(ctx, "destroy phase 3 failed", zap.Error(err))
		metrics.DestroyDuration.WithLabelValues("error").Observe(r.deps.Now().Sub(start).Seconds())
		return
	}

	metrics.DestroyDuration.WithLabelValues("success").Observe(r.deps.Now().Sub(start).Seconds())
}

// destroyPhase1 implements §4.11 Phase 1: participant-scoped cleanup under
// the room lock. It returns the scope computed from post-decrement state and
// whether this runner's sub-room is now empty (the Phase 2 gate).
func (r *Runner) destroyPhase1(ctx context.Context) (modules.CleanupScope, bool, error) {
	guard, err := r.deps.RoomLock.LockRoom(ctx, r.room)
	if err != nil {
		if err == roomlock.ErrLocked {
			metrics.RoomLockContention.Inc()
		} else {
			metrics.RoomLockFailures.WithLabelValues("lock").Inc()
		}
		_ = r.deps.ParticipantLock.UnlockParticipant(ctx, r.self, r.runnerID)
		return modules.CleanupNone, false, nil
	}
	defer func() {
		if err := r.deps.RoomLock.UnlockRoom(ctx, guard); err != nil {
			logging.Warn(ctx, "failed to release room lock in destroy phase 1", zap.Error(err))
		}
	}()

	now := r.deps.Now()
	wasJoined := r.session.State.Phase == control.PhaseJoined
	wasWaiting := r.session.State.Phase == control.PhaseWaiting

	if wasJoined {
		actions := attrs.NewActions().
			SetGlobal(attrs.Global{Room: r.room.Room, Participant: r.self, Attr: attrs.AttrIsPresent}, false).
			RemoveGlobal(attrs.Global{Room: r.room.Room, Participant: r.self, Attr: attrs.AttrBreakoutRoom}).
			SetLocal(attrs.Local{Room: r.room, Participant: r.self, Attr: attrs.AttrLeftAt}, now)
		if err := r.deps.Store.BulkActions(ctx, actions); err != nil {
			return modules.CleanupNone, false, err
		}
		if err := r.deps.Store.RemoveParticipantFromSet(ctx, r.room, r.self); err != nil {
			return modules.CleanupNone, false, err
		}
	}
	if wasWaiting {
		if err := r.deps.Store.RemoveWaiting(ctx, r.room.Room, r.self); err != nil {
			return modules.CleanupNone, false, err
		}
		if err := r.deps.Store.RemoveAcceptedWaiting(ctx, r.room.Room, r.self); err != nil {
			return modules.CleanupNone, false, err
		}
	}

	globalParticipants, err := r.deps.Store.DecrementParticipantCount(ctx, r.room.Room)
	if err != nil {
		return modules.CleanupNone, false, err
	}
	subRoomEmpty, err := r.deps.Store.ParticipantsAllLeft(ctx, r.room)
	if err != nil {
		return modules.CleanupNone, false, err
	}

	scope := decideCleanupScope(globalParticipants, subRoomEmpty, r.room.IsBreakout())
	metrics.CleanupScopeTotal.WithLabelValues(cleanupScopeLabel(scope)).Inc()
	metrics.RoomParticipants.WithLabelValues(string(r.room.Room)).Set(float64(globalParticipants))

	roomKept := globalParticipants > 0
	if roomKept {
		if wasWaiting {
			r.publishLeftWaitingRoom(ctx, now)
		} else if wasJoined && r.kind.Visible() {
			r.publishLeft(ctx, now)
		}
	}

	if err := r.deps.ParticipantLock.UnlockParticipant(ctx, r.self, r.runnerID); err != nil {
		logging.Warn(ctx, "failed to release participant lock in destroy phase 1", zap.Error(err))
	}

	return scope, subRoomEmpty, nil
}

func (r *Runner) publishLeft(ctx context.Context, now time.Time) {
	inner, err := wire.NewExchangeEnvelope(wire.ExchangeLeft, wire.ExchangeLeftPayload{ID: r.self, Reason: wire.LeaveQuit})
	if err != nil {
		return
	}
	env, err := wire.NewEnvelope(wire.ModuleControl, now, inner)
	if err != nil {
		return
	}
	if err := r.deps.Exchange.Publish(ctx, exchange.CurrentRoomAllParticipants(r.room), r.runnerID, env); err != nil {
		logging.Warn(ctx, "failed to publish left", zap.Error(err))
	}
}

func (r *Runner) publishLeftWaitingRoom(ctx context.Context, now time.Time) {
	inner, err := wire.NewExchangeEnvelope(wire.ExchangeLeftWaitingRoom, wire.ExchangeLeftWaitingRoomPayload{Self: r.self})
	if err != nil {
		return
	}
	env, err := wire.NewEnvelope(wire.ModuleControl, now, inner)
	if err != nil {
		return
	}
	if err := r.deps.Exchange.Publish(ctx, exchange.GlobalRoomAllParticipants(r.room.Room), r.runnerID, env); err != nil {
		logging.Warn(ctx, "failed to publish left-waiting-room", zap.Error(err))
	}
}

// destroyPhase2 implements §4.11 Phase 2: if this runner was the last
// participant in its sub-room, wait up to graceWindow for a join into the
// same room (which cancels teardown) before finalizing. It reuses the
// existing exchange subscription -- the same keys the runner already holds,
// per spec -- rather than opening a new one. A process shutdown observed on
// the shutdown channel, or a canceled ctx, both force the scope to Global.
func (r *Runner) destroyPhase2(ctx context.Context, scope modules.CleanupScope, shutdown <-chan struct{}) modules.CleanupScope {
	timer := time.NewTimer(graceWindow)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return scope

		case <-ctx.Done():
			metrics.GracePeriodCancellations.Inc()
			return modules.CleanupGlobal

		case <-shutdown:
			metrics.GracePeriodCancellations.Inc()
			return modules.CleanupGlobal

		case msg, ok := <-r.sub.C():
			if !ok {
				return scope
			}
			if msg.SenderID == r.runnerID {
				continue
			}
			if next, done := r.observeGracePeriodJoin(msg, scope); done {
				return next
			}
		}
	}
}

// observeGracePeriodJoin inspects one exchange message received during the
// grace period and, if it is a join relevant to this sub-room, returns the
// adjusted scope and true. Any other message is ignored and the grace period
// continues.
func (r *Runner) observeGracePeriodJoin(msg exchange.Message, scope modules.CleanupScope) (modules.CleanupScope, bool) {
	if msg.Envelope.Module != wire.ModuleControl {
		return scope, false
	}
	var env wire.ExchangeEnvelope
	if err := json.Unmarshal(msg.Envelope.Payload, &env); err != nil {
		return scope, false
	}
	switch env.Kind {
	case wire.ExchangeJoinedWaitingRoom:
		if r.room.IsBreakout() {
			return modules.CleanupLocal, true
		}
		return modules.CleanupNone, true
	case wire.ExchangeJoined:
		return modules.CleanupNone, true
	default:
		return scope, false
	}
}

// destroyPhase3 implements §4.11 Phase 3: finalization under a freshly
// reacquired room lock.
func (r *Runner) destroyPhase3(ctx context.Context, scope modules.CleanupScope) error {
	guard, err := r.deps.RoomLock.LockRoom(ctx, r.room)
	if err != nil {
		if err == roomlock.ErrLocked {
			metrics.RoomLockContention.Inc()
		} else {
			metrics.RoomLockFailures.WithLabelValues("lock").Inc()
		}
		return nil
	}
	defer func() {
		if err := r.deps.RoomLock.UnlockRoom(ctx, guard); err != nil {
			logging.Warn(ctx, "failed to release room lock in destroy phase 3", zap.Error(err))
		}
	}()

	mctx := &modules.Context{ParticipantID: r.self, Now: r.deps.Now(), Store: r.deps.Store, Room: r.room}
	if err := r.deps.Registry.DispatchDestroy(ctx, mctx, scope); err != nil {
		return err
	}

	switch scope {
	case modules.CleanupLocal:
		return r.finalizeLocal(ctx)
	case modules.CleanupGlobal:
		return r.finalizeGlobal(ctx)
	default:
		return nil
	}
}

func (r *Runner) finalizeLocal(ctx context.Context) error {
	if err := r.removeLocalKeys(ctx, r.room); err != nil {
		return err
	}
	if err := r.deps.Store.RemoveParticipantSet(ctx, r.room); err != nil {
		return err
	}
	if err := r.deps.Store.RemoveRoomClosesAt(ctx, r.room.Room); err != nil {
		return err
	}
	metrics.RoomsDestroyed.WithLabelValues("breakout").Inc()
	return nil
}

func (r *Runner) finalizeGlobal(ctx context.Context) error {
	if err := r.removeLocalKeys(ctx, r.room); err != nil {
		return err
	}
	if r.room.IsBreakout() {
		if err := r.removeLocalKeys(ctx, ids.Main(r.room.Room)); err != nil {
			return err
		}
	}

	alive, err := r.deps.Store.IsRoomAlive(ctx, r.room.Room)
	if err != nil {
		return err
	}
	if alive {
		if err := r.deps.Store.DeleteParticipantCount(ctx, r.room.Room); err != nil {
			return err
		}
		if err := r.deps.Store.DeleteTariff(ctx, r.room.Room); err != nil {
			return err
		}
		if err := r.deps.Store.DeleteEvent(ctx, r.room.Room); err != nil {
			return err
		}
		if err := r.deps.Store.DeleteCreator(ctx, r.room.Room); err != nil {
			return err
		}
		if err := r.deps.Store.DeleteRoomAlive(ctx, r.room.Room); err != nil {
			return err
		}
		for _, attr := range []string{attrs.AttrRole, attrs.AttrDisplayName, attrs.AttrIsPresent, attrs.AttrIsRoomOwner, attrs.AttrBreakoutRoom} {
			if err := r.deps.Store.RemoveGlobalAttrKey(ctx, r.room.Room, attr); err != nil {
				return err
			}
		}
	}

	metrics.RoomsDestroyed.WithLabelValues("conference").Inc()
	return nil
}

func (r *Runner) removeLocalKeys(ctx context.Context, room ids.SignalingRoomId) error {
	for _, attr := range []string{attrs.AttrKind, attrs.AttrUserID, attrs.AttrAvatarURL, attrs.AttrJoinedAt, attrs.AttrLeftAt, attrs.AttrHandIsUp, attrs.AttrHandUpdated} {
		if err := r.deps.Store.RemoveLocalAttrKey(ctx, room, attr); err != nil {
			return err
		}
	}
	return nil
}

func cleanupScopeLabel(scope modules.CleanupScope) string {
	switch scope {
	case modules.CleanupLocal:
		return "local"
	case modules.CleanupGlobal:
		return "global"
	default:
		return "none"
	}
}
