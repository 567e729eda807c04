package control

import (
	"context"
	"time"

	"github.com/opencloud-community/ot-controller-sub000/internal/logging"
	"github.com/opencloud-community/ot-controller-sub000/internal/metrics"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/attrs"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/wire"
	"go.uber.org/zap"
)

// TariffOutcome is the result of EnforceTariff (§4.6).
type TariffOutcome int

const (
	TariffContinue TariffOutcome = iota
	TariffBreak
)

// EnforceTariff implements §4.6 step-by-step. Must be called with the room
// lock already held.
func EnforceTariff(ctx context.Context, store attrs.Store, room ids.RoomId, self ids.ParticipantId, role ids.Role, tariff attrs.Tariff) (TariffOutcome, wire.JoinBlockedReason, error) {
	snapshot, err := store.TryInitTariff(ctx, room, tariff)
	if err != nil {
		return TariffBreak, "", err
	}

	if role == ids.RoleModerator {
		otherModerator, err := anyOtherModeratorPresent(ctx, store, room, self)
		if err != nil {
			return TariffBreak, "", err
		}
		if !otherModerator {
			if _, err := store.IncrementParticipantCount(ctx, room); err != nil {
				return TariffBreak, "", err
			}
			return TariffContinue, "", nil
		}
	}

	if snapshot.RoomParticipantLimit != nil {
		count, err := store.GetParticipantCount(ctx, room)
		if err != nil {
			return TariffBreak, "", err
		}
		if count >= *snapshot.RoomParticipantLimit {
			metrics.TariffRejections.WithLabelValues(string(wire.ReasonParticipantLimitReached)).Inc()
			return TariffBreak, wire.ReasonParticipantLimitReached, nil
		}
	}

	if _, err := store.IncrementParticipantCount(ctx, room); err != nil {
		return TariffBreak, "", err
	}
	return TariffContinue, "", nil
}

// anyOtherModeratorPresent reads (role, left_at) for all participants of
// room and returns true iff any participant other than self has
// role=Moderator and left_at is nil (§4.6).
func anyOtherModeratorPresent(ctx context.Context, store attrs.Store, room ids.RoomId, self ids.ParticipantId) (bool, error) {
	rows, err := store.RoleAndLeftAtForRoomParticipants(ctx, room)
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		if row.Participant == self {
			continue
		}
		if row.Role == ids.RoleModerator && row.LeftAt == nil {
			return true, nil
		}
	}
	return false, nil
}

// ComputeClosesAt derives closes_at from the room_time_limit_secs quota
// (§4.6): set exactly once per room lifetime (first joiner), the caller is
// responsible for only calling this when the participant set did not
// already exist. Arithmetic overflow is logged and the feature degrades to
// "no time limit" rather than failing the join.
func ComputeClosesAt(ctx context.Context, tariff attrs.Tariff, now time.Time) (time.Time, bool) {
	if tariff.RoomTimeLimitSecs == nil {
		return time.Time{}, false
	}
	secs := *tariff.RoomTimeLimitSecs
	if secs <= 0 || secs > int64(time.Duration(1<<62)/time.Second) {
		logging.Warn(ctx, "closes_at overflow, degrading to no time limit", zap.Int64("room_time_limit_secs", secs))
		return time.Time{}, false
	}
	d := time.Duration(secs) * time.Second
	closesAt := now.Add(d)
	if closesAt.Before(now) {
		logging.Warn(ctx, "closes_at overflow, degrading to no time limit", zap.Int64("room_time_limit_secs", secs))
		return time.Time{}, false
	}
	return closesAt, true
}
