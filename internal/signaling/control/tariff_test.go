package control

import (
	"context"
	"testing"
	"time"

	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/attrs"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRole(t *testing.T, store attrs.Store, room ids.RoomId, p ids.ParticipantId, role ids.Role) {
	t.Helper()
	require.NoError(t, store.SetGlobal(context.Background(), attrs.Global{Room: room, Participant: p, Attr: attrs.AttrRole}, role))
}

func TestEnforceTariff_AllowsWithinLimit(t *testing.T) {
	store := attrs.NewMemoryStore()
	ctx := context.Background()
	room := ids.RoomId("room-1")
	limit := int64(2)
	tariff := attrs.Tariff{Name: "basic", RoomParticipantLimit: &limit}

	setRole(t, store, room, "p1", ids.RoleUser)
	outcome, _, err := EnforceTariff(ctx, store, room, "p1", ids.RoleUser, tariff)
	require.NoError(t, err)
	assert.Equal(t, TariffContinue, outcome)

	setRole(t, store, room, "p2", ids.RoleUser)
	outcome, _, err = EnforceTariff(ctx, store, room, "p2", ids.RoleUser, tariff)
	require.NoError(t, err)
	assert.Equal(t, TariffContinue, outcome)

	count, err := store.GetParticipantCount(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestEnforceTariff_RejectsAtLimit(t *testing.T) {
	store := attrs.NewMemoryStore()
	ctx := context.Background()
	room := ids.RoomId("room-1")
	limit := int64(1)
	tariff := attrs.Tariff{Name: "basic", RoomParticipantLimit: &limit}

	setRole(t, store, room, "p1", ids.RoleUser)
	outcome, _, err := EnforceTariff(ctx, store, room, "p1", ids.RoleUser, tariff)
	require.NoError(t, err)
	require.Equal(t, TariffContinue, outcome)

	setRole(t, store, room, "p2", ids.RoleUser)
	outcome, reason, err := EnforceTariff(ctx, store, room, "p2", ids.RoleUser, tariff)
	require.NoError(t, err)
	assert.Equal(t, TariffBreak, outcome)
	assert.NotEmpty(t, reason)

	count, err := store.GetParticipantCount(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "a rejected join must not be counted")
}

func TestEnforceTariff_ModeratorBypassesLimitWhenNoOtherModeratorPresent(t *testing.T) {
	store := attrs.NewMemoryStore()
	ctx := context.Background()
	room := ids.RoomId("room-1")
	limit := int64(1)
	tariff := attrs.Tariff{Name: "basic", RoomParticipantLimit: &limit}

	setRole(t, store, room, "p1", ids.RoleUser)
	_, _, err := EnforceTariff(ctx, store, room, "p1", ids.RoleUser, tariff)
	require.NoError(t, err)

	setRole(t, store, room, "mod1", ids.RoleModerator)
	outcome, _, err := EnforceTariff(ctx, store, room, "mod1", ids.RoleModerator, tariff)
	require.NoError(t, err)
	assert.Equal(t, TariffContinue, outcome, "the first moderator must be admitted even over the participant limit")
}

func TestEnforceTariff_SecondModeratorStillSubjectToLimit(t *testing.T) {
	store := attrs.NewMemoryStore()
	ctx := context.Background()
	room := ids.RoomId("room-1")
	limit := int64(1)
	tariff := attrs.Tariff{Name: "basic", RoomParticipantLimit: &limit}

	setRole(t, store, room, "mod1", ids.RoleModerator)
	_, _, err := EnforceTariff(ctx, store, room, "mod1", ids.RoleModerator, tariff)
	require.NoError(t, err)

	setRole(t, store, room, "mod2", ids.RoleModerator)
	outcome, _, err := EnforceTariff(ctx, store, room, "mod2", ids.RoleModerator, tariff)
	require.NoError(t, err)
	assert.Equal(t, TariffBreak, outcome, "a second moderator is subject to the limit like anyone else")
}

func TestComputeClosesAt(t *testing.T) {
	now := time.Unix(1700000000, 0)

	_, ok := ComputeClosesAt(context.Background(), attrs.Tariff{}, now)
	assert.False(t, ok, "no time limit set means no closes_at")

	secs := int64(3600)
	closesAt, ok := ComputeClosesAt(context.Background(), attrs.Tariff{RoomTimeLimitSecs: &secs}, now)
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Hour), closesAt)

	negative := int64(-1)
	_, ok = ComputeClosesAt(context.Background(), attrs.Tariff{RoomTimeLimitSecs: &negative}, now)
	assert.False(t, ok, "non-positive limits degrade to no time limit")
}
