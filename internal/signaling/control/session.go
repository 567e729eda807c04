package control

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/opencloud-community/ot-controller-sub000/internal/calendar"
	"github.com/opencloud-community/ot-controller-sub000/internal/callin"
	"github.com/opencloud-community/ot-controller-sub000/internal/logging"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/attrs"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/exchange"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/modules"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/roomlock"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/wire"
	"github.com/opencloud-community/ot-controller-sub000/internal/tariffsql"
	"go.uber.org/zap"
	"k8s.io/utils/set"
)

const maxDisplayNameLen = 100

// Config bundles the runner-builder-time settings the control module needs
// that are not part of any collaborator contract.
type Config struct {
	DisallowCustomDisplayName bool
	LibravatarBaseURL         string
	WaitingRoomEnabledDefault bool
	SkipWaitingRoomTTL        time.Duration
}

// Deps bundles the collaborators a Session needs (§9: injected handles, no
// implicit singletons).
type Deps struct {
	Store     attrs.Store
	RoomLock  roomlock.Locker
	Exchange  exchange.Exchange
	Registry  *modules.Registry
	Tariffs   tariffsql.Lookup
	Calendar  calendar.Resolver
	Callin    callin.Resolver
	Config    Config
	Now       func() time.Time
}

// Session is the per-participant control protocol state machine (§4.5), the
// "control" module for itself (§2, §9).
type Session struct {
	deps Deps

	Self     ids.ParticipantId
	RunnerID ids.RunnerId
	Room     ids.SignalingRoomId
	Kind     ids.ParticipantKind
	UserID   ids.UserId // zero value if not a User kind

	State       RunnerState
	Role        ids.Role
	IsRoomOwner bool
	Resuming    bool
}

// NewSession constructs a fresh control Session in state None (§3).
func NewSession(deps Deps, self ids.ParticipantId, runner ids.RunnerId, room ids.SignalingRoomId, kind ids.ParticipantKind) *Session {
	uid, _ := kind.UserID()
	return &Session{
		deps:     deps,
		Self:     self,
		RunnerID: runner,
		Room:     room,
		Kind:     kind,
		UserID:   uid,
		State:    None(),
	}
}

// Outcome is returned by every command/exchange handler: outbound client
// sends, exchange publishes, and an optional close request, mirroring the
// "requested actions" buffer of §4.7.
type Outcome struct {
	ToClient []any
	Exit     *modules.Exit
}

func (o *Outcome) send(payload any) { o.ToClient = append(o.ToClient, payload) }

// publishExchange wraps payload in an ExchangeEnvelope tagged kind, puts it
// inside a wire.Envelope for the given module namespace, and publishes it to
// key. Failures are logged and swallowed: the exchange is best-effort and a
// dropped fan-out must never fail the command that triggered it (§4.3).
func (s *Session) publishExchange(ctx context.Context, module ids.ModuleId, key exchange.RoutingKey, kind wire.ExchangeKind, payload any, now time.Time) {
	inner, err := wire.NewExchangeEnvelope(kind, payload)
	if err != nil {
		logging.Warn(ctx, "failed to encode exchange envelope", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	env, err := wire.NewEnvelope(module, now, inner)
	if err != nil {
		logging.Warn(ctx, "failed to encode wire envelope", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	if err := s.deps.Exchange.Publish(ctx, key, s.RunnerID, env); err != nil {
		logging.Warn(ctx, "failed to publish exchange message", zap.String("kind", string(kind)), zap.Error(err))
	}
}

// HandleJoin implements "None + Join" (§4.5).
func (s *Session) HandleJoin(ctx context.Context, displayName *string, storedDisplayName string, storedEmail string, roleFromInvite *ids.Role, createdBy ids.UserId) (*Outcome, error) {
	if s.State.Phase != PhaseNone {
		return &Outcome{ToClient: []any{wire.Error{Kind: wire.ErrAlreadyJoined}}}, nil
	}

	name, err := s.resolveDisplayName(ctx, displayName, storedDisplayName)
	if err != nil {
		return &Outcome{ToClient: []any{wire.Error{Kind: wire.ErrInvalidUsername}}}, nil
	}

	avatar := s.resolveAvatarURL(storedEmail)

	now := s.deps.Now()
	s.Role = resolveInitialRole(s.UserID, createdBy, roleFromInvite)
	s.IsRoomOwner = s.UserID != "" && s.UserID == createdBy

	actions := attrs.NewActions().
		SetLocal(attrs.Local{Room: s.Room, Participant: s.Self, Attr: attrs.AttrKind}, s.Kind.String()).
		SetLocal(attrs.Local{Room: s.Room, Participant: s.Self, Attr: attrs.AttrAvatarURL}, avatar).
		SetGlobal(attrs.Global{Room: s.Room.Room, Participant: s.Self, Attr: attrs.AttrDisplayName}, name).
		SetGlobal(attrs.Global{Room: s.Room.Room, Participant: s.Self, Attr: attrs.AttrRole}, string(s.Role)).
		SetGlobal(attrs.Global{Room: s.Room.Room, Participant: s.Self, Attr: attrs.AttrIsRoomOwner}, s.IsRoomOwner)
	if s.UserID != "" {
		actions.SetLocal(attrs.Local{Room: s.Room, Participant: s.Self, Attr: attrs.AttrUserID}, string(s.UserID))
	}
	if err := s.deps.Store.BulkActions(ctx, actions); err != nil {
		return nil, err
	}

	skipFlag, err := s.deps.Store.GetSkipWaitingRoom(ctx, s.Self)
	if err != nil {
		return nil, err
	}
	skip := s.Role == ids.RoleModerator || s.Kind.Hidden() || skipFlag

	waitingEnabled, err := s.deps.Store.TryInitWaitingRoomEnabled(ctx, s.Room.Room, s.deps.Config.WaitingRoomEnabledDefault)
	if err != nil {
		return nil, err
	}

	if skip || !waitingEnabled {
		return s.joinRoom(ctx, false, now)
	}
	return s.joinWaitingRoom(ctx, now)
}

// resolveDisplayName implements the display-name resolution rules of §4.5
// "None + Join". A Sip participant derives its name via the call-in resolver
// rather than the client-requested/stored path everyone else uses; a missing
// call-in record falls back to that normal path instead of failing the join.
func (s *Session) resolveDisplayName(ctx context.Context, requested *string, stored string) (string, error) {
	if s.Kind == ids.KindSip() && s.deps.Callin != nil {
		name, err := s.deps.Callin.DisplayName(ctx, s.Room.Room, s.Self)
		if err != nil && err != callin.ErrNotFound {
			return "", err
		}
		if err == nil {
			if name = strings.TrimSpace(name); name != "" && len(name) <= maxDisplayNameLen {
				return name, nil
			}
		}
	}

	if s.deps.Config.DisallowCustomDisplayName && s.Kind.IsUser() {
		return stored, nil
	}
	name := stored
	if requested != nil {
		name = *requested
	}
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxDisplayNameLen {
		return "", fmt.Errorf("invalid display name")
	}
	return name, nil
}

func (s *Session) resolveAvatarURL(email string) *string {
	if !s.Kind.IsUser() {
		return nil
	}
	if email == "" || s.deps.Config.LibravatarBaseURL == "" {
		return nil
	}
	sum := md5.Sum([]byte(strings.ToLower(email)))
	url := s.deps.Config.LibravatarBaseURL + hex.EncodeToString(sum[:])
	return &url
}

func resolveInitialRole(self ids.UserId, createdBy ids.UserId, invite *ids.Role) ids.Role {
	if self != "" && self == createdBy {
		return ids.RoleModerator
	}
	if invite != nil {
		return *invite
	}
	return ids.RoleUser
}

// joinWaitingRoom implements §4.5 "Waiting room path".
func (s *Session) joinWaitingRoom(ctx context.Context, now time.Time) (*Outcome, error) {
	tariff, err := s.deps.Tariffs.TariffForRoom(ctx, s.Room.Room)
	if err != nil && err != tariffsql.ErrNotFound {
		return nil, err
	}

	guard, err := s.deps.RoomLock.LockRoom(ctx, s.Room)
	if err != nil {
		return nil, err
	}

	outcome, blocked, err := s.enforceTariffLocked(ctx, tariff)
	if err != nil {
		_ = s.deps.RoomLock.UnlockRoom(ctx, guard)
		return nil, err
	}
	if blocked {
		if err := s.deps.RoomLock.UnlockRoom(ctx, guard); err != nil {
			return nil, err
		}
		return outcome, nil
	}

	if err := s.deps.Store.AddWaiting(ctx, s.Room.Room, s.Self, s.Resuming); err != nil {
		_ = s.deps.RoomLock.UnlockRoom(ctx, guard)
		return nil, err
	}

	if err := s.deps.RoomLock.UnlockRoom(ctx, guard); err != nil {
		return nil, err
	}

	snapshot := ControlState{Role: s.Role, JoinedAt: now, IsRoomOwner: s.IsRoomOwner}
	s.State = Waiting(false, snapshot)

	out := &Outcome{}
	out.send(wire.InWaitingRoom{})

	s.publishExchange(ctx, wire.ModuleModeration, exchange.GlobalRoomAllParticipants(s.Room.Room),
		wire.ExchangeJoinedWaitingRoom, wire.ExchangeJoinedWaitingRoomPayload{Self: s.Self}, now)

	return out, nil
}

// enforceTariffLocked runs EnforceTariff and translates a Break outcome into
// an Outcome carrying JoinBlocked, without unlocking (caller's job).
func (s *Session) enforceTariffLocked(ctx context.Context, tariff attrs.Tariff) (out *Outcome, blocked bool, err error) {
	result, reason, err := EnforceTariff(ctx, s.deps.Store, s.Room.Room, s.Self, s.Role, tariff)
	if err != nil {
		return nil, false, err
	}
	if result == TariffBreak {
		return &Outcome{ToClient: []any{wire.JoinBlocked{Reason: reason}}}, true, nil
	}
	return nil, false, nil
}

// HandleEnterRoom implements "Waiting{accepted=true} + EnterRoom" (§4.5).
func (s *Session) HandleEnterRoom(ctx context.Context) (*Outcome, error) {
	if s.State.Phase != PhaseWaiting || !s.State.Accepted {
		return &Outcome{ToClient: []any{wire.Error{Kind: wire.ErrNotAcceptedOrNotInWaitingRoom}}}, nil
	}

	if err := s.deps.Store.RemoveAcceptedWaiting(ctx, s.Room.Room, s.Self); err != nil {
		return nil, err
	}

	now := s.deps.Now()
	s.publishExchange(ctx, wire.ModuleModeration, exchange.GlobalRoomAllParticipants(s.Room.Room),
		wire.ExchangeLeftWaitingRoom, wire.ExchangeLeftWaitingRoomPayload{Self: s.Self}, now)

	return s.joinRoom(ctx, true, now)
}

// joinRoom implements "join_room(from_waiting)" (§4.5).
func (s *Session) joinRoom(ctx context.Context, fromWaiting bool, now time.Time) (*Outcome, error) {
	if err := s.deps.Store.BulkActions(ctx, attrs.NewActions().
		RemoveLocal(attrs.Local{Room: s.Room, Participant: s.Self, Attr: attrs.AttrLeftAt}).
		SetLocal(attrs.Local{Room: s.Room, Participant: s.Self, Attr: attrs.AttrJoinedAt}, now)); err != nil {
		return nil, err
	}

	var guard *roomlock.Guard
	if !fromWaiting {
		tariff, err := s.deps.Tariffs.TariffForRoom(ctx, s.Room.Room)
		if err != nil && err != tariffsql.ErrNotFound {
			return nil, err
		}
		g, err := s.deps.RoomLock.LockRoom(ctx, s.Room)
		if err != nil {
			return nil, err
		}
		guard = g
		out, blocked, err := s.enforceTariffLocked(ctx, tariff)
		if err != nil {
			_ = s.deps.RoomLock.UnlockRoom(ctx, guard)
			return nil, err
		}
		if blocked {
			if err := s.deps.RoomLock.UnlockRoom(ctx, guard); err != nil {
				return nil, err
			}
			return out, nil
		}
	} else {
		g, err := s.deps.RoomLock.LockRoom(ctx, s.Room)
		if err != nil {
			return nil, err
		}
		guard = g
	}

	existed, err := s.deps.Store.ParticipantSetExists(ctx, s.Room)
	if err != nil {
		_ = s.deps.RoomLock.UnlockRoom(ctx, guard)
		return nil, err
	}
	if !existed {
		tariff, _, err := s.deps.Store.GetTariff(ctx, s.Room.Room)
		if err == nil {
			if closesAt, ok := ComputeClosesAt(ctx, tariff, now); ok {
				if err := s.deps.Store.SetRoomClosesAt(ctx, s.Room.Room, closesAt); err != nil {
					_ = s.deps.RoomLock.UnlockRoom(ctx, guard)
					return nil, err
				}
			}
		}
		if err := s.deps.Store.SetRoomAlive(ctx, s.Room.Room); err != nil {
			_ = s.deps.RoomLock.UnlockRoom(ctx, guard)
			return nil, err
		}
	}

	snapshotIDs, err := s.deps.Store.GetAllParticipants(ctx, s.Room)
	if err != nil {
		_ = s.deps.RoomLock.UnlockRoom(ctx, guard)
		return nil, err
	}

	if err := s.deps.Store.AddParticipantToSet(ctx, s.Room, s.Self, s.Resuming); err != nil {
		_ = s.deps.RoomLock.UnlockRoom(ctx, guard)
		return nil, err
	}

	if err := s.deps.Store.BulkActions(ctx, attrs.NewActions().
		SetGlobal(attrs.Global{Room: s.Room.Room, Participant: s.Self, Attr: attrs.AttrIsPresent}, true)); err != nil {
		_ = s.deps.RoomLock.UnlockRoom(ctx, guard)
		return nil, err
	}

	if err := s.deps.RoomLock.UnlockRoom(ctx, guard); err != nil {
		return nil, err
	}

	peerIDs := set.New(snapshotIDs...)
	peerIDs.Delete(s.Self)

	peers := make([]wire.Peer, 0, peerIDs.Len())
	for _, pid := range peerIDs.UnsortedList() {
		peer, ok, err := BuildParticipant(ctx, s.deps.Store, s.Room, s.Room.Room, pid)
		if err != nil {
			return nil, err
		}
		if ok {
			peers = append(peers, peer)
		}
	}

	roomInfo, err := s.deps.Store.TryInitCreator(ctx, s.Room.Room, attrs.RoomInfo{RoomId: s.Room.Room, CreatedBy: s.UserID})
	if err != nil {
		return nil, err
	}

	var tariffAny any
	if tariff, ok, err := s.deps.Store.GetTariff(ctx, s.Room.Room); err != nil {
		return nil, err
	} else if ok {
		tariffAny = tariff
	}

	var closesAt *time.Time
	if t, ok, err := s.deps.Store.GetRoomClosesAt(ctx, s.Room.Room); err != nil {
		return nil, err
	} else if ok {
		closesAt = &t
	}

	// Resolve the attached calendar event (try_init_event, §4.5 step 5).
	// Idempotent the same way try_init_creator/try_init_tariff are: the
	// first caller to observe the event wins, later joiners read it back.
	var eventAny any
	if s.deps.Calendar != nil {
		ev, err := s.deps.Calendar.EventForRoom(ctx, s.Room.Room)
		switch err {
		case nil:
			stored, err := s.deps.Store.TryInitEvent(ctx, s.Room.Room, &ev)
			if err != nil {
				return nil, err
			}
			if stored != nil {
				eventAny = *stored
			}
		case calendar.ErrNotFound:
		default:
			return nil, err
		}
	}

	avatar := s.avatarCached(ctx)

	control := ControlState{
		DisplayName: s.displayNameCached(ctx),
		Role:        s.Role,
		AvatarURL:   avatar,
		Kind:        s.Kind,
		JoinedAt:    now,
		IsRoomOwner: s.IsRoomOwner,
	}

	mctx := &modules.Context{ParticipantID: s.Self, Role: s.Role, Now: now, Store: s.deps.Store, Room: s.Room}
	evt := modules.BroadcastEvent{
		Kind:        modules.BroadcastJoined,
		Participant: s.Self,
		Control:     control,
		Peers:       peers,
		ModuleData:  map[ids.ModuleId]any{},
	}
	if err := s.deps.Registry.DispatchBroadcast(ctx, mctx, evt); err != nil {
		return nil, err
	}

	var moduleData map[ids.ModuleId]json.RawMessage
	if len(evt.ModuleData) > 0 {
		moduleData = make(map[ids.ModuleId]json.RawMessage, len(evt.ModuleData))
		for id, v := range evt.ModuleData {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			moduleData[id] = raw
		}
	}

	s.State = Joined()

	out := &Outcome{}
	out.send(wire.JoinSuccess{
		ID:           s.Self,
		DisplayName:  control.DisplayName,
		AvatarURL:    control.AvatarURL,
		Role:         s.Role,
		ClosesAt:     closesAt,
		Tariff:       tariffAny,
		ModuleData:   moduleData,
		Participants: peers,
		EventInfo:    eventAny,
		RoomInfo:     roomInfo,
		IsRoomOwner:  s.IsRoomOwner,
	})

	s.publishExchange(ctx, wire.ModuleControl, exchange.CurrentRoomAllParticipants(s.Room),
		wire.ExchangeJoined, wire.ExchangeJoinedPayload{ID: s.Self}, now)

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

func (s *Session) displayNameCached(ctx context.Context) string {
	v, _, err := s.deps.Store.GetGlobal(ctx, attrs.Global{Room: s.Room.Room, Participant: s.Self, Attr: attrs.AttrDisplayName})
	if err != nil {
		return ""
	}
	name, _ := v.(string)
	return name
}

// avatarCached reads back the avatar URL resolveAvatarURL wrote to the store
// at the start of HandleJoin (§3 "avatar_url?").
func (s *Session) avatarCached(ctx context.Context) *string {
	v, ok, err := s.deps.Store.GetLocal(ctx, attrs.Local{Room: s.Room, Participant: s.Self, Attr: attrs.AttrAvatarURL})
	if err != nil || !ok {
		return nil
	}
	if str, ok := v.(string); ok {
		return &str
	}
	return nil
}

// HandleRaiseHand and HandleLowerHand implement §4.5 "Raise/lower hand".
func (s *Session) HandleRaiseHand(ctx context.Context, raiseHandsEnabled bool) (*Outcome, error) {
	return s.setHand(ctx, true, raiseHandsEnabled)
}

func (s *Session) HandleLowerHand(ctx context.Context) (*Outcome, error) {
	return s.setHand(ctx, false, true)
}

func (s *Session) setHand(ctx context.Context, up bool, enabled bool) (*Outcome, error) {
	if s.State.Phase != PhaseJoined {
		return &Outcome{ToClient: []any{wire.Error{Kind: wire.ErrNotYetJoined}}}, nil
	}
	if up && !enabled {
		return &Outcome{ToClient: []any{wire.Error{Kind: wire.ErrRaiseHandsDisabled}}}, nil
	}

	now := s.deps.Now()
	if err := s.deps.Store.BulkActions(ctx, attrs.NewActions().
		SetLocal(attrs.Local{Room: s.Room, Participant: s.Self, Attr: attrs.AttrHandIsUp}, up).
		SetLocal(attrs.Local{Room: s.Room, Participant: s.Self, Attr: attrs.AttrHandUpdated}, now)); err != nil {
		return nil, err
	}

	kind := modules.BroadcastRaiseHand
	reply := any(wire.HandRaised{})
	if !up {
		kind = modules.BroadcastLowerHand
		reply = wire.HandLowered{}
	}

	mctx := &modules.Context{ParticipantID: s.Self, Role: s.Role, Now: now, Store: s.deps.Store, Room: s.Room}
	if err := s.deps.Registry.DispatchBroadcast(ctx, mctx, modules.BroadcastEvent{Kind: kind, Participant: s.Self}); err != nil {
		return nil, err
	}

	out := &Outcome{ToClient: []any{reply}}
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

// HandleGrantModeratorRole and HandleRevokeModeratorRole implement §4.5
// "Grant/revoke moderator".
func (s *Session) HandleGrantModeratorRole(ctx context.Context, target ids.ParticipantId) (*Outcome, error) {
	return s.changeModeratorRole(ctx, target, true)
}

func (s *Session) HandleRevokeModeratorRole(ctx context.Context, target ids.ParticipantId) (*Outcome, error) {
	return s.changeModeratorRole(ctx, target, false)
}

func (s *Session) changeModeratorRole(ctx context.Context, target ids.ParticipantId, grant bool) (*Outcome, error) {
	if s.State.Phase != PhaseJoined || s.Role != ids.RoleModerator {
		return &Outcome{ToClient: []any{wire.Error{Kind: wire.ErrInsufficientPermissions}}}, nil
	}

	targetRoleRaw, _, err := s.deps.Store.GetGlobal(ctx, attrs.Global{Room: s.Room.Room, Participant: target, Attr: attrs.AttrRole})
	if err != nil {
		return nil, err
	}
	targetRole, _ := targetRoleRaw.(string)
	isModerator := ids.Role(targetRole) == ids.RoleModerator
	if isModerator == grant {
		return &Outcome{ToClient: []any{wire.Error{Kind: wire.ErrNothingToDo}}}, nil
	}

	targetUserRaw, _, err := s.deps.Store.GetLocal(ctx, attrs.Local{Room: s.Room, Participant: target, Attr: attrs.AttrUserID})
	if err != nil {
		return nil, err
	}
	if targetUserID, ok := targetUserRaw.(string); ok {
		creator, ok, err := s.deps.Store.GetCreator(ctx, s.Room.Room)
		if err != nil {
			return nil, err
		}
		if ok && creator.CreatedBy != "" && ids.UserId(targetUserID) == creator.CreatedBy {
			return &Outcome{ToClient: []any{wire.Error{Kind: wire.ErrTargetIsRoomOwner}}}, nil
		}
	}

	now := s.deps.Now()
	s.publishExchange(ctx, wire.ModuleControl, exchange.GlobalRoomByParticipant(s.Room.Room, target),
		wire.ExchangeSetModeratorStatus, wire.SetModeratorStatus{Grant: grant}, now)

	reply := any(wire.ModeratorRoleGranted{Target: target})
	if !grant {
		reply = wire.ModeratorRoleRevoked{Target: target}
	}
	return &Outcome{ToClient: []any{reply}}, nil
}
