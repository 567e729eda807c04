// Package runner implements the per-participant Runner Event Loop (§4.7)
// and Destruction Protocol (§4.11): the process that owns one WebSocket
// connection's control.Session, wires it to the Attribute Store, Room Lock,
// Message Exchange and Module Registry, and tears the participant back out
// of shared state exactly once on disconnect.
package runner

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/opencloud-community/ot-controller-sub000/internal/calendar"
	"github.com/opencloud-community/ot-controller-sub000/internal/callin"
	"github.com/opencloud-community/ot-controller-sub000/internal/logging"
	"github.com/opencloud-community/ot-controller-sub000/internal/metrics"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/attrs"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/control"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/exchange"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/modules"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/roomlock"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/wire"
	"github.com/opencloud-community/ot-controller-sub000/internal/tariffsql"
	"go.uber.org/zap"
)

// Config bundles runner-lifetime tunables that don't belong to any single
// collaborator's own config (SPEC_FULL §5).
type Config struct {
	Control                        control.Config
	GracePeriod                    time.Duration
	ResumptionKeepaliveInterval    time.Duration
	SkipWaitingRoomRefreshInterval time.Duration
}

// Deps bundles every collaborator a Runner needs to build and drive a
// session end to end.
type Deps struct {
	Store           attrs.Store
	RoomLock        roomlock.Locker
	ParticipantLock control.ParticipantLocker
	Exchange        exchange.Exchange
	Registry        *modules.Registry
	Tariffs         tariffsql.Lookup
	Calendar        calendar.Resolver
	Callin          callin.Resolver
	Config          Config
	Now             func() time.Time
}

// ClientSink abstracts the WebSocket framing so this package never imports
// gorilla/websocket directly; the wsactor package implements it.
type ClientSink interface {
	Send(ctx context.Context, env wire.Envelope) error
	Close(ctx context.Context, code wire.CloseCode, reason wire.LeaveReason) error
}

// JoinContext carries the pieces of identity resolved once at connection
// handshake (JWT claims, invitation lookup, room-creator lookup) that
// HandleJoin needs but that never travel over the wire in a Join command
// (§4.5 "None + Join").
type JoinContext struct {
	StoredDisplayName string
	StoredEmail       string
	InviteRole        *ids.Role
	CreatedBy         ids.UserId
}

// Runner is the live, per-connection object: one control.Session plus the
// collaborator handles and exchange subscription the event loop polls.
type Runner struct {
	deps     Deps
	self     ids.ParticipantId
	runnerID ids.RunnerId
	room     ids.SignalingRoomId
	kind     ids.ParticipantKind

	session         *control.Session
	sub             exchange.Subscription
	client          ClientSink
	joinCtx         JoinContext
	resumptionToken string

	destroyed bool
}

// newResumptionToken generates an opaque per-runner resumption token (§5).
func newResumptionToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// subscriptionKeys computes the fixed routing-key set a runner subscribes
// to at builder time, based on participant kind (§4.3).
func subscriptionKeys(room ids.SignalingRoomId, self ids.ParticipantId, kind ids.ParticipantKind) []exchange.RoutingKey {
	keys := []exchange.RoutingKey{
		exchange.CurrentRoomAllParticipants(room),
		exchange.CurrentRoomByParticipant(room, self),
		exchange.GlobalRoomAllParticipants(room.Room),
		exchange.GlobalRoomByParticipant(room.Room, self),
	}
	if uid, ok := kind.UserID(); ok {
		keys = append(keys,
			exchange.GlobalRoomByUser(room.Room, uid),
			exchange.CurrentRoomByUser(room, uid),
		)
	}
	if kind.Hidden() {
		keys = append(keys, exchange.CurrentRoomAllRecorders(room))
	}
	return keys
}

// Build acquires the ParticipantId runner-ownership lock, opens the fixed
// exchange subscription for this participant kind, and constructs the
// control session. Lock acquisition failure is fatal to the builder and
// must surface as a startup error (§5).
func Build(ctx context.Context, deps Deps, self ids.ParticipantId, runnerID ids.RunnerId, room ids.SignalingRoomId, kind ids.ParticipantKind, client ClientSink, joinCtx JoinContext) (*Runner, error) {
	if err := deps.ParticipantLock.LockParticipant(ctx, self, runnerID); err != nil {
		return nil, err
	}

	sub, err := deps.Exchange.Subscribe(ctx, subscriptionKeys(room, self, kind))
	if err != nil {
		_ = deps.ParticipantLock.UnlockParticipant(ctx, self, runnerID)
		return nil, err
	}

	token, err := newResumptionToken()
	if err != nil {
		_ = sub.Close()
		_ = deps.ParticipantLock.UnlockParticipant(ctx, self, runnerID)
		return nil, err
	}
	if _, err := deps.Store.ClaimResumptionToken(ctx, self, token, runnerID, deps.Config.ResumptionKeepaliveInterval*3); err != nil {
		_ = sub.Close()
		_ = deps.ParticipantLock.UnlockParticipant(ctx, self, runnerID)
		return nil, err
	}

	sessionDeps := control.Deps{
		Store:    deps.Store,
		RoomLock: deps.RoomLock,
		Exchange: deps.Exchange,
		Registry: deps.Registry,
		Tariffs:  deps.Tariffs,
		Calendar: deps.Calendar,
		Callin:   deps.Callin,
		Config:   deps.Config.Control,
		Now:      deps.Now,
	}

	r := &Runner{
		deps:     deps,
		self:     self,
		runnerID: runnerID,
		room:     room,
		kind:     kind,
		session:  control.NewSession(sessionDeps, self, runnerID, room, kind),
		sub:             sub,
		client:          client,
		joinCtx:         joinCtx,
		resumptionToken: token,
	}

	mctx := &modules.Context{ParticipantID: self, Now: deps.Now(), Store: deps.Store, Room: room}
	if err := deps.Registry.InitAll(ctx, mctx); err != nil {
		_ = sub.Close()
		_ = deps.ParticipantLock.UnlockParticipant(ctx, self, runnerID)
		return nil, err
	}

	metrics.ActiveRunners.Inc()
	return r, nil
}

// deliver sends every outbound payload an Outcome accumulated, then closes
// the connection if the Outcome requested an exit.
func (r *Runner) deliver(ctx context.Context, out *control.Outcome) (bool, error) {
	if out == nil {
		return false, nil
	}
	now := r.deps.Now()
	for _, payload := range out.ToClient {
		inner, err := wire.NewControlEnvelope(payload)
		if err != nil {
			return false, err
		}
		env, err := wire.NewEnvelope(wire.ModuleControl, now, inner)
		if err != nil {
			return false, err
		}
		if err := r.client.Send(ctx, env); err != nil {
			return false, err
		}
	}
	if out.Exit != nil {
		if err := r.client.Close(ctx, out.Exit.Code, out.Exit.Reason); err != nil {
			logging.Warn(ctx, "error closing client connection", zap.Error(err))
		}
		return true, nil
	}
	return false, nil
}
