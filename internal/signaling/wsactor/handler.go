package wsactor

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/opencloud-community/ot-controller-sub000/internal/authn"
	"github.com/opencloud-community/ot-controller-sub000/internal/logging"
	"github.com/opencloud-community/ot-controller-sub000/internal/metrics"
	"github.com/opencloud-community/ot-controller-sub000/internal/ratelimit"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/runner"
	"github.com/opencloud-community/ot-controller-sub000/internal/tariffsql"
	"go.uber.org/zap"
)

// Handler upgrades authenticated requests to signaling WebSocket connections
// and builds the per-participant Runner (the teacher's Hub.ServeWs,
// generalized from one video-conference room to this protocol's
// main-room/breakout/waiting-room topology).
type Handler struct {
	Validator      authn.Validator
	Limiter        *ratelimit.Limiter
	Deps           runner.Deps
	AllowedOrigins []string
	// Shutdown is closed when the process begins graceful shutdown; every
	// live Runner's event loop observes it and exits with LeaveQuit (§4.7).
	Shutdown <-chan struct{}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.AllowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

// resolveKind maps the JWT's role claim to a ParticipantKind. Absent a
// recognized role, the connection is treated as an authenticated user.
func resolveKind(claims *authn.CustomClaims) ids.ParticipantKind {
	switch claims.Role {
	case "guest":
		return ids.KindGuest()
	case "sip":
		return ids.KindSip()
	case "recorder":
		return ids.KindRecorder()
	default:
		return ids.KindUser(claims.UserID())
	}
}

// resolveSignalingRoom builds the SignalingRoomId for the request: the main
// room, or a breakout sub-room if the client supplied one.
func resolveSignalingRoom(roomParam, breakoutParam string) ids.SignalingRoomId {
	room := ids.RoomId(roomParam)
	if breakoutParam == "" {
		return ids.Main(room)
	}
	return ids.Breakout(room, ids.BreakoutRoomId(breakoutParam))
}

// ServeWs authenticates the participant, upgrades the connection, and
// builds + drives its Runner for the life of the WebSocket.
func (h *Handler) ServeWs(c *gin.Context) {
	if !h.Limiter.CheckIP(c) {
		return
	}

	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}
	claims, err := h.Validator.ValidateToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	ctx := c.Request.Context()
	if err := h.Limiter.CheckUser(ctx, claims.UserID()); err != nil {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
		return
	}

	room := resolveSignalingRoom(c.Param("roomId"), c.Query("breakout"))

	createdBy, err := h.Deps.Tariffs.CreatorForRoom(ctx, room.Room)
	if err != nil && err != tariffsql.ErrNotFound {
		logging.Error(ctx, "failed to resolve room creator", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room lookup failed"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
		WriteBufferPool: &sync.Pool{
			New: func() any { return make([]byte, 4096) },
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(ctx, "failed to upgrade connection", zap.Error(err))
		return
	}

	self := ids.ParticipantId(uuid.New().String())
	runnerID := ids.RunnerId(uuid.New().String())
	kind := resolveKind(claims)

	logCtx := logging.WithFields(context.Background(), c.GetString(string(logging.CorrelationIDKey)), string(runnerID), string(self), room.String())

	client := NewClient(conn)
	go client.WritePump()
	go client.ReadPump(logCtx)

	joinCtx := runner.JoinContext{
		StoredDisplayName: claims.Name,
		StoredEmail:       claims.Email,
		CreatedBy:         createdBy,
	}

	rn, err := runner.Build(logCtx, h.Deps, self, runnerID, room, kind, client, joinCtx)
	if err != nil {
		logging.Error(logCtx, "failed to build runner", zap.Error(err))
		_ = client.Close(logCtx, 0, "")
		return
	}

	metrics.WebsocketEvents.WithLabelValues("connect", "accepted").Inc()

	code, reason := rn.Run(logCtx, client.Inbound, h.Shutdown)
	_ = client.Close(logCtx, code, reason)
	rn.Destroy(context.Background(), h.Shutdown)
}
