package wsactor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/opencloud-community/ot-controller-sub000/internal/authn"
	"github.com/opencloud-community/ot-controller-sub000/internal/calendar"
	"github.com/opencloud-community/ot-controller-sub000/internal/config"
	"github.com/opencloud-community/ot-controller-sub000/internal/ratelimit"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/attrs"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/control"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/exchange"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/modules"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/roomlock"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/runner"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/wire"
	"github.com/opencloud-community/ot-controller-sub000/internal/tariffsql"
	"github.com/stretchr/testify/require"
)

func newTestHandlerServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{RateLimitWsIp: "1000-S", RateLimitWsUser: "1000-S"}
	limiter, err := ratelimit.New(cfg, nil)
	require.NoError(t, err)

	deps := runner.Deps{
		Store:           attrs.NewMemoryStore(),
		RoomLock:        roomlock.NewMemoryLocker(),
		ParticipantLock: control.NewMemoryParticipantLocker(),
		Exchange:        exchange.NewMemoryExchange(),
		Registry:        modules.NewRegistry(),
		Tariffs:         tariffsql.NewFakeLookup(),
		Calendar:        calendar.NewFakeResolver(),
		Config: runner.Config{
			Control: control.Config{WaitingRoomEnabledDefault: true, SkipWaitingRoomTTL: time.Minute},
			ResumptionKeepaliveInterval: time.Minute,
		},
		Now: time.Now,
	}

	h := &Handler{
		Validator:      &authn.DevValidator{},
		Limiter:        limiter,
		Deps:           deps,
		AllowedOrigins: []string{"http://localhost"},
		Shutdown:       make(chan struct{}),
	}

	r := gin.New()
	r.GET("/ws/:roomId", h.ServeWs)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dialWs(t *testing.T, srv *httptest.Server, roomID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + roomID + "?token=test-token"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	return conn
}

func TestServeWs_UpgradesAndHandlesJoin(t *testing.T) {
	srv := newTestHandlerServer(t)
	conn := dialWs(t, srv, "room-1")
	defer conn.Close()

	cmd := wire.Command{Action: wire.CmdJoin}
	payload, err := json.Marshal(cmd)
	require.NoError(t, err)
	env, err := wire.NewEnvelope(wire.ModuleControl, time.Now(), payload)
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var gotEnv wire.Envelope
	require.NoError(t, json.Unmarshal(msg, &gotEnv))
	require.Equal(t, wire.ModuleControl, gotEnv.Module)
}

func TestServeWs_RejectsMissingToken(t *testing.T) {
	srv := newTestHandlerServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/room-1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestServeWs_RejectsDisallowedOrigin(t *testing.T) {
	srv := newTestHandlerServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/room-1?token=test-token"
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
}
