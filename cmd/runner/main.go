package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	otelgin "go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/opencloud-community/ot-controller-sub000/internal/authn"
	"github.com/opencloud-community/ot-controller-sub000/internal/calendar"
	"github.com/opencloud-community/ot-controller-sub000/internal/callin"
	"github.com/opencloud-community/ot-controller-sub000/internal/config"
	"github.com/opencloud-community/ot-controller-sub000/internal/health"
	"github.com/opencloud-community/ot-controller-sub000/internal/logging"
	"github.com/opencloud-community/ot-controller-sub000/internal/middleware"
	"github.com/opencloud-community/ot-controller-sub000/internal/ratelimit"
	"github.com/opencloud-community/ot-controller-sub000/internal/tracing"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/attrs"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/control"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/exchange"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/modules"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/roomlock"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/runner"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/wsactor"
	"github.com/opencloud-community/ot-controller-sub000/internal/tariffsql"
)

func main() {
	for _, path := range []string{".env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		panic(err)
	}
	logger := logging.GetLogger()
	defer logger.Sync()

	ctx := context.Background()

	tp, err := tracing.InitTracer(ctx, cfg.OtelServiceName, cfg.OtelCollectorAddr)
	if err != nil {
		logging.Fatal(ctx, "failed to init tracer", zap.Error(err))
	}
	if tp != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logging.Error(ctx, "tracer shutdown failed", zap.Error(err))
			}
		}()
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" && !cfg.DevelopmentMode {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logging.Fatal(ctx, "failed to reach redis", zap.Error(err))
		}
	}

	var store attrs.Store
	var locker roomlock.Locker
	var participantLocker control.ParticipantLocker
	var xchg exchange.Exchange
	if redisClient != nil {
		store = attrs.NewRedisStore(redisClient)
		locker = roomlock.NewRedisLocker(redisClient, cfg.RoomLockTTL, cfg.RoomLockRetryDelay, cfg.RoomLockMaxAttempts)
		participantLocker = control.NewRedisParticipantLocker(redisClient, cfg.RoomLockTTL)
		xchg = exchange.NewRedisExchange(redisClient)
		logging.Info(ctx, "signaling store backed by redis")
	} else {
		store = attrs.NewMemoryStore()
		locker = roomlock.NewMemoryLocker()
		participantLocker = control.NewMemoryParticipantLocker()
		xchg = exchange.NewMemoryExchange()
		logging.Warn(ctx, "signaling store using in-memory backend (redis disabled)")
	}

	var validator authn.Validator
	if cfg.SkipAuth {
		logging.Warn(ctx, "authentication DISABLED, do not use in production")
		validator = &authn.DevValidator{}
	} else {
		if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
			logging.Fatal(ctx, "AUTH0_DOMAIN and AUTH0_AUDIENCE must be set when SKIP_AUTH=false")
		}
		v, err := authn.NewJWKSValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			logging.Fatal(ctx, "failed to build jwks validator", zap.Error(err))
		}
		validator = v
	}

	limiter, err := ratelimit.New(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "failed to build rate limiter", zap.Error(err))
	}

	// No SQL-backed tariff/calendar/call-in implementation exists yet; the
	// fakes satisfy the same contracts until one is wired in.
	tariffs := tariffsql.NewFakeLookup()
	cal := calendar.NewFakeResolver()
	dialIn := callin.NewFakeResolver()

	registry := modules.NewRegistry()

	shutdown := make(chan struct{})

	allowedOrigins := []string{"http://localhost:3000"}
	if cfg.AllowedOrigins != "" {
		allowedOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}

	runnerDeps := runner.Deps{
		Store:           store,
		RoomLock:        locker,
		ParticipantLock: participantLocker,
		Exchange:        xchg,
		Registry:        registry,
		Tariffs:         tariffs,
		Calendar:        cal,
		Callin:          dialIn,
		Config: runner.Config{
			Control: control.Config{
				WaitingRoomEnabledDefault: true,
				SkipWaitingRoomTTL:        cfg.SkipWaitingRoomTTL,
			},
			GracePeriod:                    cfg.GracePeriod,
			ResumptionKeepaliveInterval:    cfg.ResumptionKeepaliveInterval,
			SkipWaitingRoomRefreshInterval: cfg.SkipWaitingRoomTTL,
		},
		Now: time.Now,
	}

	wsHandler := &wsactor.Handler{
		Validator:      validator,
		Limiter:        limiter,
		Deps:           runnerDeps,
		AllowedOrigins: allowedOrigins,
		Shutdown:       shutdown,
	}

	healthHandler := health.NewHandler(redisClient, cfg.CalendarAddr)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.OtelServiceName))
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))

	router.GET("/ws/:roomId", wsHandler.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", healthHandler.Liveness)
	router.GET("/readyz", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "signaling runner listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	// Signal every live Runner's event loop to exit with LeaveQuit (§4.7)
	// before the HTTP server stops accepting new upgrades.
	close(shutdown)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "graceful shutdown failed", zap.Error(err))
	}
}
