// Package health exposes liveness and readiness probes for the runner
// process: liveness never checks dependencies, readiness checks Redis and
// the calendar collaborator.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/opencloud-community/ot-controller-sub000/internal/logging"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// GRPCChecker checks a gRPC collaborator's health endpoint.
type GRPCChecker interface {
	Check(ctx context.Context, addr string) string
}

// DefaultGRPCChecker dials a gRPC health service and reports its status.
type DefaultGRPCChecker struct{}

func (c *DefaultGRPCChecker) Check(ctx context.Context, addr string) string {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		logging.Error(ctx, "failed to connect for health check", zap.Error(err), zap.String("addr", addr))
		return "unhealthy"
	}
	defer func() { _ = conn.Close() }()

	healthClient := healthpb.NewHealthClient(conn)
	resp, err := healthClient.Check(ctx, &healthpb.HealthCheckRequest{Service: ""})
	if err != nil {
		logging.Error(ctx, "grpc health check rpc failed", zap.Error(err))
		return "unhealthy"
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		logging.Warn(ctx, "collaborator not serving", zap.String("status", resp.Status.String()))
		return "unhealthy"
	}
	return "healthy"
}

// Handler serves the /health/live and /health/ready endpoints.
type Handler struct {
	redisClient  *redis.Client
	calendarAddr string
	calendarOn   bool
	checker      GRPCChecker
}

// NewHandler builds a Handler. calendarAddr may be empty, in which case the
// calendar collaborator check is skipped.
func NewHandler(redisClient *redis.Client, calendarAddr string) *Handler {
	return &Handler{
		redisClient:  redisClient,
		calendarAddr: calendarAddr,
		calendarOn:   calendarAddr != "",
		checker:      &DefaultGRPCChecker{},
	}
}

type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness returns 200 if the process is alive, with no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness returns 200 only if Redis (and the calendar collaborator, when
// enabled) are reachable.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	if h.calendarOn {
		calStatus := h.checker.Check(ctx, h.calendarAddr)
		checks["calendar"] = calStatus
		if calStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redisClient == nil {
		return "healthy"
	}
	if err := h.redisClient.Ping(ctx).Err(); err != nil {
		logging.Error(ctx, "redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
