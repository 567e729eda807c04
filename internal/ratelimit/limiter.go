// Package ratelimit throttles WebSocket connection attempts, by IP before
// authentication and by UserId after, using Redis when available and an
// in-memory store otherwise.
package ratelimit

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/opencloud-community/ot-controller-sub000/internal/config"
	"github.com/opencloud-community/ot-controller-sub000/internal/logging"
	"github.com/opencloud-community/ot-controller-sub000/internal/metrics"
	"github.com/opencloud-community/ot-controller-sub000/internal/signaling/ids"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// Limiter enforces the admission-time connection rate limits ahead of the
// control protocol's own tariff enforcement (§4.6).
type Limiter struct {
	wsIP   *limiter.Limiter
	wsUser *limiter.Limiter
}

// New builds a Limiter backed by redisClient, or an in-memory store if
// redisClient is nil (development without Redis).
func New(cfg *config.Config, redisClient *redis.Client) (*Limiter, error) {
	ipRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIp)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}
	userRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsUser)
	if err != nil {
		return nil, fmt.Errorf("invalid WS user rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "signaling:limiter:"})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (redis disabled or unavailable)")
	}

	return &Limiter{
		wsIP:   limiter.New(store, ipRate),
		wsUser: limiter.New(store, userRate),
	}, nil
}

// CheckIP returns false (and writes a 429 response) if the client IP has
// exceeded its connection-attempt rate, before the upgrade and before
// authentication.
func (l *Limiter) CheckIP(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()
	res, err := l.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed (ip)", zap.Error(err))
		return true
	}
	if res.Reached {
		metrics.WebsocketEvents.WithLabelValues("connect", "rate_limited_ip").Inc()
		c.JSON(429, gin.H{"error": "too many connection attempts from this IP"})
		return false
	}
	return true
}

// CheckUser enforces the per-UserId connection rate after authentication
// succeeds.
func (l *Limiter) CheckUser(ctx context.Context, userID ids.UserId) error {
	res, err := l.wsUser.Get(ctx, string(userID))
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed (user)", zap.Error(err))
		return nil
	}
	if res.Reached {
		metrics.WebsocketEvents.WithLabelValues("connect", "rate_limited_user").Inc()
		return fmt.Errorf("rate limit exceeded for user %s", userID)
	}
	return nil
}
