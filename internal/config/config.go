// Package config validates the process environment into a typed Config,
// failing fast with an aggregate error listing every problem at once.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration for the runner process.
type Config struct {
	// Required
	JWTSecret string
	RedisAddr string
	Port      string

	// Optional with defaults
	GoEnv         string
	LogLevel      string
	RedisPassword string

	Auth0Domain     string
	Auth0Audience   string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Room lock (§4.2)
	RoomLockTTL         time.Duration
	RoomLockRetryDelay  time.Duration
	RoomLockMaxAttempts int

	// Destruction protocol (§4.11)
	GracePeriod time.Duration

	// Skip-waiting-room TTL refresh (SPEC_FULL §3)
	SkipWaitingRoomTTL time.Duration

	// Resumption-token keepalive interval (SPEC_FULL §3)
	ResumptionKeepaliveInterval time.Duration

	// External collaborators (SPEC_FULL §4)
	TariffSQLDSN string
	CalendarAddr string

	RateLimitWsIp   string
	RateLimitWsUser string

	// Tracing (ambient stack): empty OtelCollectorAddr disables tracing.
	OtelCollectorAddr string
	OtelServiceName   string
}

// ValidateEnv validates all required environment variables and returns a
// Config, or an aggregate error naming every problem found.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
		slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
	} else if !isValidHostPort(cfg.RedisAddr) {
		errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.RoomLockTTL = getEnvDurationOrDefault("ROOM_LOCK_TTL", 5*time.Second, &errs, "ROOM_LOCK_TTL")
	cfg.RoomLockRetryDelay = getEnvDurationOrDefault("ROOM_LOCK_RETRY_DELAY", 25*time.Millisecond, &errs, "ROOM_LOCK_RETRY_DELAY")
	cfg.RoomLockMaxAttempts = getEnvIntOrDefault("ROOM_LOCK_MAX_ATTEMPTS", 40, &errs, "ROOM_LOCK_MAX_ATTEMPTS")

	cfg.GracePeriod = getEnvDurationOrDefault("GRACE_PERIOD", 5*time.Second, &errs, "GRACE_PERIOD")
	cfg.SkipWaitingRoomTTL = getEnvDurationOrDefault("SKIP_WAITING_ROOM_TTL", 30*24*time.Hour, &errs, "SKIP_WAITING_ROOM_TTL")
	cfg.ResumptionKeepaliveInterval = getEnvDurationOrDefault("RESUMPTION_KEEPALIVE_INTERVAL", 60*time.Second, &errs, "RESUMPTION_KEEPALIVE_INTERVAL")

	cfg.TariffSQLDSN = os.Getenv("TARIFF_SQL_DSN")
	cfg.CalendarAddr = os.Getenv("CALENDAR_ADDR")

	cfg.RateLimitWsIp = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")
	cfg.OtelServiceName = getEnvOrDefault("OTEL_SERVICE_NAME", "signaling-runner")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	return parts[0] != ""
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated successfully")
	slog.Info("configuration",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"room_lock_ttl", cfg.RoomLockTTL,
		"grace_period", cfg.GracePeriod,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration, errs *[]string, name string) time.Duration {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be a valid duration (got '%s')", name, raw))
		return defaultValue
	}
	return d
}

func getEnvIntOrDefault(key string, defaultValue int, errs *[]string, name string) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be an integer (got '%s')", name, raw))
		return defaultValue
	}
	return n
}

// redactSecret shows only the first 8 characters of a secret.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
