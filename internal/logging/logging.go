// Package logging wraps zap with the context-scoped fields the signaling
// runner needs on every line: correlation id, participant id, room id.
package logging

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

type contextKey string

const (
	CorrelationIDKey  contextKey = "correlation_id"
	ParticipantIDKey  contextKey = "participant_id"
	RoomIDKey         contextKey = "room_id"
	RunnerIDKey       contextKey = "runner_id"
)

// Initialize sets up the global logger. development selects a human-readable
// console encoder; production selects JSON with ISO8601 timestamps.
func Initialize(development bool) error {
	var err error
	once.Do(func() {
		var config zap.Config
		if development {
			config = zap.NewDevelopmentConfig()
			config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			config = zap.NewProductionConfig()
			config.EncoderConfig.TimeKey = "timestamp"
			config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		}

		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}

		logger, err = config.Build(zap.AddCallerSkip(1))
	})
	return err
}

// GetLogger returns the global logger, falling back to a development logger
// if Initialize was never called (tests).
func GetLogger() *zap.Logger {
	if logger == nil {
		l, _ := zap.NewDevelopment()
		return l
	}
	return logger
}

// WithFields returns a context carrying the given scoping fields for
// subsequent Info/Warn/Error/Fatal calls.
func WithFields(ctx context.Context, correlationID, runnerID, participantID, roomID string) context.Context {
	if correlationID != "" {
		ctx = context.WithValue(ctx, CorrelationIDKey, correlationID)
	}
	if runnerID != "" {
		ctx = context.WithValue(ctx, RunnerIDKey, runnerID)
	}
	if participantID != "" {
		ctx = context.WithValue(ctx, ParticipantIDKey, participantID)
	}
	if roomID != "" {
		ctx = context.WithValue(ctx, RoomIDKey, roomID)
	}
	return ctx
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Info(msg, appendContextFields(ctx, fields)...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, appendContextFields(ctx, fields)...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Error(msg, appendContextFields(ctx, fields)...)
}

func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, appendContextFields(ctx, fields)...)
}

func appendContextFields(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}

	if cid, ok := ctx.Value(CorrelationIDKey).(string); ok {
		fields = append(fields, zap.String("correlation_id", cid))
	}
	if rid, ok := ctx.Value(RunnerIDKey).(string); ok {
		fields = append(fields, zap.String("runner_id", rid))
	}
	if pid, ok := ctx.Value(ParticipantIDKey).(string); ok {
		fields = append(fields, zap.String("participant_id", pid))
	}
	if room, ok := ctx.Value(RoomIDKey).(string); ok {
		fields = append(fields, zap.String("room_id", room))
	}

	fields = append(fields, zap.String("service", "signaling-runner"))

	return fields
}

// RedactDisplayName masks a participant display name down to its initial,
// for log lines that must not leak PII at non-debug levels (§7).
func RedactDisplayName(name string) string {
	if len(name) == 0 {
		return ""
	}
	r := []rune(name)
	return string(r[0]) + "***"
}

// RedactEmail masks the local part of an email address.
func RedactEmail(email string) string {
	if len(email) == 0 {
		return ""
	}
	atIndex := -1
	for i, c := range email {
		if c == '@' {
			atIndex = i
			break
		}
	}
	if atIndex > 0 {
		return "***" + email[atIndex:]
	}
	return "***"
}
