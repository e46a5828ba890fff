// Package logging constructs the process-wide zap logger and the small
// derivation helpers the rest of the pipeline uses to attach correlation
// fields (session id, turn id) to every line.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-style zap logger at the given level.
// levelName is one of DEBUG/INFO/WARNING/ERROR per global_settings.log_level;
// unrecognized values fall back to INFO.
func New(levelName string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(levelName))
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARNING", "WARN":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ForSession derives a child logger carrying the session id field.
func ForSession(base *zap.Logger, sessionID string) *zap.Logger {
	return base.With(zap.String("session_id", sessionID))
}

// ForTurn derives a child logger carrying the turn id field, nested under a
// session-scoped logger.
func ForTurn(sessionLogger *zap.Logger, turnID string) *zap.Logger {
	return sessionLogger.With(zap.String("turn_id", turnID))
}
