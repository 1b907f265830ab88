package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/rs/zerolog"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// CycleContext attaches a logger tagged with a fresh cycle id and the strategy
// to ctx. Everything below the scheduler tick logs through FromContext.
func CycleContext(ctx context.Context, logger zerolog.Logger, strategyID int64, kind string) (context.Context, zerolog.Logger) {
	l := logger.With().
		Str("cycle_id", GenerateTraceID()).
		Str("cycle", kind).
		Int64("strategy_id", strategyID).
		Logger()
	return l.WithContext(ctx), l
}

// FromContext retrieves the logger from context, falling back to the given one
func FromContext(ctx context.Context, fallback zerolog.Logger) zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return *l
	}
	return fallback
}
