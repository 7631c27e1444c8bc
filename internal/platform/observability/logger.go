package observability

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/koppeltag/api/internal/platform/requestctx"
)

// NewLogger builds a JSON zap logger using Cloud Logging field names. LOG_LEVEL selects the
// level and defaults to info.
func NewLogger() (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))); raw != "" {
		_ = level.UnmarshalText([]byte(raw))
	}

	cfg := zap.Config{
		Level:    level,
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:    "message",
			TimeKey:       "timestamp",
			LevelKey:      "severity",
			CallerKey:     "caller",
			StacktraceKey: "stacktrace",
			EncodeTime:    zapcore.RFC3339NanoTimeEncoder,
			EncodeCaller:  zapcore.ShortCallerEncoder,
			EncodeLevel: func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
				enc.AppendString(strings.ToUpper(l.String()))
			},
		},
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	return cfg.Build()
}

// EventLogger adapts a zap logger to the logging hook services accept. Entries carry the trace
// id of the request that produced them.
func EventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		zfields := make([]zap.Field, 0, len(fields)+1)
		for k, v := range fields {
			zfields = append(zfields, zap.Any(k, v))
		}
		if traceID := requestctx.TraceID(ctx); traceID != "" {
			zfields = append(zfields, zap.String("trace_id", traceID))
		}
		logger.Debug(event, zfields...)
	}
}
