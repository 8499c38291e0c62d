package observability

import (
	"context"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/sampark/internal/config"
)

type loggerKey struct{}

// NewLogger builds the process logger: JSON to stdout, ISO8601 timestamps,
// and the build version on every entry. An unparseable level falls back to
// info.
//
// Levels are used as follows:
//   - error: infrastructure failures (store or redis down, lost leases), 5xx responses
//   - warn:  client errors, rejected triggers, failed notification delivery
//   - info:  requests, run creation, committed transitions
//   - debug: queue operations, slot hand-off, trigger payloads
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.Sampling = nil
	zapCfg.EncoderConfig.TimeKey = "timestamp"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	zapCfg.InitialFields = map[string]any{"version": Version}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger, or fallback, tagged with the
// request id and trace ids carried by ctx.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	fields := make([]zap.Field, 0, 3)
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		fields = append(fields, zap.String("request_id", reqID))
	}
	if traceID, spanID := SpanIDs(ctx); traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID), zap.String("span_id", spanID))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

// redactedKeys are payload keys whose values never reach the log. Matching
// is case-insensitive.
var redactedKeys = map[string]struct{}{
	"password":      {},
	"secret":        {},
	"token":         {},
	"access_token":  {},
	"refresh_token": {},
	"api_key":       {},
	"authorization": {},
	"credit_card":   {},
	"ssn":           {},
	"pin":           {},
	"otp":           {},
}

// Redacted is the placeholder logged in place of a sensitive value.
const Redacted = "[REDACTED]"

// PayloadField logs a trigger payload under key with sensitive values
// replaced, including inside nested objects and arrays.
func PayloadField(key string, payload map[string]any) zap.Field {
	if payload == nil {
		return zap.Skip()
	}
	return zap.Any(key, redactMap(payload))
}

func redactMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if _, sensitive := redactedKeys[strings.ToLower(k)]; sensitive {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return redactMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}
