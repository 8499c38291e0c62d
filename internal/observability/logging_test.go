package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/sampark/internal/config"
)

func TestNewLogger_levels(t *testing.T) {
	tests := []struct {
		level    string
		enabled  zapcore.Level
		disabled zapcore.Level
	}{
		{"debug", zapcore.DebugLevel, zapcore.DebugLevel - 1},
		{"info", zapcore.InfoLevel, zapcore.DebugLevel},
		{"warn", zapcore.WarnLevel, zapcore.InfoLevel},
		{"error", zapcore.ErrorLevel, zapcore.WarnLevel},
		{"loud", zapcore.InfoLevel, zapcore.DebugLevel},
		{"", zapcore.InfoLevel, zapcore.DebugLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewLogger(config.ObservabilityConfig{LogLevel: tt.level})
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			defer func() { _ = logger.Sync() }()

			if !logger.Core().Enabled(tt.enabled) {
				t.Errorf("%v should be enabled", tt.enabled)
			}
			if logger.Core().Enabled(tt.disabled) {
				t.Errorf("%v should be disabled", tt.disabled)
			}
		})
	}
}

func TestLoggerFrom(t *testing.T) {
	fallback := zap.NewNop()
	if got := LoggerFrom(context.Background(), fallback); got != fallback {
		t.Error("empty context should yield the fallback")
	}

	stored := zap.NewExample()
	if got := LoggerFrom(WithLogger(context.Background(), stored), fallback); got != stored {
		t.Error("stored logger not returned")
	}
}

func TestRequestLogger_tagsRequestAndTrace(t *testing.T) {
	setupTestTracer(t)
	core, logs := observer.New(zapcore.InfoLevel)

	var traceID, spanID string
	handler := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := StartSpan(r.Context(), "submit")
		defer span.End()
		traceID, spanID = SpanIDs(ctx)
		RequestLogger(WithLogger(ctx, zap.New(core)), nil).Info("trigger accepted")
	}))
	req := httptest.NewRequest(http.MethodPost, "/v1/triggers", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-42")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if logs.Len() != 1 {
		t.Fatalf("entries = %d, want 1", logs.Len())
	}
	fields := logs.All()[0].ContextMap()
	want := map[string]string{"request_id": "req-42", "trace_id": traceID, "span_id": spanID}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("%s = %v, want %q", k, fields[k], v)
		}
	}
	if traceID == "" || spanID == "" {
		t.Error("span ids should be set inside a span")
	}
}

func TestRequestLogger_bareContext(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	RequestLogger(context.Background(), zap.New(core)).Info("no context")

	fields := logs.All()[0].ContextMap()
	if len(fields) != 0 {
		t.Errorf("fields = %v, want none", fields)
	}
}

func TestPayloadField_redacts(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	payload := map[string]any{
		"body":     "my invoice is wrong",
		"Password": "hunter2",
		"sender": map[string]any{
			"name":    "Jane",
			"api_key": "k-1",
		},
		"attachments": []any{
			map[string]any{"name": "scan.pdf", "token": "t-1"},
			"inline",
		},
	}
	zap.New(core).Debug("trigger received", PayloadField("payload", payload))

	logged, ok := logs.All()[0].ContextMap()["payload"].(map[string]any)
	if !ok {
		t.Fatalf("payload = %T, want a map", logs.All()[0].ContextMap()["payload"])
	}
	if logged["body"] != "my invoice is wrong" {
		t.Errorf("body = %v", logged["body"])
	}
	if logged["Password"] != Redacted {
		t.Errorf("Password = %v, want redacted", logged["Password"])
	}
	sender := logged["sender"].(map[string]any)
	if sender["name"] != "Jane" || sender["api_key"] != Redacted {
		t.Errorf("sender = %v", sender)
	}
	attachments := logged["attachments"].([]any)
	if first := attachments[0].(map[string]any); first["token"] != Redacted || first["name"] != "scan.pdf" {
		t.Errorf("attachment = %v", first)
	}
	if attachments[1] != "inline" {
		t.Errorf("attachments[1] = %v", attachments[1])
	}

	if payload["Password"] != "hunter2" {
		t.Error("original payload was mutated")
	}
}

func TestPayloadField_nil(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	zap.New(core).Debug("empty", PayloadField("payload", nil))
	if _, ok := logs.All()[0].ContextMap()["payload"]; ok {
		t.Error("nil payload should be skipped")
	}
}
