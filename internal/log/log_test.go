package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"loud":    slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_JSONIncludesComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: slog.LevelInfo, Format: "json", Component: ComponentWorkflow, Output: &buf})

	logger.Info("step changed", FieldStep, "Sort")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if rec[FieldComponent] != ComponentWorkflow {
		t.Errorf("component = %v, want %q", rec[FieldComponent], ComponentWorkflow)
	}
	if rec[FieldStep] != "Sort" {
		t.Errorf("step = %v, want Sort", rec[FieldStep])
	}
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: slog.LevelWarn, Output: &buf})

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info record written at warn level: %s", buf.String())
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: "json", Output: &buf}).WithComponent(ComponentVision)

	if logger.Component() != ComponentVision {
		t.Errorf("Component() = %q", logger.Component())
	}
	logger.Info("called")
	if strings.Count(buf.String(), `"component"`) != 1 {
		t.Errorf("expected a single component field, got %s", buf.String())
	}
}

func TestFromContext(t *testing.T) {
	logger := Discard()
	ctx := NewContext(context.Background(), logger)
	if FromContext(ctx) != logger {
		t.Error("FromContext did not return the stored logger")
	}
	if FromContext(context.Background()).Component() != "unknown" {
		t.Error("FromContext without logger should fall back to default")
	}
}

func TestMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: "json", Output: &buf, Component: ComponentHTTP})

	var seen *Logger
	h := Middleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if seen == nil || seen.Component() != ComponentHTTP {
		t.Fatalf("handler did not receive request logger")
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry[FieldStatusCode] != float64(http.StatusTeapot) {
		t.Errorf("status_code = %v, want 418", entry[FieldStatusCode])
	}
	if id, _ := entry[FieldRequestID].(string); !strings.HasPrefix(id, "req_") {
		t.Errorf("request_id = %v", entry[FieldRequestID])
	}
}
