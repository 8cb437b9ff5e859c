package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "pipescope", "")
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
	if _, err := Init(context.Background(), "", ""); err == nil {
		t.Fatalf("expected error without service name")
	}
}

func TestTraceExporterRejectsHostlessURL(t *testing.T) {
	if _, err := newTraceExporter(context.Background(), "http://"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMiddlewareLogsRequests(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("pipescope-test", "debug", false, &buf)

	handler := Middleware("pipescope-test", logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log line %q is not JSON: %v", buf.String(), err)
	}
	if entry["service"] != "pipescope-test" || entry["path"] != "/v1/runs" || entry["status"] != float64(http.StatusTeapot) {
		t.Fatalf("log entry = %v", entry)
	}
}

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("svc", "warn", false, &buf)
	logger.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %s", buf.String())
	}
	logger.Warn().Msg("shown")
	if buf.Len() == 0 {
		t.Fatalf("warn not logged")
	}
}
