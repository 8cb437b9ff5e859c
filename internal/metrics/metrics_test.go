package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ObserveRequest("GET", "ok", 120*time.Millisecond)
	m.ObserveRequest("GET", "remote_error", time.Second)
	m.ObserveRetry("GET")
	m.RefreshState(true)
	m.RefreshTick()
	m.Report("list runs", nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`pipescope_azdo_requests_total{method="GET",outcome="ok"} 1`,
		`pipescope_azdo_requests_total{method="GET",outcome="remote_error"} 1`,
		`pipescope_azdo_retries_total{method="GET"} 1`,
		`pipescope_refresh_running 1`,
		`pipescope_refresh_ticks_total 1`,
		`pipescope_tree_errors_total{op="list runs"} 1`,
		`pipescope_azdo_request_duration_seconds_count{method="GET"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}

	m.RefreshState(false)
	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "pipescope_refresh_running 0") {
		t.Fatalf("gauge not reset")
	}
}
