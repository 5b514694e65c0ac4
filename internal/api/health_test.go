package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHealthzEndpoint(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var body healthResponse
	if status := do(t, ts, http.MethodGet, "/healthz", nil, &body); status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.Backend != "memory" {
		t.Errorf("backend = %q, want %q", body.Backend, "memory")
	}
}

func TestHealthzWithoutBackend(t *testing.T) {
	srv := newIdleServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var body healthResponse
	if status := do(t, ts, http.MethodGet, "/healthz", nil, &body); status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	if body.Backend != "" {
		t.Errorf("backend = %q, want empty", body.Backend)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// Make a request to generate metrics.
	do(t, ts, http.MethodGet, "/healthz", nil, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/plain") && !strings.Contains(contentType, "text/openmetrics") {
		t.Errorf("Content-Type = %q, expected prometheus format", contentType)
	}

	bodyBytes, _ := io.ReadAll(resp.Body)
	body := string(bodyBytes)

	for _, name := range []string{
		"stowage_http_requests_total",
		"stowage_http_request_duration_seconds",
		"stowage_bridge_requests_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestMetricsLabelActiveBackend(t *testing.T) {
	tests := []struct {
		name    string
		idle    bool
		backend string
	}{
		{"active memory", false, "memory"},
		{"no active backend", true, noBackend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var srv *Server
			if tt.idle {
				srv = newIdleServer(t)
			} else {
				srv = newTestServer(t)
			}
			ts := httptest.NewServer(srv.Router())
			defer ts.Close()

			counter := httpRequestsTotal.WithLabelValues(tt.backend, http.MethodGet, "/healthz", "200")
			before := testutil.ToFloat64(counter)
			do(t, ts, http.MethodGet, "/healthz", nil, nil)
			if got := testutil.ToFloat64(counter) - before; got != 1 {
				t.Errorf("requests with backend=%q grew by %v, want 1", tt.backend, got)
			}
		})
	}
}

func TestStorageErrorsCounted(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	counter := storageErrorsTotal.WithLabelValues("memory", "404")
	before := testutil.ToFloat64(counter)
	if status := do(t, ts, http.MethodGet, "/v1/records/missing", nil, nil); status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("storage errors grew by %v, want 1", got)
	}
}
