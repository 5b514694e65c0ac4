package api

import (
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/seantiz/stowage/internal/backend"
	"github.com/seantiz/stowage/internal/model"
)

func TestListBackends(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var body listBackendsResponse
	if status := do(t, ts, http.MethodGet, "/v1/backends", nil, &body); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}

	want := []string{"broken", "lite", "memory", "remote-lite"}
	if !slices.Equal(body.Names, want) {
		t.Errorf("names = %v, want %v", body.Names, want)
	}
	if len(body.Backends) != len(want) {
		t.Errorf("len(backends) = %d, want %d", len(body.Backends), len(want))
	}
	if body.Active != "memory" {
		t.Errorf("active = %q, want %q", body.Active, "memory")
	}
}

func TestGetActiveBackend(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var d backend.Descriptor
	if status := do(t, ts, http.MethodGet, "/v1/backends/active", nil, &d); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if d.Name != "memory" || !d.SupportsBinaryAttachments || !d.SupportsReplicationProtocol {
		t.Errorf("active descriptor = %+v, want memory with all capabilities", d)
	}
}

func TestGetActiveBackendNotInitialized(t *testing.T) {
	srv := newIdleServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	if status := do(t, ts, http.MethodGet, "/v1/backends/active", nil, nil); status != http.StatusConflict {
		t.Errorf("status = %d, want 409", status)
	}
	if status := do(t, ts, http.MethodGet, "/v1/records/x", nil, nil); status != http.StatusConflict {
		t.Errorf("GET record status = %d, want 409", status)
	}
}

func TestSetActiveBackend(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantActive string
	}{
		{"local", setActiveRequest{Name: "lite"}, http.StatusOK, "lite"},
		{"worker", setActiveRequest{Name: "remote-lite"}, http.StatusOK, "remote-lite"},
		{"unknown", setActiveRequest{Name: "nonexistent"}, http.StatusNotFound, "memory"},
		{"bootstrap failure", setActiveRequest{Name: "broken"}, http.StatusBadGateway, "memory"},
		{"empty name", setActiveRequest{}, http.StatusBadRequest, "memory"},
		{"not json", "lite", http.StatusBadRequest, "memory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t)
			ts := httptest.NewServer(srv.Router())
			defer ts.Close()

			if status := do(t, ts, http.MethodPut, "/v1/backends/active", tt.body, nil); status != tt.wantStatus {
				t.Errorf("status = %d, want %d", status, tt.wantStatus)
			}

			var d backend.Descriptor
			do(t, ts, http.MethodGet, "/v1/backends/active", nil, &d)
			if d.Name != tt.wantActive {
				t.Errorf("active = %q, want %q", d.Name, tt.wantActive)
			}
		})
	}
}

func TestFailedSwitchKeepsServing(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	if status := do(t, ts, http.MethodPost, "/v1/records", putRecordRequest{ID: "keep"}, nil); status != http.StatusCreated {
		t.Fatalf("put status = %d, want 201", status)
	}
	if status := do(t, ts, http.MethodPut, "/v1/backends/active", setActiveRequest{Name: "broken"}, nil); status != http.StatusBadGateway {
		t.Fatalf("switch status = %d, want 502", status)
	}

	var rec model.Record
	if status := do(t, ts, http.MethodGet, "/v1/records/keep", nil, &rec); status != http.StatusOK {
		t.Fatalf("get status = %d, want 200", status)
	}
	if rec.ID != "keep" {
		t.Errorf("id = %q, want %q", rec.ID, "keep")
	}
}

func TestSwitchToWorkerBackend(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	if status := do(t, ts, http.MethodPost, "/v1/records", putRecordRequest{ID: "mem-only"}, nil); status != http.StatusCreated {
		t.Fatalf("put status = %d, want 201", status)
	}

	var d backend.Descriptor
	if status := do(t, ts, http.MethodPut, "/v1/backends/active", setActiveRequest{Name: "remote-lite"}, &d); status != http.StatusOK {
		t.Fatalf("switch status = %d, want 200", status)
	}
	if d.SupportsBinaryAttachments {
		t.Error("remote-lite SupportsBinaryAttachments = true, want false")
	}

	// The new handle starts empty; records go through the worker.
	if status := do(t, ts, http.MethodGet, "/v1/records/mem-only", nil, nil); status != http.StatusNotFound {
		t.Errorf("get old record status = %d, want 404", status)
	}
	var rec model.Record
	if status := do(t, ts, http.MethodPost, "/v1/records", putRecordRequest{ID: "remote"}, &rec); status != http.StatusCreated {
		t.Fatalf("put status = %d, want 201", status)
	}
	if rec.Rev != 1 {
		t.Errorf("rev = %d, want 1", rec.Rev)
	}

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/v1/records/remote/attachments/a", strings.NewReader("blob"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT attachment: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("attachment status = %d, want 501", resp.StatusCode)
	}
}
