package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthz_AlwaysReturns200(t *testing.T) {
	h := New(nil)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestHealthz_ContentType(t *testing.T) {
	h := New(nil)
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	ct := rec.Header().Get("Content-Type")
	if ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestReadyz_AllCheckersPass(t *testing.T) {
	h := New([]Checker{
		{Name: "memory-store", Check: func(_ context.Context) error { return nil }},
		{Name: "backends", Check: func(_ context.Context) error { return nil }},
	})

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.Checks["memory-store"] != "ok" {
		t.Errorf("memory-store check = %q, want %q", body.Checks["memory-store"], "ok")
	}
	if body.Checks["backends"] != "ok" {
		t.Errorf("backends check = %q, want %q", body.Checks["backends"], "ok")
	}
}

func TestReadyz_CheckerFails(t *testing.T) {
	h := New([]Checker{
		{Name: "memory-store", Check: func(_ context.Context) error {
			return errors.New("connection refused")
		}},
		{Name: "backends", Check: func(_ context.Context) error { return nil }},
	})

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want %q", body.Status, "fail")
	}
	if body.Checks["memory-store"] != "fail: connection refused" {
		t.Errorf("memory-store check = %q, want %q", body.Checks["memory-store"], "fail: connection refused")
	}
	if body.Checks["backends"] != "ok" {
		t.Errorf("backends check = %q, want %q", body.Checks["backends"], "ok")
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	h := New(nil)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestReadyz_AllCheckersFail(t *testing.T) {
	h := New([]Checker{
		{Name: "memory-store", Check: func(_ context.Context) error {
			return errors.New("timeout")
		}},
		{Name: "mcp-host", Check: func(_ context.Context) error {
			return errors.New("no servers connected")
		}},
	})

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want %q", body.Status, "fail")
	}
	if body.Checks["memory-store"] != "fail: timeout" {
		t.Errorf("memory-store check = %q", body.Checks["memory-store"])
	}
	if body.Checks["mcp-host"] != "fail: no servers connected" {
		t.Errorf("mcp-host check = %q", body.Checks["mcp-host"])
	}
}

func TestStatusz_ServesPayload(t *testing.T) {
	type payload struct {
		State    string `json:"state"`
		Sessions int    `json:"sessions"`
	}
	h := New(nil, WithStatus(func(_ context.Context) any {
		return payload{State: "healthy", Sessions: 3}
	}))

	req := httptest.NewRequest("GET", "/statusz", nil)
	rec := httptest.NewRecorder()
	h.Statusz(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body payload
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.State != "healthy" {
		t.Errorf("state = %q, want %q", body.State, "healthy")
	}
	if body.Sessions != 3 {
		t.Errorf("sessions = %d, want 3", body.Sessions)
	}
}

func TestStatusz_NotConfigured(t *testing.T) {
	h := New(nil)

	req := httptest.NewRequest("GET", "/statusz", nil)
	rec := httptest.NewRecorder()
	h.Statusz(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	h := New([]Checker{
		{Name: "test", Check: func(_ context.Context) error { return nil }},
	}, WithStatus(func(_ context.Context) any {
		return map[string]string{"state": "healthy"}
	}))

	mux := http.NewServeMux()
	h.Register(mux)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/statusz", http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			req := httptest.NewRequest("GET", tc.path, nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
		})
	}
}

func TestRegister_NoStatuszWithoutStatusFunc(t *testing.T) {
	h := New(nil)

	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest("GET", "/statusz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New([]Checker{
		{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
