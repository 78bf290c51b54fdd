package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func ok(context.Context) error   { return nil }
func fail(context.Context) error { return errors.New("boom") }

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name  string
		store func(context.Context) error
		redis func(context.Context) error
		want  Status
	}{
		{"all healthy", ok, ok, StatusHealthy},
		{"redis down degrades", ok, fail, StatusDegraded},
		{"store down is unhealthy", fail, ok, StatusUnhealthy},
		{"both down", fail, fail, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(nil)
			h.RegisterChecker("store", NewStoreChecker(tt.store))
			h.RegisterChecker("redis", NewRedisChecker(tt.redis))
			resp := h.Evaluate(context.Background())
			if resp.Status != tt.want {
				t.Errorf("status = %s, want %s", resp.Status, tt.want)
			}
			if len(resp.Checks) != 2 || resp.Checks[0].Name != "redis" || resp.Checks[1].Name != "store" {
				t.Errorf("unexpected checks: %+v", resp.Checks)
			}
		})
	}
}

func TestHealthHandlerStatusCode(t *testing.T) {
	h := NewHandler(nil)
	h.RegisterChecker("store", NewStoreChecker(fail))

	w := httptest.NewRecorder()
	h.HealthHandler(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", resp.Status)
	}
}

func TestReadiness(t *testing.T) {
	h := NewHandler(nil)

	w := httptest.NewRecorder()
	h.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before ready, got %d", w.Code)
	}

	h.SetReady(true)
	w = httptest.NewRecorder()
	h.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 when ready, got %d", w.Code)
	}
}

func TestUnconfiguredChecker(t *testing.T) {
	c := NewRedisChecker(nil)
	if got := c.Check(context.Background()).Status; got != StatusHealthy {
		t.Errorf("expected healthy for unconfigured checker, got %s", got)
	}
}
