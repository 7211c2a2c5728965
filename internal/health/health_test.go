package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// staticChecker отдаёт заранее заданный результат, чтобы проверять
// агрегацию статусов без реальных зависимостей.
type staticChecker struct {
	check Check
}

func (s staticChecker) Check() Check { return s.check }

func TestHandlerAggregatesStatuses(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
		wantCode int
	}{
		{
			name:     "all healthy",
			statuses: []Status{StatusHealthy, StatusHealthy},
			want:     StatusHealthy,
			wantCode: http.StatusOK,
		},
		{
			name:     "degraded lowers healthy",
			statuses: []Status{StatusHealthy, StatusDegraded},
			want:     StatusDegraded,
			wantCode: http.StatusOK,
		},
		{
			name:     "unhealthy wins over degraded",
			statuses: []Status{StatusDegraded, StatusUnhealthy},
			want:     StatusUnhealthy,
			wantCode: http.StatusServiceUnavailable,
		},
		{
			name:     "no checkers is healthy",
			statuses: nil,
			want:     StatusHealthy,
			wantCode: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler("v1.0.0")
			for i, status := range tt.statuses {
				name := string(rune('a' + i))
				handler.RegisterChecker(name, staticChecker{check: Check{Name: name, Status: status}})
			}

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if w.Code != tt.wantCode {
				t.Fatalf("expected status code %d, got %d", tt.wantCode, w.Code)
			}

			var response Response
			if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if response.Status != tt.want {
				t.Fatalf("expected overall %s, got %s", tt.want, response.Status)
			}
			if response.Version != "v1.0.0" {
				t.Fatalf("expected version v1.0.0, got %s", response.Version)
			}
			if len(response.Checks) != len(tt.statuses) {
				t.Fatalf("expected %d checks, got %d", len(tt.statuses), len(response.Checks))
			}
		})
	}
}

func TestLivenessHandler(t *testing.T) {
	w := httptest.NewRecorder()
	LivenessHandler(w, httptest.NewRequest(http.MethodGet, "/livez", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "ok" {
		t.Fatalf("expected body 'ok', got %s", w.Body.String())
	}
}

func TestReadinessHandler(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("postgres", NewSimpleChecker("postgres", func() error { return nil }))

	w := httptest.NewRecorder()
	handler.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "ready" {
		t.Fatalf("expected body 'ready', got %s", w.Body.String())
	}
}

func TestReadinessHandler_NotReady(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("postgres", NewSimpleChecker("postgres", func() error {
		return errors.New("connection refused")
	}))

	w := httptest.NewRecorder()
	handler.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", w.Code)
	}
	if w.Body.String() != "not ready" {
		t.Fatalf("expected body 'not ready', got %s", w.Body.String())
	}
}

func TestSimpleChecker(t *testing.T) {
	checker := NewSimpleChecker("slow", func() error {
		time.Sleep(10 * time.Millisecond)
		return nil
	})

	check := checker.Check()

	if check.Status != StatusHealthy {
		t.Fatalf("expected status healthy, got %s", check.Status)
	}
	if check.Name != "slow" {
		t.Fatalf("expected check name 'slow', got %s", check.Name)
	}
	if check.DurationMs < 10 {
		t.Fatalf("expected duration >= 10ms, got %dms", check.DurationMs)
	}
}

func TestSimpleChecker_Error(t *testing.T) {
	checker := NewSimpleChecker("broken", func() error {
		return errors.New("test error")
	})

	check := checker.Check()

	if check.Status != StatusUnhealthy {
		t.Fatalf("expected status unhealthy, got %s", check.Status)
	}
	if check.Message != "test error" {
		t.Fatalf("expected message 'test error', got %s", check.Message)
	}
}

func TestPingChecker(t *testing.T) {
	healthy := NewPingChecker("postgres", time.Second, func(ctx context.Context) error {
		return nil
	})
	if check := healthy.Check(); check.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", check.Status)
	}

	broken := NewPingChecker("redis", time.Second, func(ctx context.Context) error {
		return errors.New("connection refused")
	})
	check := broken.Check()
	if check.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", check.Status)
	}
	if check.Message != "connection refused" {
		t.Fatalf("expected error message, got %q", check.Message)
	}
}

func TestPingChecker_Timeout(t *testing.T) {
	slow := NewPingChecker("kafka", 10*time.Millisecond, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	if check := slow.Check(); check.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy on timeout, got %s", check.Status)
	}
}
