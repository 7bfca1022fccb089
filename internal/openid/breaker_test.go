package openid

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

func TestWithCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := WithCircuitBreaker(srv.Client(), BreakerConfig{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             time.Minute,
		ConsecutiveFailures: 2,
	})

	for i := 0; i < 2; i++ {
		resp, err := client.Get(srv.URL)
		if err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadGateway {
			t.Errorf("request %d: status = %d, want 502", i, resp.StatusCode)
		}
	}

	_, err := client.Get(srv.URL)
	if err == nil || !strings.Contains(err.Error(), "temporarily unavailable") {
		t.Fatalf("expected open breaker error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("upstream calls = %d, want 2", calls)
	}
}

func TestWithCircuitBreaker_PassesSuccessfulResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := WithCircuitBreaker(srv.Client(), DefaultBreakerConfig())
	for i := 0; i < 10; i++ {
		resp, err := client.Get(srv.URL)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close()
	}
}

func TestBreakerTransport_EvictsIdleClosedBreakers(t *testing.T) {
	client := WithCircuitBreaker(nil, BreakerConfig{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             time.Hour,
		ConsecutiveFailures: 1,
		IdleTTL:             10 * time.Minute,
	})
	tr := client.Transport.(*breakerTransport)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	tr.breaker("idle.example.com")
	down := tr.breaker("down.example.com")
	_, _ = down.Execute(func() (interface{}, error) { return nil, errors.New("boom") })
	if down.State() != gobreaker.StateOpen {
		t.Fatalf("state = %v, want open", down.State())
	}

	now = now.Add(11 * time.Minute)
	tr.breaker("new.example.com")

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if _, ok := tr.breakers["idle.example.com"]; ok {
		t.Error("idle closed breaker should be evicted")
	}
	// openのブレーカーは保持する
	if hb, ok := tr.breakers["down.example.com"]; !ok || hb.cb != down {
		t.Error("open breaker should be kept")
	}
	if _, ok := tr.breakers["new.example.com"]; !ok {
		t.Error("new breaker should be registered")
	}
}

func TestBreakerTransport_KeepsRecentlyUsedBreakers(t *testing.T) {
	client := WithCircuitBreaker(nil, DefaultBreakerConfig())
	tr := client.Transport.(*breakerTransport)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	first := tr.breaker("op.example.com")
	now = now.Add(6 * time.Minute)
	tr.breaker("op.example.com")
	now = now.Add(6 * time.Minute)

	if got := tr.breaker("op.example.com"); got != first {
		t.Error("breaker used within IdleTTL should be reused")
	}
}
