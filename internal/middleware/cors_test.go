package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func corsRequest(method, origin string) *http.Request {
	req := httptest.NewRequest(method, "/api/openids", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	return req
}

func TestCORSMiddleware_AllowedOrigin(t *testing.T) {
	h := NewCORSMiddleware("http://localhost:3000, https://app.example.com/")(okHandler())

	for _, origin := range []string{"http://localhost:3000", "https://app.example.com"} {
		w := serve(h, corsRequest(http.MethodGet, origin))

		want := map[string]string{
			"Access-Control-Allow-Origin":      origin,
			"Access-Control-Allow-Methods":     "GET, POST, DELETE, OPTIONS",
			"Access-Control-Allow-Headers":     "Content-Type, X-CSRF-Token",
			"Access-Control-Allow-Credentials": "true",
			"Access-Control-Max-Age":           "86400",
			"Vary":                             "Origin",
		}
		for k, v := range want {
			if got := w.Header().Get(k); got != v {
				t.Errorf("%s: %s = %q, want %q", origin, k, got, v)
			}
		}
		if w.Code != http.StatusOK {
			t.Errorf("%s: status = %d", origin, w.Code)
		}
	}
}

func TestCORSMiddleware_OtherOrigins(t *testing.T) {
	h := NewCORSMiddleware("http://localhost:3000")(okHandler())

	for _, origin := range []string{"", "https://evil.example.com", "http://localhost:3000.evil.example.com"} {
		w := serve(h, corsRequest(http.MethodPost, origin))

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("origin %q: Access-Control-Allow-Origin = %q, want empty", origin, got)
		}
		if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "" {
			t.Errorf("origin %q: Access-Control-Allow-Credentials = %q, want empty", origin, got)
		}
		if w.Code != http.StatusOK {
			t.Errorf("origin %q: request should still reach the handler, status = %d", origin, w.Code)
		}
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	called := false
	h := NewCORSMiddleware("http://localhost:3000")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	w := serve(h, corsRequest(http.MethodOptions, "http://localhost:3000"))

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if called {
		t.Error("next handler should not be called for preflight")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}
