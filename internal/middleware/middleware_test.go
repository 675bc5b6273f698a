package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(mw("a"), mw("b"), mw("c"))(okHandler())
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if strings.Join(order, "") != "abc" {
		t.Errorf("Expected abc order, got %v", order)
	}
}

func TestRecovery(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "internal_panic") {
		t.Errorf("Expected structured error body, got %s", rec.Body.String())
	}
}

func TestMaskIP(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"192.168.1.42:9000", "192.168.1.0/24"},
		{"10.0.0.5", "10.0.0.0/24"},
		{"[2001:db8:abcd:1234::1]:443", "2001:db8:abcd::/48"},
		{"not-an-ip", "[redacted]"},
	}
	for _, tt := range tests {
		if got := maskIP(tt.in); got != tt.want {
			t.Errorf("maskIP(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeURL(t *testing.T) {
	got := sanitizeURL("/sessions?api_key=secret123&limit=5")
	if strings.Contains(got, "secret123") {
		t.Errorf("Secret leaked into log URL: %s", got)
	}
	if !strings.Contains(got, "limit=5") {
		t.Errorf("Benign params must survive: %s", got)
	}

	plain := "/sessions/abc"
	if got := sanitizeURL(plain); got != plain {
		t.Errorf("URL without query must pass through, got %s", got)
	}
}

func TestRouteOf(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/sessions", "/sessions"},
		{"/sessions/abc-123", "/sessions/:id"},
		{"/sessions/abc-123/contexts", "/sessions/:id/contexts"},
		{"/sessions/abc/contexts/def/actions", "/sessions/:id/contexts/:id/actions"},
		{"/", "/"},
	}
	for _, tt := range tests {
		if got := routeOf(tt.path); got != tt.want {
			t.Errorf("routeOf(%s) = %s, want %s", tt.path, got, tt.want)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(3, false)
	defer rl.Close()

	for i := 0; i < 3; i++ {
		if !rl.Allow("1.2.3.4") {
			t.Fatalf("Request %d within burst must pass", i)
		}
	}
	if rl.Allow("1.2.3.4") {
		t.Error("Burst exhausted, request must be rejected")
	}
	// Other clients are unaffected.
	if !rl.Allow("5.6.7.8") {
		t.Error("Fresh client must pass")
	}
}

func TestRateLimitHandler(t *testing.T) {
	rl := NewRateLimiter(1, false)
	defer rl.Close()
	h := rl.Handler()(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "9.9.9.9:1234"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("First request must pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}
}

func TestClientIPTrustProxy(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := clientIP(req, false); got != "10.0.0.1" {
		t.Errorf("Untrusted proxy must use RemoteAddr, got %s", got)
	}
	if got := clientIP(req, true); got != "203.0.113.9" {
		t.Errorf("Trusted proxy must use first forwarded hop, got %s", got)
	}
}

func TestAuthenticate(t *testing.T) {
	cfg := &config.Config{APIKeyEnabled: true, APIKey: "test-key-0123456789"}

	var captured *http.Request
	h := Authenticate(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("missing key rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %d", rec.Code)
		}
	})

	t.Run("health always open", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("Expected 200, got %d", rec.Code)
		}
	})

	t.Run("valid key builds principal", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
		req.Header.Set("X-API-Key", "test-key-0123456789")
		req.Header.Set("X-User-ID", "u1")
		req.Header.Set("X-User-Roles", "user, viewer")
		req.Header.Set("X-Scopes", "session:*")

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", rec.Code)
		}

		ac := AuthContext(captured)
		if ac.UserID != "u1" || len(ac.Roles) != 2 || len(ac.Scopes) != 1 {
			t.Errorf("Unexpected principal: %+v", ac)
		}
	})

	t.Run("default role applied", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
		req.Header.Set("X-API-Key", "test-key-0123456789")
		req.Header.Set("X-User-ID", "u2")

		h.ServeHTTP(httptest.NewRecorder(), req)
		ac := AuthContext(captured)
		if len(ac.Roles) != 1 || ac.Roles[0] != "user" {
			t.Errorf("Expected default user role, got %v", ac.Roles)
		}
	})
}

func TestCORS(t *testing.T) {
	h := CORS(CORSConfig{AllowedOrigins: []string{"https://app.example.com"}})(okHandler())

	t.Run("allowed origin echoed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Errorf("Expected origin echo, got %q", got)
		}
	})

	t.Run("other origin gets no headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Error("Non-allowed origin must get no CORS headers")
		}
	})

	t.Run("preflight answered", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("Expected 200 preflight, got %d", rec.Code)
		}
	})
}

func TestTimeout(t *testing.T) {
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
			w.WriteHeader(http.StatusOK)
		case <-r.Context().Done():
		}
	})

	h := Timeout(50 * time.Millisecond)(slow)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusRequestTimeout {
		t.Errorf("Expected 408, got %d", rec.Code)
	}

	// Fast handlers pass through untouched.
	h = Timeout(time.Second)(okHandler())
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}
