package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/auth"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/config"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

type ctxKey int

const authKey ctxKey = 0

// AuthContext returns the authenticated principal attached to a request,
// or an anonymous context when authentication did not run.
func AuthContext(r *http.Request) *auth.Context {
	if ac, ok := r.Context().Value(authKey).(*auth.Context); ok {
		return ac
	}
	return &auth.Context{}
}

// withAuth attaches a principal to the request.
func withAuth(r *http.Request, ac *auth.Context) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), authKey, ac))
}

// openPaths are always reachable without credentials, for load balancers
// and scrapers.
var openPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// splitList parses a comma-separated header value.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Authenticate validates the shared API key and builds the principal from
// identity headers. The key proves the caller is a trusted frontend; the
// headers carry which user it acts for. With API key auth disabled, the
// headers alone identify the principal (development mode).
func Authenticate(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, open := openPaths[r.URL.Path]; open {
				next.ServeHTTP(w, r)
				return
			}

			if cfg.APIKeyEnabled {
				apiKey := r.Header.Get("X-API-Key")
				if apiKey == "" {
					apiKey = r.URL.Query().Get("api_key")
				}
				if subtle.ConstantTimeCompare([]byte(apiKey), []byte(cfg.APIKey)) != 1 {
					writeError(w, types.KindUnauthenticated, "api_key_invalid", "invalid or missing API key")
					return
				}
			}

			ac := &auth.Context{
				UserID:   r.Header.Get("X-User-ID"),
				Username: r.Header.Get("X-User-Name"),
				Roles:    splitList(r.Header.Get("X-User-Roles")),
				Scopes:   splitList(r.Header.Get("X-Scopes")),
			}
			if ac.Username == "" {
				ac.Username = ac.UserID
			}
			if ac.UserID != "" && len(ac.Roles) == 0 {
				ac.Roles = []string{"user"}
			}

			next.ServeHTTP(w, withAuth(r, ac))
		})
	}
}
