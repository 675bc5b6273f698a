package middleware

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/metrics"
)

// sensitiveParams are query parameter names redacted from logged URLs.
var sensitiveParams = []string{
	"key", "token", "api_key", "apikey", "password", "secret", "auth",
	"access_token", "refresh_token", "bearer", "credential",
}

// sanitizeURL redacts sensitive query parameters before logging.
func sanitizeURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "[invalid-url]"
	}
	if parsed.RawQuery == "" {
		return rawURL
	}

	query := parsed.Query()
	redacted := false
	for _, param := range sensitiveParams {
		for key := range query {
			if strings.EqualFold(key, param) {
				query.Set(key, "[REDACTED]")
				redacted = true
			}
		}
	}
	if !redacted {
		return rawURL
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// maskIP masks an address for log privacy: IPv4 to /24, IPv6 to /48.
func maskIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "[redacted]"
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.Mask(net.CIDRMask(24, 32)).String() + "/24"
	}
	return ip.Mask(net.CIDRMask(48, 128)).String() + "/48"
}

// responseWriter captures the status code for logging and metrics.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// routeOf collapses a path to its route label so metrics cardinality stays
// bounded by the API surface, not by ids.
func routeOf(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return "/"
	}
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		// Segments after a collection name are ids.
		if i > 0 && (parts[i-1] == "sessions" || parts[i-1] == "contexts") && p != "" {
			switch p {
			case "contexts", "actions", "events", "touch":
				out = append(out, p)
			default:
				out = append(out, ":id")
			}
			continue
		}
		out = append(out, p)
	}
	return "/" + strings.Join(out, "/")
}

// Logging logs each request with masked client address and redacted URL,
// and records request metrics.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		metrics.RecordRequest(routeOf(r.URL.Path), strconv.Itoa(wrapped.statusCode), duration)
		log.Info().
			Str("method", r.Method).
			Str("path", sanitizeURL(r.URL.String())).
			Str("remote_addr", maskIP(r.RemoteAddr)).
			Int("status", wrapped.statusCode).
			Dur("duration", duration).
			Msg("Request completed")
	})
}
