package httpx

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP resolves the calling origin for rate limiting and audit logging.
// X-Forwarded-For wins (first hop) so the limiter keys on the real client when
// the service sits behind a proxy.
func ClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		parts := strings.Split(ip, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
