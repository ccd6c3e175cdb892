package api

import (
	"net"
	"net/http"
	"strings"
)

// clientKey identifies the caller for verification rate limiting. RemoteAddr has
// already been rewritten by middleware.RealIP when the service runs behind a proxy.
func clientKey(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// noStore marks responses as uncacheable. Download responses depend on the payment
// reference, so shared caches must never replay them.
func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
