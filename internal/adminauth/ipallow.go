package adminauth

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/devkishan/fluxgate/internal/netx"
)

// RequireTrustedIP rejects with 403, before the bearer token is even
// parsed, any request whose client address is not in allowed. The client
// address is the first X-Forwarded-For entry when present and non-blank,
// otherwise the host part of the remote address. A nil allowed set
// disables the check; a non-nil set with no entries rejects every request.
func RequireTrustedIP(allowed *netx.CIDRSet, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed == nil {
			next.ServeHTTP(w, r)
			return
		}
		host := r.RemoteAddr
		if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			host = h
		}
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
				host = first
			}
		}
		ip := net.ParseIP(host)
		if ip == nil || !allowed.Contains(ip) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "forbidden: untrusted source"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
