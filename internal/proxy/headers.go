package proxy

import (
	"net"
	"net/http"
	"strings"
)

// hopByHop is the case-insensitive header filter from §6, applied to both
// the outbound request and the relayed response.
var hopByHop = map[string]struct{}{
	"host":                {},
	"connection":          {},
	"transfer-encoding":   {},
	"te":                  {},
	"upgrade":             {},
	"proxy-authorization": {},
	"proxy-authenticate":  {},
	"keep-alive":          {},
	"trailer":             {},
}

// copyHeaders copies every header from src to dst except hop-by-hop
// headers and, when stripPseudo is true, any header whose name begins
// with ':' (HTTP/2 pseudo-headers, which must never reach an HTTP/1.1
// client).
func copyHeaders(dst, src http.Header, stripPseudo bool) {
	for name, values := range src {
		lower := strings.ToLower(name)
		if _, skip := hopByHop[lower]; skip {
			continue
		}
		if stripPseudo && strings.HasPrefix(name, ":") {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// clientIP extracts the caller's address per §6: the first
// comma-separated X-Forwarded-For entry if present and non-blank,
// otherwise the transport peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
