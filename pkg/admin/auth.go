package admin

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
)

// authorized reports whether r carries token. An empty token disables
// the check.
func authorized(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	got := bearerToken(r.Header.Get("Authorization"))
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

func bearerToken(header string) string {
	scheme, value, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(value)
}

// clientIP is the peer address. Forwarding headers are ignored since the
// server binds to loopback by default.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
