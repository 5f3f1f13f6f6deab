package guard

import (
	"net"
	"net/http"
	"strings"
)

const bearerPrefix = "bearer "

// extractToken reads the Authorization bearer token, falling back to the
// access cookie. A present but empty or non-bearer header does not fall back.
func (g *Guard) extractToken(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		return BearerToken(header)
	}
	if c, err := r.Cookie(g.cookieName); err == nil && c.Value != "" {
		return c.Value, true
	}
	return "", false
}

// BearerToken returns the token from an "Authorization: Bearer <token>"
// header value. The scheme is case-insensitive.
func BearerToken(header string) (string, bool) {
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	return token, token != ""
}

// ClientIP returns the caller address. With trustProxy the first
// X-Forwarded-For entry wins; otherwise the connection peer is used.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
