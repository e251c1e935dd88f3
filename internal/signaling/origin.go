package signaling

import (
	"net/http"
	"net/url"
	"strings"
)

// originAllowed decides whether a WebSocket upgrade request passes the
// origin policy. Requests without an Origin header (non-browser clients)
// always pass. An empty allowlist admits everything in permissive mode and
// only same-host browsers otherwise.
func originAllowed(r *http.Request, allowed []string, permissive bool) bool {
	raw := strings.TrimSpace(r.Header.Get("Origin"))
	if raw == "" {
		return true
	}

	origin, host, ok := normalizeOrigin(raw)
	if !ok {
		return false
	}

	if len(allowed) == 0 {
		if permissive {
			return true
		}
		return strings.EqualFold(host, r.Host)
	}

	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// normalizeOrigin reduces an Origin header to lowercase scheme://host[:port]
// plus the host part for same-host comparison.
func normalizeOrigin(raw string) (origin, host string, ok bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	host = strings.ToLower(u.Host)
	return scheme + "://" + host, host, true
}
