// Package origin implements the browser Origin allowlist shared by the HTTP
// CORS layer and the signaling websocket upgrader.
package origin

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Normalize validates an Origin header value and returns it as
// scheme://host[:port] with default ports dropped, plus the host[:port] part.
// The special value "null" is returned as-is with an empty host.
func Normalize(raw string) (normalized, host string, ok bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", false
	}
	if raw == "null" {
		return "null", "", true
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = normalizeHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Allowed reports whether a request carrying originHeader may talk to the
// relay. Requests without an Origin (native game clients) are always allowed.
//
// With a non-empty allowlist, entries are "*" or normalized origins. Without
// one, only same-host origins are accepted; the scheme is not compared since
// TLS is usually terminated in front of the relay.
func Allowed(r *http.Request, allowedOrigins []string) bool {
	header := r.Header.Get("Origin")
	if strings.TrimSpace(header) == "" {
		return true
	}
	normalized, originHost, ok := Normalize(header)
	if !ok {
		return false
	}
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalized {
				return true
			}
		}
		return false
	}
	if normalized == "null" {
		return false
	}
	scheme := normalized[:strings.Index(normalized, "://")]
	requestHost, ok := normalizeHost(r.Host, scheme)
	return ok && requestHost == originHost
}

func normalizeHost(raw, scheme string) (string, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return "", false
	}
	hostname, port := raw, ""
	if h, p, err := net.SplitHostPort(raw); err == nil {
		hostname, port = h, p
		if port == "" {
			return "", false
		}
	} else if strings.Count(raw, ":") > 0 && !strings.HasPrefix(raw, "[") {
		return "", false
	}
	hostname = strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	if hostname == "" {
		return "", false
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port != "" {
		return hostname + ":" + port, true
	}
	return hostname, true
}
