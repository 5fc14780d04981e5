// Package origin validates browser Origin headers against the relay's
// allowlist for WebSocket upgrades and cross-origin API calls.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Wildcard in an allowlist admits every origin.
const Wildcard = "*"

// Normalize validates and normalizes a browser Origin header.
//
// It returns the normalized origin (scheme://host[:port], default ports
// dropped) and the host[:port] portion for same-host comparisons.
//
// The special Origin value "null" is allowed and returned as-is.
func Normalize(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.ForceQuery || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Policy decides which origins may talk to the relay.
//
// With an empty allowlist only same-host origins are admitted (host[:port]
// must match the request's Host header, default ports being equivalent).
// Otherwise an origin must appear in the list, or the list must contain "*".
type Policy struct {
	allowed  map[string]struct{}
	wildcard bool
}

// NewPolicy builds a policy from already-normalized origins (see Normalize).
func NewPolicy(allowedOrigins []string) *Policy {
	p := &Policy{allowed: make(map[string]struct{}, len(allowedOrigins))}
	for _, o := range allowedOrigins {
		if o == Wildcard {
			p.wildcard = true
			continue
		}
		p.allowed[o] = struct{}{}
	}
	return p
}

// AllowsAny reports whether the allowlist contains the wildcard.
func (p *Policy) AllowsAny() bool { return p.wildcard }

// Check returns the normalized origin and whether it may access requestHost.
func (p *Policy) Check(originHeader, requestHost string) (string, bool) {
	normalized, originHost, ok := Normalize(originHeader)
	if !ok {
		return "", false
	}
	if p.wildcard {
		return normalized, true
	}
	if len(p.allowed) > 0 {
		_, ok := p.allowed[normalized]
		return normalized, ok
	}

	// Default: same host:port. Scheme is not compared because the relay may sit
	// behind a TLS-terminating reverse proxy and see the request as HTTP while
	// the browser Origin is HTTPS.
	var scheme string
	switch {
	case strings.HasPrefix(normalized, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalized, "https://"):
		scheme = "https"
	default:
		// "null" cannot match a host-based request.
		return normalized, false
	}
	reqHost, ok := canonicalHost(strings.TrimSpace(requestHost), scheme)
	if !ok {
		return normalized, false
	}
	return normalized, originHost == reqHost
}

// CheckRequest applies the policy to r. Requests without an Origin header are
// not browser cross-origin requests and are always admitted.
func (p *Policy) CheckRequest(r *http.Request) bool {
	h := r.Header.Get("Origin")
	if h == "" {
		return true
	}
	_, ok := p.Check(h, r.Host)
	return ok
}

func canonicalHost(rawHost, scheme string) (string, bool) {
	rawHostname, rawPort, ok := splitHostPort(rawHost)
	if !ok {
		return "", false
	}

	hostname := strings.ToLower(rawHostname)
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}

	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host = host + ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits an authority host[:port] string.
//
// The hostname is returned without brackets for IPv6 literals. The port is
// returned as-is (not validated) and will be empty when absent.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") {
			return "", "", false
		}
		port = rest[1:]
		if port == "" {
			return "", "", false
		}
		return hostname, port, true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		parts := strings.SplitN(rawHost, ":", 2)
		if parts[0] == "" || parts[1] == "" {
			return "", "", false
		}
		return parts[0], parts[1], true
	default:
		// Unbracketed IPv6 literals are not valid in the authority component.
		return "", "", false
	}
}
