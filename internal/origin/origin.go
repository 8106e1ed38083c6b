// Package origin normalizes browser Origin headers and decides which origins
// may reach the relay.
package origin

import (
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// NormalizeHeader validates and normalizes a browser Origin header.
//
// It returns the normalized origin (scheme://host[:port], default ports
// dropped) and the host[:port] portion for same-host comparisons.
//
// The special Origin value "null" is allowed and returned as-is.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
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
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
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

// IsAllowed returns true when the normalized origin is allowed to access the
// given request host.
//
// If allowedOrigins is non-empty, each entry must be either "*" or a normalized
// origin string (as produced by NormalizeHeader).
//
// Otherwise only same-host origins are allowed (default ports are treated as
// equivalent).
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		return slices.ContainsFunc(allowedOrigins, func(allowed string) bool {
			return allowed == "*" || allowed == normalizedOrigin
		})
	}

	// The scheme is not compared: behind a TLS-terminating proxy the request
	// arrives as HTTP while the browser Origin is HTTPS.
	scheme, _, found := strings.Cut(normalizedOrigin, "://")
	if !found || (scheme != "http" && scheme != "https") {
		return false
	}
	normalizedRequestHost, ok := canonicalHost(strings.TrimSpace(requestHost), scheme)
	return ok && originHost == normalizedRequestHost
}

// Policy applies an allow-list to incoming requests.
type Policy struct {
	allowed []string
}

func NewPolicy(allowedOrigins []string) Policy {
	return Policy{allowed: slices.Clone(allowedOrigins)}
}

// AllowsAny reports whether the policy contains the "*" wildcard.
func (p Policy) AllowsAny() bool {
	return slices.Contains(p.allowed, "*")
}

// Check returns the normalized Origin of r and whether it may proceed.
// Requests without an Origin header are not cross-origin and always pass with
// an empty origin.
//
// With the "*" wildcard any single Origin passes, including ones that are not
// http(s) such as capacitor://localhost or file://; those are returned as sent.
func (p Policy) Check(r *http.Request) (normalized string, ok bool) {
	values := r.Header.Values("Origin")
	switch len(values) {
	case 0:
		return "", true
	case 1:
	default:
		return "", false
	}
	raw := strings.TrimSpace(values[0])
	if raw == "" {
		return "", true
	}

	if p.AllowsAny() {
		if normalized, _, ok := NormalizeHeader(raw); ok {
			return normalized, true
		}
		return raw, true
	}

	normalized, host, ok := NormalizeHeader(raw)
	if !ok || !IsAllowed(normalized, host, r.Host, p.allowed) {
		return "", false
	}
	return normalized, true
}

// CheckOrigin has the signature websocket.Upgrader expects.
func (p Policy) CheckOrigin(r *http.Request) bool {
	_, ok := p.Check(r)
	return ok
}

// canonicalHost lower-cases an authority host[:port], brackets IPv6 literals
// and drops the scheme's default port.
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
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits an authority host[:port] string. The hostname is
// returned without brackets for IPv6 literals; the port is not validated.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if rest, isV6 := strings.CutPrefix(rawHost, "["); isV6 {
		hostname, after, found := strings.Cut(rest, "]")
		if !found {
			return "", "", false
		}
		if after == "" {
			return hostname, "", true
		}
		port, hasPort := strings.CutPrefix(after, ":")
		if !hasPort || port == "" {
			return "", "", false
		}
		return hostname, port, true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		hostname, port, _ := strings.Cut(rawHost, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		// Unbracketed IPv6 literals are not valid in the authority component.
		return "", "", false
	}
}
