package signaling

import (
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/origin"
)

// requestOrigin returns the canonical Origin of r for logging, or "" when the
// header is absent or repeated. Unparseable values are returned as sent.
func requestOrigin(r *http.Request) string {
	values := r.Header.Values("Origin")
	if len(values) != 1 {
		return ""
	}
	raw := strings.TrimSpace(values[0])
	if normalized, _, ok := origin.NormalizeHeader(raw); ok {
		return normalized
	}
	return raw
}
