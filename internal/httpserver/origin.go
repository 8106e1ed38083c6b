package httpserver

import (
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/origin"
)

const allowedMethods = "GET,HEAD,POST,PUT,PATCH,DELETE,OPTIONS"

// originMiddleware enforces ALLOWED_ORIGINS for every route, including the
// WebSocket upgrades, and answers CORS preflights.
func originMiddleware(policy origin.Policy) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			normalizedOrigin, ok := policy.Check(r)
			if !ok {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			if normalizedOrigin == "" {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", normalizedOrigin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Expose-Headers", "X-Request-ID")
			h.Add("Vary", "Origin")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", allowedMethods)
				if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
					h.Set("Access-Control-Allow-Headers", requestHeaders)
					h.Add("Vary", "Access-Control-Request-Headers")
				}
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
