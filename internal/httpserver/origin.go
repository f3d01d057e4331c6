package httpserver

import (
	"net/http"
	"strings"

	"github.com/vcall/signaling-relay/internal/origin"
)

// originMiddleware enforces the browser Origin policy for every route,
// including the /ws upgrade (the WebSocket upgrader itself accepts all
// origins and relies on this outer check).
func (s *Server) originMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			originHeader := strings.TrimSpace(r.Header.Get("Origin"))
			if originHeader == "" {
				// Non-browser clients (probes, curl) don't send Origin.
				next.ServeHTTP(w, r)
				return
			}

			normalized, originHost, ok := origin.Normalize(originHeader)
			if !ok || !origin.IsAllowed(normalized, originHost, r.Host, s.cfg.AllowedOrigins) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			// CORS headers are only needed when the browser sent an Origin.
			// Echoing the normalized origin keeps a separate frontend origin
			// working during development.
			w.Header().Set("Access-Control-Allow-Origin", normalized)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
			w.Header().Add("Vary", "Origin")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
				if reqHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); reqHeaders != "" {
					w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
				}
				w.Header().Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
