package httpserver

import (
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
)

const wsPath = "/ws"

// authMiddleware runs after the origin middleware so a 401 still carries CORS
// headers the browser can read. Preflights are never authenticated.
func (s *Server) authMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.gate == nil || r.Method == http.MethodOptions ||
				(r.URL.Path != wsPath && !strings.HasPrefix(r.URL.Path, apiPathPrefix)) {
				next.ServeHTTP(w, r)
				return
			}
			if err := s.gate.Check(r); err != nil {
				s.metrics.Inc(metrics.AuthFailed)
				s.log.Debug("request rejected", "path", r.URL.Path, "auth_mode", s.gate.Mode(), "err", err)
				WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "Unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
