package httpserver

import (
	"net/http"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/turnrest"
)

// turnConfigResponse keeps the flat {urls, username, credential} shape older
// frontends read and adds the full ICE server list.
type turnConfigResponse struct {
	URLs       []string           `json:"urls"`
	Username   string             `json:"username"`
	Credential string             `json:"credential"`
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	// TTL is set (in seconds) only for ephemeral TURN REST credentials.
	TTL int64 `json:"ttl,omitempty"`
}

func (s *Server) handleTURNConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}

	servers := s.cfg.ICEServers
	var ttl int64
	if s.turnREST != nil {
		out, _, ok, err := s.turnREST.Apply(servers)
		if err != nil {
			s.log.Error("failed to generate TURN REST credentials", "err", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to generate TURN credentials"})
			return
		}
		if ok {
			servers = out
			ttl = int64(s.turnREST.TTL().Seconds())
			s.metrics.Inc(metrics.TURNCredentialsIssued)
		}
	}

	WriteJSON(w, http.StatusOK, buildTURNConfigResponse(servers, ttl))
}

// buildTURNConfigResponse flattens the TURN entries for the legacy fields.
// The username and credential come from the first TURN entry that has them.
func buildTURNConfigResponse(servers []webrtc.ICEServer, ttl int64) turnConfigResponse {
	resp := turnConfigResponse{
		URLs:       []string{},
		ICEServers: servers,
		TTL:        ttl,
	}
	if resp.ICEServers == nil {
		// Encode as [] rather than null.
		resp.ICEServers = []webrtc.ICEServer{}
	}
	for _, server := range servers {
		if !turnrest.HasTURNURL(server) {
			continue
		}
		for _, url := range server.URLs {
			if turnrest.HasTURNURL(webrtc.ICEServer{URLs: []string{url}}) {
				resp.URLs = append(resp.URLs, url)
			}
		}
		if resp.Username == "" {
			cred, _ := server.Credential.(string)
			resp.Username = server.Username
			resp.Credential = cred
		}
	}
	return resp
}
