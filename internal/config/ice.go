package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "AERO_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_STUN_URLS"
	envTurnURLs       = "AERO_TURN_URLS"
	envTurnUsername   = "AERO_TURN_USERNAME"
	envTurnCredential = "AERO_TURN_CREDENTIAL"

	// Single-server TURN settings accepted as fallbacks for the AERO_TURN_* vars.
	envLegacyTurnServerURL  = "TURN_SERVER_URL"
	envLegacyTurnUsername   = "TURN_USERNAME"
	envLegacyTurnCredential = "TURN_CREDENTIAL"
)

// iceScheme is the URL scheme class of an ICE server URL.
type iceScheme int

const (
	schemeUnknown iceScheme = iota
	schemeSTUN
	schemeTURN
)

var iceSchemes = map[string]iceScheme{
	"stun":  schemeSTUN,
	"stuns": schemeSTUN,
	"turn":  schemeTURN,
	"turns": schemeTURN,
}

func classifyICEURL(u string) iceScheme {
	scheme, _, ok := strings.Cut(strings.TrimSpace(u), ":")
	if !ok {
		return schemeUnknown
	}
	return iceSchemes[strings.ToLower(scheme)]
}

// parseICEServersFromValues prefers the JSON form over the convenience vars.
// With turnREST set, TURN entries may omit static credentials because fresh
// ones are minted per request.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string, turnREST bool) ([]webrtc.ICEServer, error) {
	raw := strings.TrimSpace(iceServersJSON)
	if raw == "" {
		return ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential, turnREST)
	}
	servers, err := ParseICEServersJSON(raw, turnREST)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
	}
	return servers, nil
}

// iceServerEntry mirrors the browser RTCIceServer dictionary. urls may be a
// single string or a list.
type iceServerEntry struct {
	URLs       json.RawMessage `json:"urls"`
	Username   string          `json:"username,omitempty"`
	Credential string          `json:"credential,omitempty"`
}

func (e iceServerEntry) urlList() ([]string, error) {
	if len(e.URLs) == 0 {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(e.URLs, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(e.URLs, &many); err != nil {
		return nil, errors.New("urls must be a string or an array of strings")
	}
	return many, nil
}

// ParseICEServersJSON decodes a JSON array of RTCIceServer-shaped objects.
func ParseICEServersJSON(raw string, turnREST bool) ([]webrtc.ICEServer, error) {
	var entries []iceServerEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		urls, err := e.urlList()
		if err == nil {
			var s webrtc.ICEServer
			s, err = newICEServer(compact(urls), e.Username, e.Credential, turnREST)
			servers = append(servers, s)
		}
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
	}
	return servers, nil
}

// ParseICEServersFromConvenienceEnv turns the comma-separated STUN and TURN
// URL lists into at most two servers. The TURN server carries the static
// username and credential.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string, turnREST bool) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if urls := compact(strings.Split(stunURLs, ",")); len(urls) > 0 {
		s, err := newICEServer(urls, "", "", turnREST)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, s)
	}

	urls := compact(strings.Split(turnURLs, ","))
	if len(urls) == 0 {
		return servers, nil
	}
	user, cred := strings.TrimSpace(turnUsername), strings.TrimSpace(turnCredential)
	if !turnREST && (user == "" || cred == "") {
		return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
	}
	s, err := newICEServer(urls, user, cred, turnREST)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
	}
	return append(servers, s), nil
}

// newICEServer validates urls and attaches the credentials. TURN URLs need a
// static username and credential unless turnREST mints them.
func newICEServer(urls []string, username, credential string, turnREST bool) (webrtc.ICEServer, error) {
	s := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(username)}
	if strings.TrimSpace(credential) != "" {
		s.Credential = credential
	}
	if len(urls) == 0 {
		return s, errors.New("missing urls")
	}

	needsCreds := false
	for _, u := range urls {
		switch classifyICEURL(u) {
		case schemeTURN:
			needsCreds = true
		case schemeUnknown:
			return s, fmt.Errorf("unsupported url scheme: %q", strings.ToLower(u))
		}
	}
	if !needsCreds || turnREST {
		return s, nil
	}
	if s.Username == "" {
		return s, errors.New("turn urls require username")
	}
	if s.Credential == nil {
		return s, errors.New("turn urls require credential")
	}
	return s, nil
}

// compact trims each entry and drops the empty ones.
func compact(in []string) []string {
	var out []string
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
