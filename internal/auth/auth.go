// Package auth optionally gates the signaling endpoints behind a shared API
// key or an HS256 JWT minted by the embedding application.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/origin"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Verifier checks a credential presented by a request whose normalized Origin
// is origin ("" for non-browser clients).
type Verifier interface {
	Verify(credential, origin string) error
}

// Gate pulls credentials off HTTP requests and hands them to a Verifier. A
// nil *Gate admits every request.
type Gate struct {
	mode     config.AuthMode
	verifier Verifier
}

// NewGate returns nil for config.AuthModeNone.
func NewGate(cfg config.Config) (*Gate, error) {
	var v Verifier
	switch cfg.AuthMode {
	case config.AuthModeNone, "":
		return nil, nil
	case config.AuthModeAPIKey:
		v = APIKeyVerifier{Expected: cfg.APIKey}
	case config.AuthModeJWT:
		v = NewJWTVerifier(cfg.JWTSecret)
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
	return &Gate{mode: cfg.AuthMode, verifier: v}, nil
}

func (g *Gate) Mode() config.AuthMode {
	if g == nil {
		return config.AuthModeNone
	}
	return g.mode
}

// Check authenticates r. Browsers cannot attach headers to a WebSocket
// upgrade, so the query string is accepted alongside Authorization: Bearer.
func (g *Gate) Check(r *http.Request) error {
	if g == nil {
		return nil
	}
	cred, err := CredentialFromRequest(g.mode, r)
	if err != nil {
		return err
	}
	requestOrigin := ""
	if h := r.Header.Get("Origin"); h != "" {
		normalized, _, ok := origin.Normalize(h)
		if !ok {
			return ErrInvalidCredentials
		}
		requestOrigin = normalized
	}
	return g.verifier.Verify(cred, requestOrigin)
}

// CredentialFromRequest prefers the Authorization header, then the query
// parameter for mode (apiKey or token).
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, cred, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(cred) != "" {
			return strings.TrimSpace(cred), nil
		}
		return "", ErrInvalidCredentials
	}

	q := r.URL.Query()
	var cred string
	switch mode {
	case config.AuthModeAPIKey:
		cred = q.Get("apiKey")
	case config.AuthModeJWT:
		cred = q.Get("token")
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
	if cred == "" {
		return "", ErrMissingCredentials
	}
	return cred, nil
}
