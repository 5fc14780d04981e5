package auth

import "crypto/subtle"

type APIKeyVerifier struct {
	Expected string
}

// Verify ignores origin; API keys are not bound to a site.
func (v APIKeyVerifier) Verify(apiKey, _ string) error {
	if apiKey == "" || v.Expected == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.Expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
