package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/origin"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

const (
	// base64url-no-pad length of a 32-byte HMAC-SHA256.
	hmacSHA256SigB64Len = 43
	maxJWTHeaderB64Len  = 4 * 1024
	maxJWTPayloadB64Len = 16 * 1024
	maxJWTLen           = maxJWTHeaderB64Len + 1 + maxJWTPayloadB64Len + 1 + hmacSHA256SigB64Len
)

// Strict rejects non-zero trailing bits, so every token has one encoding.
var b64 = base64.RawURLEncoding.Strict()

// Claims are the registered claims the relay looks at. Unknown claims are
// ignored.
type Claims struct {
	SID    string
	Exp    int64
	Iat    int64
	Origin string
}

type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), now: time.Now}
}

// Verify accepts token when it parses and, if it carries an origin claim,
// that claim names the requesting origin.
func (v *JWTVerifier) Verify(token, requestOrigin string) error {
	claims, err := v.Parse(token)
	if err != nil {
		return err
	}
	if claims.Origin == "" {
		return nil
	}
	bound, _, ok := origin.Normalize(claims.Origin)
	if !ok || requestOrigin == "" || bound != requestOrigin {
		return ErrInvalidCredentials
	}
	return nil
}

type jwtHeader struct {
	Alg string `json:"alg"`
}

type jwtPayload struct {
	Exp    *json.Number `json:"exp"`
	Iat    *json.Number `json:"iat"`
	Nbf    *json.Number `json:"nbf"`
	SID    *string      `json:"sid"`
	Origin *string      `json:"origin"`
}

// Parse checks the HS256 signature and the time claims. exp is required; nbf
// is enforced when present.
func (v *JWTVerifier) Parse(token string) (Claims, error) {
	headerB64, payloadB64, sigB64, ok := splitJWT(token)
	if !ok {
		return Claims{}, ErrInvalidCredentials
	}

	var header jwtHeader
	if err := decodeSegment(headerB64, &header); err != nil {
		return Claims{}, ErrInvalidCredentials
	}
	if header.Alg != "HS256" {
		return Claims{}, ErrUnsupportedJWT
	}

	gotSig, err := b64.DecodeString(sigB64)
	if err != nil {
		return Claims{}, ErrInvalidCredentials
	}
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(headerB64 + "." + payloadB64))
	if !hmac.Equal(gotSig, mac.Sum(nil)) {
		return Claims{}, ErrInvalidCredentials
	}

	var p jwtPayload
	if err := decodeSegment(payloadB64, &p); err != nil {
		return Claims{}, ErrInvalidCredentials
	}

	now := v.now().Unix()
	if p.Exp == nil {
		return Claims{}, ErrInvalidCredentials
	}
	exp, err := p.Exp.Int64()
	if err != nil || now >= exp {
		return Claims{}, ErrInvalidCredentials
	}
	if p.Nbf != nil {
		nbf, err := p.Nbf.Int64()
		if err != nil || now < nbf {
			return Claims{}, ErrInvalidCredentials
		}
	}

	claims := Claims{Exp: exp}
	if p.Iat != nil {
		if claims.Iat, err = p.Iat.Int64(); err != nil {
			return Claims{}, ErrInvalidCredentials
		}
	}
	if p.SID != nil {
		claims.SID = *p.SID
	}
	if p.Origin != nil {
		if *p.Origin == "" {
			return Claims{}, ErrInvalidCredentials
		}
		claims.Origin = *p.Origin
	}
	return claims, nil
}

func splitJWT(token string) (headerB64, payloadB64, sigB64 string, ok bool) {
	if token == "" || len(token) > maxJWTLen {
		return "", "", "", false
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", "", "", false
	}
	headerB64, payloadB64, sigB64 = parts[0], parts[1], parts[2]
	if headerB64 == "" || len(headerB64) > maxJWTHeaderB64Len {
		return "", "", "", false
	}
	if payloadB64 == "" || len(payloadB64) > maxJWTPayloadB64Len {
		return "", "", "", false
	}
	if len(sigB64) != hmacSHA256SigB64Len {
		return "", "", "", false
	}
	return headerB64, payloadB64, sigB64, true
}

// decodeSegment requires exactly one JSON object in the segment.
func decodeSegment(seg string, v any) error {
	raw, err := b64.DecodeString(seg)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("trailing data after json object")
	}
	return nil
}
