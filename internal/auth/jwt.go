package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

const (
	hmacSHA256SigLen = 32
	// 32 bytes encode to 43 base64url characters without padding.
	hmacSHA256SigB64Len = 43
	maxJWTHeaderB64Len  = 4 * 1024
	maxJWTPayloadB64Len = 16 * 1024
	maxJWTLen           = maxJWTHeaderB64Len + 1 + maxJWTPayloadB64Len + 1 + hmacSHA256SigB64Len
)

// Claims is the subset of JWT claims the relay understands. Sub names the
// participant the token speaks for; Room optionally pins it to one room.
type Claims struct {
	Sub       string
	Room      string
	IssuedAt  time.Time
	ExpiresAt time.Time
	NotBefore time.Time
}

type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), now: time.Now}
}

func (v *JWTVerifier) Verify(token string) (Identity, error) {
	claims, err := v.Claims(token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{ParticipantID: claims.Sub, RoomID: claims.Room}, nil
}

// Claims verifies token and returns its claims.
func (v *JWTVerifier) Claims(token string) (Claims, error) {
	headerB64, payloadB64, sigB64, ok := splitJWTParts(token)
	if !ok {
		return Claims{}, ErrInvalidCredentials
	}
	if err := checkHeader(headerB64); err != nil {
		return Claims{}, err
	}

	gotSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil || len(gotSig) != hmacSHA256SigLen {
		return Claims{}, ErrInvalidCredentials
	}
	if !hmac.Equal(gotSig, sign(v.secret, headerB64, payloadB64)) {
		return Claims{}, ErrInvalidCredentials
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return Claims{}, ErrInvalidCredentials
	}
	raw, err := decodeObject(payloadJSON)
	if err != nil {
		return Claims{}, ErrInvalidCredentials
	}

	var c Claims
	now := v.now()
	if c.ExpiresAt, err = requiredTime(raw, "exp"); err != nil {
		return Claims{}, err
	}
	if !now.Before(c.ExpiresAt) {
		return Claims{}, fmt.Errorf("%w: token expired", ErrInvalidCredentials)
	}
	if c.IssuedAt, err = requiredTime(raw, "iat"); err != nil {
		return Claims{}, err
	}
	if _, ok := raw["nbf"]; ok {
		if c.NotBefore, err = requiredTime(raw, "nbf"); err != nil {
			return Claims{}, err
		}
		if now.Before(c.NotBefore) {
			return Claims{}, fmt.Errorf("%w: token not yet valid", ErrInvalidCredentials)
		}
	}
	if c.Sub, err = optionalString(raw, "sub"); err != nil {
		return Claims{}, err
	}
	if c.Sub == "" {
		return Claims{}, fmt.Errorf("%w: missing sub", ErrInvalidCredentials)
	}
	if c.Room, err = optionalString(raw, "room"); err != nil {
		return Claims{}, err
	}
	return c, nil
}

// SignHS256 mints a token accepted by JWTVerifier. Used by tooling and tests.
func SignHS256(secret string, c Claims) (string, error) {
	if c.Sub == "" {
		return "", errors.New("sub is required")
	}
	if c.ExpiresAt.IsZero() || c.IssuedAt.IsZero() {
		return "", errors.New("iat and exp are required")
	}
	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	body := map[string]any{
		"sub": c.Sub,
		"iat": c.IssuedAt.Unix(),
		"exp": c.ExpiresAt.Unix(),
	}
	if c.Room != "" {
		body["room"] = c.Room
	}
	if !c.NotBefore.IsZero() {
		body["nbf"] = c.NotBefore.Unix()
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding
	h, p := enc.EncodeToString(header), enc.EncodeToString(payload)
	return h + "." + p + "." + enc.EncodeToString(sign([]byte(secret), h, p)), nil
}

func sign(secret []byte, headerB64, payloadB64 string) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(payloadB64))
	return mac.Sum(nil)
}

func checkHeader(headerB64 string) error {
	headerJSON, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return ErrInvalidCredentials
	}
	header, err := decodeObject(headerJSON)
	if err != nil {
		return ErrInvalidCredentials
	}
	alg, ok := header["alg"].(string)
	if !ok {
		return ErrInvalidCredentials
	}
	if alg != "HS256" {
		return ErrUnsupportedJWT
	}
	if typ, present := header["typ"]; present {
		if _, ok := typ.(string); !ok {
			return ErrInvalidCredentials
		}
	}
	return nil
}

// decodeObject decodes exactly one JSON object with numbers kept as
// json.Number.
func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("not an object")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, errors.New("trailing data")
	}
	return out, nil
}

func requiredTime(claims map[string]any, key string) (time.Time, error) {
	n, ok := claims[key].(json.Number)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s must be a unix timestamp", ErrInvalidCredentials, key)
	}
	secs, err := n.Int64()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be a unix timestamp", ErrInvalidCredentials, key)
	}
	return time.Unix(secs, 0), nil
}

func optionalString(claims map[string]any, key string) (string, error) {
	raw, ok := claims[key]
	if !ok {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidCredentials, key)
	}
	return s, nil
}

func splitJWTParts(token string) (headerB64, payloadB64, sigB64 string, ok bool) {
	if token == "" || len(token) > maxJWTLen {
		return "", "", "", false
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", "", "", false
	}
	headerB64, payloadB64, sigB64 = parts[0], parts[1], parts[2]
	if len(headerB64) > maxJWTHeaderB64Len || len(payloadB64) > maxJWTPayloadB64Len || len(sigB64) != hmacSHA256SigB64Len {
		return "", "", "", false
	}
	for _, p := range parts {
		if !isCanonicalBase64URL(p) {
			return "", "", "", false
		}
	}
	return headerB64, payloadB64, sigB64, true
}

// isCanonicalBase64URL rejects padding, foreign characters and non-zero
// trailing bits, so one payload has exactly one encoding.
func isCanonicalBase64URL(raw string) bool {
	if raw == "" || len(raw)%4 == 1 {
		return false
	}
	var last byte
	for i := 0; i < len(raw); i++ {
		v, ok := b64urlValue(raw[i])
		if !ok {
			return false
		}
		last = v
	}
	switch len(raw) % 4 {
	case 2:
		return last&0x0f == 0
	case 3:
		return last&0x03 == 0
	}
	return true
}

func b64urlValue(b byte) (byte, bool) {
	switch {
	case b >= 'A' && b <= 'Z':
		return b - 'A', true
	case b >= 'a' && b <= 'z':
		return b - 'a' + 26, true
	case b >= '0' && b <= '9':
		return b - '0' + 52, true
	case b == '-':
		return 62, true
	case b == '_':
		return 63, true
	}
	return 0, false
}
