package auth

import "crypto/subtle"

type APIKeyVerifier struct {
	Expected string
}

// Verify compares in constant time. API keys are not bound to an identity.
func (v APIKeyVerifier) Verify(apiKey string) (Identity, error) {
	if apiKey == "" || v.Expected == "" {
		return Identity{}, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.Expected)) != 1 {
		return Identity{}, ErrInvalidCredentials
	}
	return Identity{}, nil
}
