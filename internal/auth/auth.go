// Package auth verifies signaling credentials (static API keys or HS256 JWTs)
// and reports which room/participant a verified credential may speak for.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/teleconsult/signaling-relay/internal/config"
	"github.com/teleconsult/signaling-relay/internal/sigproto"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrForbiddenIdentity  = errors.New("credential does not permit this participant or room")
)

// Identity is what a verified credential permits. Empty fields are
// unrestricted.
type Identity struct {
	ParticipantID string
	RoomID        string
}

func (id Identity) Permits(roomID, participantID string) error {
	if id.ParticipantID != "" && id.ParticipantID != participantID {
		return fmt.Errorf("%w: token is bound to participant %q", ErrForbiddenIdentity, id.ParticipantID)
	}
	if id.RoomID != "" && id.RoomID != roomID {
		return fmt.Errorf("%w: token is bound to room %q", ErrForbiddenIdentity, id.RoomID)
	}
	return nil
}

type Verifier interface {
	Verify(credential string) (Identity, error)
}

type allowAll struct{}

func (allowAll) Verify(string) (Identity, error) { return Identity{}, nil }

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return allowAll{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromQuery reads ?apiKey= or ?token=, preferring the one that
// matches mode. AUTH_MODE=none never requires a credential.
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	return pickCredential(mode, q.Get("apiKey"), q.Get("token"))
}

// CredentialFromRequest checks the Authorization and X-API-Key headers before
// falling back to the query string.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	var bearer string
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		if scheme, value, ok := strings.Cut(authz, " "); ok && strings.EqualFold(scheme, "Bearer") {
			bearer = strings.TrimSpace(value)
		}
	}
	apiKey := strings.TrimSpace(r.Header.Get("X-API-Key"))
	if bearer != "" || apiKey != "" {
		return pickCredential(mode, apiKey, bearer)
	}
	return CredentialFromQuery(mode, r.URL.Query())
}

// CredentialFromMessage extracts the credential from an `auth` message.
func CredentialFromMessage(mode config.AuthMode, msg sigproto.Message) (string, error) {
	return pickCredential(mode, msg.APIKey, msg.Token)
}

func pickCredential(mode config.AuthMode, apiKey, token string) (string, error) {
	apiKey, token = strings.TrimSpace(apiKey), strings.TrimSpace(token)
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		if apiKey != "" {
			return apiKey, nil
		}
		if token != "" {
			return token, nil
		}
	case config.AuthModeJWT:
		if token != "" {
			return token, nil
		}
		if apiKey != "" {
			return apiKey, nil
		}
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
	return "", ErrMissingCredentials
}
