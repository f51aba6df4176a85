package signaling

import (
	"errors"
	"net/http"

	"github.com/teleconsult/signaling-relay/internal/auth"
	"github.com/teleconsult/signaling-relay/internal/config"
	"github.com/teleconsult/signaling-relay/internal/sigproto"
)

// AuthAuthorizer enforces AUTH_MODE=none|api_key|jwt.
//
// Credentials come from the `auth` message when one was sent, otherwise from
// the upgrade request's headers or query string.
type AuthAuthorizer struct {
	mode     config.AuthMode
	verifier auth.Verifier
}

func NewAuthAuthorizer(cfg config.Config) (AuthAuthorizer, error) {
	v, err := auth.NewVerifier(cfg)
	if err != nil {
		return AuthAuthorizer{}, err
	}
	return AuthAuthorizer{mode: cfg.AuthMode, verifier: v}, nil
}

func (a AuthAuthorizer) Authorize(r *http.Request, hello *sigproto.Message) (auth.Identity, error) {
	if a.mode == config.AuthModeNone {
		return auth.Identity{}, nil
	}
	if a.verifier == nil {
		return auth.Identity{}, errors.New("auth verifier not configured")
	}

	var (
		cred string
		err  error
	)
	if hello != nil {
		cred, err = auth.CredentialFromMessage(a.mode, *hello)
	} else {
		cred, err = auth.CredentialFromRequest(a.mode, r)
	}
	if err != nil {
		return auth.Identity{}, err
	}
	return a.verifier.Verify(cred)
}

// IsAuthMissing reports whether err means no credential was presented, as
// opposed to a bad one.
func IsAuthMissing(err error) bool {
	return errors.Is(err, auth.ErrMissingCredentials)
}

// IsUnauthorized reports whether err is a credential failure.
func IsUnauthorized(err error) bool {
	return errors.Is(err, auth.ErrMissingCredentials) ||
		errors.Is(err, auth.ErrInvalidCredentials) ||
		errors.Is(err, auth.ErrUnsupportedJWT)
}
