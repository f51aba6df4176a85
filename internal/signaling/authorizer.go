package signaling

import (
	"net/http"

	"github.com/teleconsult/signaling-relay/internal/auth"
	"github.com/teleconsult/signaling-relay/internal/sigproto"
)

// Authorizer decides whether a connection may use the signaling channel.
//
// hello is the connection's `auth` message, or nil when only the upgrade
// request is available. The returned identity restricts which room and
// participant the connection may join as.
type Authorizer interface {
	Authorize(r *http.Request, hello *sigproto.Message) (auth.Identity, error)
}

type AllowAllAuthorizer struct{}

func (AllowAllAuthorizer) Authorize(*http.Request, *sigproto.Message) (auth.Identity, error) {
	return auth.Identity{}, nil
}
