package signaling

import (
	"errors"

	"github.com/gorilla/websocket"

	"github.com/teleconsult/signaling-relay/internal/auth"
	"github.com/teleconsult/signaling-relay/internal/registry"
	"github.com/teleconsult/signaling-relay/internal/room"
	"github.com/teleconsult/signaling-relay/internal/router"
	"github.com/teleconsult/signaling-relay/internal/sigproto"
)

var (
	errAlreadyJoined = errors.New("connection already joined a room")
	errNotJoined     = errors.New("connection has not joined this room")
	errAuthRequired  = errors.New("authentication required")
	errAuthTimeout   = errors.New("authentication timeout")
	errRateLimited   = errors.New("rate limit exceeded")
	errBadFrame      = errors.New("malformed frame")
)

// rejection is how an error is reported to the client. Fatal rejections close
// the connection with closeCode; the rest leave it open.
type rejection struct {
	code      string
	fatal     bool
	closeCode int
}

func classify(err error) rejection {
	switch {
	case errors.Is(err, registry.ErrDuplicateParticipant), errors.Is(err, room.ErrAlreadyMember):
		return rejection{code: sigproto.CodeDuplicateParticipant}
	case errors.Is(err, registry.ErrConnectionBound), errors.Is(err, errAlreadyJoined):
		return rejection{code: sigproto.CodeAlreadyJoined}
	case errors.Is(err, router.ErrUnknownRoom):
		return rejection{code: sigproto.CodeUnknownRoom}
	case errors.Is(err, router.ErrSenderNotMember), errors.Is(err, errNotJoined):
		return rejection{code: sigproto.CodeSenderNotMember}
	case errors.Is(err, sigproto.ErrInvalidMessage), errors.Is(err, router.ErrInvalidEnvelope):
		return rejection{code: sigproto.CodeBadMessage}
	case errors.Is(err, auth.ErrForbiddenIdentity):
		return rejection{code: sigproto.CodeUnauthorized}

	case errors.Is(err, errBadFrame):
		return rejection{code: sigproto.CodeBadMessage, fatal: true, closeCode: websocket.CloseUnsupportedData}
	case errors.Is(err, errRateLimited):
		return rejection{code: sigproto.CodeRateLimited, fatal: true, closeCode: websocket.ClosePolicyViolation}
	case errors.Is(err, errAuthRequired), errors.Is(err, errAuthTimeout), IsUnauthorized(err):
		return rejection{code: sigproto.CodeUnauthorized, fatal: true, closeCode: websocket.ClosePolicyViolation}
	case errors.Is(err, registry.ErrClosed), errors.Is(err, room.ErrClosed):
		return rejection{code: sigproto.CodeInternalError, fatal: true, closeCode: websocket.CloseGoingAway}
	default:
		return rejection{code: sigproto.CodeInternalError, fatal: true, closeCode: websocket.CloseInternalServerErr}
	}
}

// clientDetail is the message sent alongside a rejection. Credential and
// internal failures are not described to the client.
func clientDetail(r rejection, err error) string {
	switch r.code {
	case sigproto.CodeUnauthorized:
		if errors.Is(err, auth.ErrForbiddenIdentity) || errors.Is(err, errAuthRequired) || errors.Is(err, errAuthTimeout) {
			return err.Error()
		}
		return "unauthorized"
	case sigproto.CodeInternalError:
		return "internal error"
	}
	return err.Error()
}
