package signaling

import (
	"errors"
	"fmt"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/teleconsult/signaling-relay/internal/auth"
	"github.com/teleconsult/signaling-relay/internal/registry"
	"github.com/teleconsult/signaling-relay/internal/room"
	"github.com/teleconsult/signaling-relay/internal/router"
	"github.com/teleconsult/signaling-relay/internal/sigproto"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err       error
		code      string
		fatal     bool
		closeCode int
	}{
		{registry.ErrDuplicateParticipant, sigproto.CodeDuplicateParticipant, false, 0},
		{room.ErrAlreadyMember, sigproto.CodeDuplicateParticipant, false, 0},
		{fmt.Errorf("join: %w", registry.ErrConnectionBound), sigproto.CodeAlreadyJoined, false, 0},
		{router.ErrUnknownRoom, sigproto.CodeUnknownRoom, false, 0},
		{router.ErrSenderNotMember, sigproto.CodeSenderNotMember, false, 0},
		{errNotJoined, sigproto.CodeSenderNotMember, false, 0},
		{sigproto.ErrInvalidMessage, sigproto.CodeBadMessage, false, 0},
		{auth.ErrForbiddenIdentity, sigproto.CodeUnauthorized, false, 0},
		{errBadFrame, sigproto.CodeBadMessage, true, websocket.CloseUnsupportedData},
		{errRateLimited, sigproto.CodeRateLimited, true, websocket.ClosePolicyViolation},
		{auth.ErrInvalidCredentials, sigproto.CodeUnauthorized, true, websocket.ClosePolicyViolation},
		{auth.ErrUnsupportedJWT, sigproto.CodeUnauthorized, true, websocket.ClosePolicyViolation},
		{room.ErrClosed, sigproto.CodeInternalError, true, websocket.CloseGoingAway},
		{errors.New("boom"), sigproto.CodeInternalError, true, websocket.CloseInternalServerErr},
	}
	for _, tc := range cases {
		got := classify(tc.err)
		if got.code != tc.code || got.fatal != tc.fatal || got.closeCode != tc.closeCode {
			t.Errorf("classify(%v)=%+v, want code=%s fatal=%v close=%d", tc.err, got, tc.code, tc.fatal, tc.closeCode)
		}
	}
}

func TestClientDetailHidesInternals(t *testing.T) {
	err := errors.New("dial tcp 10.0.0.5:5432: connection refused")
	if got := clientDetail(classify(err), err); got != "internal error" {
		t.Fatalf("detail=%q", got)
	}
	err = fmt.Errorf("%w: signature mismatch", auth.ErrInvalidCredentials)
	if got := clientDetail(classify(err), err); got != "unauthorized" {
		t.Fatalf("detail=%q", got)
	}
}
