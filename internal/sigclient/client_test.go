package sigclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/teleconsult/signaling-relay/internal/config"
	"github.com/teleconsult/signaling-relay/internal/signaling"
	"github.com/teleconsult/signaling-relay/internal/sigproto"
)

func startRelay(t *testing.T, cfg signaling.Config) string {
	t.Helper()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := signaling.NewServer(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/webrtc/signal"
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func dialT(t *testing.T, ctx context.Context, url string, opts Options) *Client {
	t.Helper()
	c, err := Dial(ctx, url, opts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestJoinRelayLeave(t *testing.T) {
	ctx := testContext(t)
	url := startRelay(t, signaling.Config{})

	doctor := dialT(t, ctx, url, Options{})
	patient := dialT(t, ctx, url, Options{Subprotocol: sigproto.SubprotocolMsgpack})
	if patient.Subprotocol() != sigproto.SubprotocolMsgpack {
		t.Fatalf("Subprotocol=%q", patient.Subprotocol())
	}

	if members, err := doctor.Join(ctx, "consult-9", "doctor"); err != nil || len(members) != 0 {
		t.Fatalf("doctor Join members=%v err=%v", members, err)
	}
	members, err := patient.Join(ctx, "consult-9", "patient")
	if err != nil {
		t.Fatalf("patient Join: %v", err)
	}
	if len(members) != 1 || members[0] != "doctor" {
		t.Fatalf("members=%v, want [doctor]", members)
	}

	if msg, err := doctor.Recv(ctx); err != nil || msg.Type != sigproto.TypeParticipantJoined || msg.ParticipantID != "patient" {
		t.Fatalf("doctor got %+v err=%v, want participant-joined", msg, err)
	}

	payload := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	if err := doctor.Send(sigproto.Message{Type: sigproto.TypeOffer, RoomID: "consult-9", ParticipantID: "doctor", Payload: payload}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg, err := patient.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if msg.Type != sigproto.TypeOffer || msg.SenderParticipantID != "doctor" {
		t.Fatalf("patient got %+v", msg)
	}

	if err := patient.Leave(ctx, "consult-9", "patient"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if msg, err := doctor.Recv(ctx); err != nil || msg.Type != sigproto.TypeParticipantLeft {
		t.Fatalf("doctor got %+v err=%v, want participant-left", msg, err)
	}
}

func TestJoinRejectionIsServerError(t *testing.T) {
	ctx := testContext(t)
	url := startRelay(t, signaling.Config{})

	a := dialT(t, ctx, url, Options{})
	b := dialT(t, ctx, url, Options{})
	if _, err := a.Join(ctx, "R", "same"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	_, err := b.Join(ctx, "R", "same")
	var se *ServerError
	if !errors.As(err, &se) || se.Code != sigproto.CodeDuplicateParticipant {
		t.Fatalf("err=%v, want %s", err, sigproto.CodeDuplicateParticipant)
	}
}

func TestEndConsultation(t *testing.T) {
	ctx := testContext(t)
	url := startRelay(t, signaling.Config{})

	a := dialT(t, ctx, url, Options{})
	b := dialT(t, ctx, url, Options{})
	if _, err := a.Join(ctx, "R", "a"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := b.Join(ctx, "R", "b"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := a.EndConsultation(ctx, "R", "a"); err != nil {
		t.Fatalf("EndConsultation: %v", err)
	}
	for {
		msg, err := b.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if msg.Type == sigproto.TypeConsultationEnded {
			if msg.SenderParticipantID != "a" {
				t.Fatalf("consultation-ended=%+v, want sender a", msg)
			}
			return
		}
	}
}

func TestAuthFailureSurfacesCloseAfterError(t *testing.T) {
	ctx := testContext(t)
	authz, err := signaling.NewAuthAuthorizer(config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "k"})
	if err != nil {
		t.Fatalf("NewAuthAuthorizer: %v", err)
	}
	url := startRelay(t, signaling.Config{Authorizer: authz})

	c := dialT(t, ctx, url, Options{})
	if err := c.Authenticate("wrong", ""); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	msg, err := c.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	var se *ServerError
	if !errors.As(AsError(msg), &se) || se.Code != sigproto.CodeUnauthorized {
		t.Fatalf("got %+v, want unauthorized", msg)
	}
	if _, err := c.Recv(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v, want %v", err, ErrClosed)
	}
}

func TestRecvHonoursContext(t *testing.T) {
	url := startRelay(t, signaling.Config{})
	c := dialT(t, testContext(t), url, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want %v", err, context.DeadlineExceeded)
	}
}

func TestDialRejectsUnknownSubprotocol(t *testing.T) {
	if _, err := Dial(context.Background(), "ws://127.0.0.1:1/", Options{Subprotocol: "bogus"}); err == nil {
		t.Fatalf("expected error")
	}
}
