package signaling

import (
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teleconsult/signaling-relay/internal/auth"
	"github.com/teleconsult/signaling-relay/internal/config"
	"github.com/teleconsult/signaling-relay/internal/metrics"
	"github.com/teleconsult/signaling-relay/internal/sigproto"
)

func newAuthorizer(t *testing.T, cfg config.Config) Authorizer {
	t.Helper()
	a, err := NewAuthAuthorizer(cfg)
	if err != nil {
		t.Fatalf("NewAuthAuthorizer: %v", err)
	}
	return a
}

func TestAuth_APIKeyInQuery(t *testing.T) {
	_, wsURL := startServer(t, Config{
		Authorizer: newAuthorizer(t, config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "clinic-key"}),
	})
	c := dial(t, wsURL+"?apiKey="+url.QueryEscape("clinic-key"))
	c.join("R1", "P1")
}

func TestAuth_APIKeyMessage(t *testing.T) {
	_, wsURL := startServer(t, Config{
		Authorizer: newAuthorizer(t, config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "clinic-key"}),
	})
	c := dial(t, wsURL)
	c.send(sigproto.Message{Type: sigproto.TypeAuth, APIKey: "clinic-key"})
	c.join("R1", "P1")
}

func TestAuth_WrongKeyClosesConnection(t *testing.T) {
	m := metrics.New()
	_, wsURL := startServer(t, Config{
		Metrics:    m,
		Authorizer: newAuthorizer(t, config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "clinic-key"}),
	})
	c := dial(t, wsURL)
	c.send(sigproto.Message{Type: sigproto.TypeAuth, APIKey: "guess"})
	if msg := c.expectError(sigproto.CodeUnauthorized, sigproto.TypeAuth); msg.Detail != "unauthorized" {
		t.Fatalf("detail=%q leaks verifier output", msg.Detail)
	}
	c.expectClose(websocket.ClosePolicyViolation)
	if got := m.Get(metrics.AuthFailed); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.AuthFailed, got)
	}
}

func TestAuth_BadQueryCredentialRejectedBeforeReading(t *testing.T) {
	_, wsURL := startServer(t, Config{
		Authorizer: newAuthorizer(t, config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "clinic-key"}),
	})
	c := dial(t, wsURL+"?apiKey=nope")
	c.expectError(sigproto.CodeUnauthorized, "")
	c.expectClose(websocket.ClosePolicyViolation)
}

func TestAuth_FirstMessageMustAuthenticate(t *testing.T) {
	_, wsURL := startServer(t, Config{
		Authorizer: newAuthorizer(t, config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "clinic-key"}),
	})
	c := dial(t, wsURL)
	c.send(sigproto.Message{Type: sigproto.TypeJoinRoom, RoomID: "R1", ParticipantID: "P1"})
	c.expectError(sigproto.CodeUnauthorized, sigproto.TypeJoinRoom)
	c.expectClose(websocket.ClosePolicyViolation)
}

func TestAuth_Timeout(t *testing.T) {
	_, wsURL := startServer(t, Config{
		Authorizer:           newAuthorizer(t, config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "clinic-key"}),
		SignalingAuthTimeout: 50 * time.Millisecond,
	})
	c := dial(t, wsURL)
	msg := c.expectError(sigproto.CodeUnauthorized, "")
	if msg.Detail != errAuthTimeout.Error() {
		t.Fatalf("detail=%q, want %q", msg.Detail, errAuthTimeout.Error())
	}
	c.expectClose(websocket.ClosePolicyViolation)
}

func TestAuth_JWTIdentityBindsParticipant(t *testing.T) {
	const secret = "jwt-secret"
	_, wsURL := startServer(t, Config{
		Authorizer: newAuthorizer(t, config.Config{AuthMode: config.AuthModeJWT, JWTSecret: secret}),
	})
	now := time.Now()
	token, err := auth.SignHS256(secret, auth.Claims{
		Sub:       "doctor-1",
		Room:      "consult-42",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("SignHS256: %v", err)
	}

	c := dial(t, wsURL)
	c.send(sigproto.Message{Type: sigproto.TypeAuth, Token: token})

	c.send(sigproto.Message{Type: sigproto.TypeJoinRoom, RoomID: "consult-42", ParticipantID: "patient-1"})
	c.expectError(sigproto.CodeUnauthorized, sigproto.TypeJoinRoom)
	c.send(sigproto.Message{Type: sigproto.TypeJoinRoom, RoomID: "consult-43", ParticipantID: "doctor-1"})
	c.expectError(sigproto.CodeUnauthorized, sigproto.TypeJoinRoom)

	c.join("consult-42", "doctor-1")
}

func TestAuth_NoneModeToleratesAuthMessage(t *testing.T) {
	_, wsURL := startServer(t, Config{
		Authorizer: newAuthorizer(t, config.Config{AuthMode: config.AuthModeNone}),
	})
	c := dial(t, wsURL)
	c.send(sigproto.Message{Type: sigproto.TypeAuth, Token: "ignored"})
	c.join("R1", "P1")
}
