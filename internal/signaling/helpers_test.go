package signaling

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teleconsult/signaling-relay/internal/room"
	"github.com/teleconsult/signaling-relay/internal/sigproto"
)

const testTimeout = 2 * time.Second

func startServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	srv := NewServer(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/webrtc/signal"
}

type testClient struct {
	t     *testing.T
	ws    *websocket.Conn
	codec sigproto.Codec
}

func dial(t *testing.T, wsURL string, subprotocols ...string) *testClient {
	t.Helper()
	d := websocket.Dialer{Subprotocols: subprotocols, HandshakeTimeout: testTimeout}
	ws, _, err := d.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	codec, ok := sigproto.CodecFor(ws.Subprotocol())
	if !ok {
		t.Fatalf("server picked unknown subprotocol %q", ws.Subprotocol())
	}
	return &testClient{t: t, ws: ws, codec: codec}
}

func (c *testClient) send(msg sigproto.Message) {
	c.t.Helper()
	data, err := c.codec.Encode(msg)
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	frameType := websocket.TextMessage
	if c.codec.Binary() {
		frameType = websocket.BinaryMessage
	}
	if err := c.ws.WriteMessage(frameType, data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) sendText(raw string) {
	c.t.Helper()
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) recv() sigproto.Message {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(testTimeout))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	msg, err := c.codec.Decode(data)
	if err != nil {
		c.t.Fatalf("decode %q: %v", data, err)
	}
	return msg
}

func (c *testClient) expect(typ sigproto.MessageType) sigproto.Message {
	c.t.Helper()
	msg := c.recv()
	if msg.Type != typ {
		c.t.Fatalf("got %+v, want type %q", msg, typ)
	}
	return msg
}

func (c *testClient) expectError(code string, requestType sigproto.MessageType) sigproto.Message {
	c.t.Helper()
	msg := c.expect(sigproto.TypeError)
	if msg.Code != code || msg.RequestType != requestType {
		c.t.Fatalf("error=%+v, want code %q for %q", msg, code, requestType)
	}
	return msg
}

// expectClose reads until the server's close frame arrives.
func (c *testClient) expectClose(code int) {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(testTimeout))
	for {
		_, _, err := c.ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			c.t.Fatalf("read err=%v, want close %d", err, code)
		}
		if ce.Code != code {
			c.t.Fatalf("close code=%d (%q), want %d", ce.Code, ce.Text, code)
		}
		return
	}
}

func (c *testClient) join(roomID, participantID string) sigproto.Message {
	c.t.Helper()
	c.send(sigproto.Message{Type: sigproto.TypeJoinRoom, RoomID: roomID, ParticipantID: participantID})
	ack := c.expect(sigproto.TypeJoined)
	if ack.RoomID != roomID || ack.ParticipantID != participantID {
		c.t.Fatalf("joined=%+v, want %s/%s", ack, roomID, participantID)
	}
	return ack
}

func (c *testClient) relay(typ sigproto.MessageType, roomID, participantID, payload string) {
	c.t.Helper()
	c.send(sigproto.Message{Type: typ, RoomID: roomID, ParticipantID: participantID, Payload: json.RawMessage(payload)})
}

type eventLog struct {
	mu     sync.Mutex
	events []room.Event
}

func (l *eventLog) HandleRoomEvent(e room.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) of(typ room.EventType) []room.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []room.Event
	for _, e := range l.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func jsonEqual(t *testing.T, got, want json.RawMessage) {
	t.Helper()
	var g, w any
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("unmarshal got %q: %v", got, err)
	}
	if err := json.Unmarshal(want, &w); err != nil {
		t.Fatalf("unmarshal want %q: %v", want, err)
	}
	if !reflect.DeepEqual(g, w) {
		t.Fatalf("payload=%s, want %s", got, want)
	}
}

type stoppedClock struct{ now time.Time }

func (c stoppedClock) Now() time.Time { return c.now }

func handshakeStatus(t *testing.T, wsURL string, header http.Header) int {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		_ = ws.Close()
		return http.StatusSwitchingProtocols
	}
	if resp == nil {
		t.Fatalf("dial: %v", err)
	}
	return resp.StatusCode
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
