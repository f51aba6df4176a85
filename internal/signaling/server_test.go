package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teleconsult/signaling-relay/internal/metrics"
	"github.com/teleconsult/signaling-relay/internal/origin"
	"github.com/teleconsult/signaling-relay/internal/room"
	"github.com/teleconsult/signaling-relay/internal/sigproto"
)

func TestJoinAndRelay_NoEcho(t *testing.T) {
	_, url := startServer(t, Config{})
	doctor := dial(t, url)
	patient := dial(t, url)

	if ack := doctor.join("consult-1", "doctor"); len(ack.Members) != 0 {
		t.Fatalf("first joiner members=%v, want none", ack.Members)
	}
	ack := patient.join("consult-1", "patient")
	if !reflect.DeepEqual(ack.Members, []string{"doctor"}) {
		t.Fatalf("members=%v, want [doctor]", ack.Members)
	}
	if msg := doctor.expect(sigproto.TypeParticipantJoined); msg.ParticipantID != "patient" || msg.RoomID != "consult-1" {
		t.Fatalf("participant-joined=%+v", msg)
	}

	offer := `{"type":"offer","sdp":"v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\n"}`
	doctor.relay(sigproto.TypeOffer, "consult-1", "doctor", offer)
	got := patient.expect(sigproto.TypeOffer)
	if got.SenderParticipantID != "doctor" || got.RoomID != "consult-1" || got.ParticipantID != "" {
		t.Fatalf("offer=%+v", got)
	}
	jsonEqual(t, got.Payload, json.RawMessage(offer))

	// The doctor's next frame must be the patient's answer, not its own offer.
	answer := `{"type":"answer","sdp":"v=0\r\n"}`
	patient.relay(sigproto.TypeAnswer, "consult-1", "patient", answer)
	back := doctor.expect(sigproto.TypeAnswer)
	if back.SenderParticipantID != "patient" {
		t.Fatalf("answer=%+v", back)
	}
	jsonEqual(t, back.Payload, json.RawMessage(answer))
}

func TestRelay_PreservesPerSenderOrder(t *testing.T) {
	_, url := startServer(t, Config{})
	a := dial(t, url)
	b := dial(t, url)
	a.join("r", "a")
	b.join("r", "b")
	a.expect(sigproto.TypeParticipantJoined)

	a.relay(sigproto.TypeOffer, "r", "a", `{"seq":0}`)
	for i := 1; i <= 5; i++ {
		a.relay(sigproto.TypeICECandidate, "r", "a", fmt.Sprintf(`{"seq":%d}`, i))
	}

	if got := b.expect(sigproto.TypeOffer); string(got.Payload) != `{"seq":0}` {
		t.Fatalf("first=%s, want seq 0", got.Payload)
	}
	for i := 1; i <= 5; i++ {
		got := b.expect(sigproto.TypeICECandidate)
		if want := fmt.Sprintf(`{"seq":%d}`, i); string(got.Payload) != want {
			t.Fatalf("candidate %d payload=%s, want %s", i, got.Payload, want)
		}
	}
}

func TestDisconnect_NotifiesPeerAndClosesRoomOnce(t *testing.T) {
	events := &eventLog{}
	srv, url := startServer(t, Config{Sink: events})
	p1 := dial(t, url)
	p2 := dial(t, url)
	p1.join("R1", "P1")
	p2.join("R1", "P1-peer")
	p1.expect(sigproto.TypeParticipantJoined)

	_ = p1.ws.Close()
	left := p2.expect(sigproto.TypeParticipantLeft)
	if left.ParticipantID != "P1" || left.RoomID != "R1" {
		t.Fatalf("participant-left=%+v", left)
	}
	if n := len(events.of(room.EventRoomClosed)); n != 0 {
		t.Fatalf("room closed while a member remains (%d events)", n)
	}

	p2.send(sigproto.Message{Type: sigproto.TypeLeaveRoom, RoomID: "R1", ParticipantID: "P1-peer"})
	p2.expect(sigproto.TypeLeft)

	waitFor(t, "room-closed", func() bool { return len(events.of(room.EventRoomClosed)) > 0 })
	time.Sleep(20 * time.Millisecond)
	if n := len(events.of(room.EventRoomClosed)); n != 1 {
		t.Fatalf("room-closed fired %d times, want 1", n)
	}
	waitFor(t, "registry drain", func() bool { return srv.registry.Len() == 0 })
	if s := srv.Stats(); s.Rooms != 0 || s.Participants != 0 {
		t.Fatalf("Stats=%+v, want no rooms", s)
	}
}

func TestDuplicateParticipantRejected_ExistingUntouched(t *testing.T) {
	m := metrics.New()
	_, url := startServer(t, Config{Metrics: m})
	first := dial(t, url)
	second := dial(t, url)
	other := dial(t, url)

	first.join("R1", "P1")
	second.send(sigproto.Message{Type: sigproto.TypeJoinRoom, RoomID: "R1", ParticipantID: "P1"})
	second.expectError(sigproto.CodeDuplicateParticipant, sigproto.TypeJoinRoom)

	// The rejected connection stays usable and the original binding still
	// receives room traffic.
	second.join("R1", "P2")
	if msg := first.expect(sigproto.TypeParticipantJoined); msg.ParticipantID != "P2" {
		t.Fatalf("participant-joined=%+v", msg)
	}
	other.join("R1", "P3")
	if msg := first.expect(sigproto.TypeParticipantJoined); msg.ParticipantID != "P3" {
		t.Fatalf("participant-joined=%+v", msg)
	}
	if got := m.Get(metrics.JoinRejectedDuplicate); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.JoinRejectedDuplicate, got)
	}
}

func TestRelayRejections_KeepConnectionOpen(t *testing.T) {
	_, url := startServer(t, Config{})
	member := dial(t, url)
	stranger := dial(t, url)
	member.join("R1", "P1")

	member.relay(sigproto.TypeOffer, "R2", "P1", `{"sdp":"x"}`)
	member.expectError(sigproto.CodeUnknownRoom, sigproto.TypeOffer)

	stranger.relay(sigproto.TypeOffer, "R1", "P9", `{"sdp":"x"}`)
	stranger.expectError(sigproto.CodeSenderNotMember, sigproto.TypeOffer)

	// A joined connection cannot speak for another member.
	stranger.join("R1", "P2")
	member.expect(sigproto.TypeParticipantJoined)
	stranger.relay(sigproto.TypeOffer, "R1", "P1", `{"sdp":"spoof"}`)
	stranger.expectError(sigproto.CodeSenderNotMember, sigproto.TypeOffer)

	member.relay(sigproto.TypeOffer, "R1", "P1", `{"sdp":"ok"}`)
	if got := stranger.expect(sigproto.TypeOffer); string(got.Payload) != `{"sdp":"ok"}` {
		t.Fatalf("offer payload=%s", got.Payload)
	}
}

func TestRelayToMissingRoomFromUnjoinedConnection(t *testing.T) {
	_, url := startServer(t, Config{})
	stray := dial(t, url)
	stray.relay(sigproto.TypeICECandidate, "R9", "stray", `{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host"}`)
	stray.expectError(sigproto.CodeUnknownRoom, sigproto.TypeICECandidate)

	// Speaking for someone else in a missing room also reports the room.
	member := dial(t, url)
	member.join("R1", "P1")
	member.relay(sigproto.TypeOffer, "R7", "P2", `{"sdp":"x"}`)
	member.expectError(sigproto.CodeUnknownRoom, sigproto.TypeOffer)

	stray.join("R9", "stray")
}

func TestJoinSecondRoomOnSameConnectionRejected(t *testing.T) {
	_, url := startServer(t, Config{})
	c := dial(t, url)
	c.join("R1", "P1")
	c.join("R1", "P1")

	c.send(sigproto.Message{Type: sigproto.TypeJoinRoom, RoomID: "R2", ParticipantID: "P1"})
	c.expectError(sigproto.CodeAlreadyJoined, sigproto.TypeJoinRoom)

	c.send(sigproto.Message{Type: sigproto.TypeLeaveRoom, RoomID: "R1", ParticipantID: "P1"})
	c.expect(sigproto.TypeLeft)
	c.join("R2", "P1")
}

func TestLeaveWithoutJoinRejected(t *testing.T) {
	_, url := startServer(t, Config{})
	c := dial(t, url)
	c.send(sigproto.Message{Type: sigproto.TypeLeaveRoom, RoomID: "R1", ParticipantID: "P1"})
	c.expectError(sigproto.CodeSenderNotMember, sigproto.TypeLeaveRoom)
}

func TestRejoinAfterClose_NewGeneration(t *testing.T) {
	events := &eventLog{}
	_, url := startServer(t, Config{Sink: events})
	c := dial(t, url)

	c.join("R1", "P1")
	c.send(sigproto.Message{Type: sigproto.TypeLeaveRoom, RoomID: "R1", ParticipantID: "P1"})
	c.expect(sigproto.TypeLeft)
	c.join("R1", "P1")

	created := events.of(room.EventRoomCreated)
	if len(created) != 2 {
		t.Fatalf("room-created=%d, want 2", len(created))
	}
	if created[0].Generation == created[1].Generation {
		t.Fatalf("re-created room reused generation %d", created[0].Generation)
	}
}

type recordingEnder struct {
	mu    sync.Mutex
	calls []string
}

func (e *recordingEnder) EndConsultation(roomID string, generation uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, fmt.Sprintf("%s#%d", roomID, generation))
	return true
}

func TestEndConsultation(t *testing.T) {
	events := &eventLog{}
	ender := &recordingEnder{}
	_, url := startServer(t, Config{Sink: events, Ender: ender})
	doctor := dial(t, url)
	patient := dial(t, url)
	doctor.join("consult-9", "doctor")
	patient.join("consult-9", "patient")
	doctor.expect(sigproto.TypeParticipantJoined)

	doctor.send(sigproto.Message{Type: sigproto.TypeEndConsultation, RoomID: "consult-9", ParticipantID: "doctor"})
	if msg := patient.expect(sigproto.TypeConsultationEnded); msg.SenderParticipantID != "doctor" || msg.RoomID != "consult-9" {
		t.Fatalf("consultation-ended=%+v", msg)
	}
	doctor.expect(sigproto.TypeConsultationEnded)

	gen := events.of(room.EventRoomCreated)[0].Generation
	ender.mu.Lock()
	defer ender.mu.Unlock()
	if want := []string{fmt.Sprintf("consult-9#%d", gen)}; !reflect.DeepEqual(ender.calls, want) {
		t.Fatalf("EndConsultation calls=%v, want %v", ender.calls, want)
	}
}

func TestMsgpackPeerInteroperatesWithJSONPeer(t *testing.T) {
	_, url := startServer(t, Config{})
	jsonPeer := dial(t, url)
	binPeer := dial(t, url, sigproto.SubprotocolMsgpack)
	if binPeer.ws.Subprotocol() != sigproto.SubprotocolMsgpack {
		t.Fatalf("subprotocol=%q", binPeer.ws.Subprotocol())
	}
	if jsonPeer.ws.Subprotocol() != "" {
		t.Fatalf("json peer negotiated %q without asking", jsonPeer.ws.Subprotocol())
	}

	jsonPeer.join("R", "web")
	binPeer.join("R", "app")
	jsonPeer.expect(sigproto.TypeParticipantJoined)

	offer := `{"type":"offer","sdp":"v=0","bundle":[0,1],"trickle":true}`
	jsonPeer.relay(sigproto.TypeOffer, "R", "web", offer)
	got := binPeer.expect(sigproto.TypeOffer)
	jsonEqual(t, got.Payload, json.RawMessage(offer))

	cand := `{"candidate":"candidate:1 1 udp 2122260223 10.0.0.2 54321 typ host","sdpMLineIndex":0}`
	binPeer.relay(sigproto.TypeICECandidate, "R", "app", cand)
	back := jsonPeer.expect(sigproto.TypeICECandidate)
	if back.SenderParticipantID != "app" {
		t.Fatalf("candidate=%+v", back)
	}
	jsonEqual(t, back.Payload, json.RawMessage(cand))
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	m := metrics.New()
	_, url := startServer(t, Config{Metrics: m})
	c := dial(t, url)
	c.sendText(`{"type":"join-room","roomId":"R1","participantId":"P1","extra":1}`)
	c.expectError(sigproto.CodeBadMessage, "")
	c.expectClose(websocket.CloseUnsupportedData)
	if got := m.Get(metrics.BadMessage); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.BadMessage, got)
	}
}

func TestWrongFrameTypeClosesConnection(t *testing.T) {
	_, url := startServer(t, Config{})
	c := dial(t, url)
	if err := c.ws.WriteMessage(websocket.BinaryMessage, []byte{0x80}); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.expectError(sigproto.CodeBadMessage, "")
	c.expectClose(websocket.CloseUnsupportedData)
}

func TestInvalidMessageKeepsConnectionOpen(t *testing.T) {
	_, url := startServer(t, Config{})
	c := dial(t, url)
	c.send(sigproto.Message{Type: sigproto.TypeJoinRoom, RoomID: "R1"})
	c.expectError(sigproto.CodeBadMessage, sigproto.TypeJoinRoom)
	c.send(sigproto.Message{Type: sigproto.TypeParticipantJoined, RoomID: "R1", ParticipantID: "P1"})
	c.expectError(sigproto.CodeBadMessage, sigproto.TypeParticipantJoined)
	c.join("R1", "P1")
}

func TestRateLimitClosesConnection(t *testing.T) {
	m := metrics.New()
	_, url := startServer(t, Config{
		Metrics:                       m,
		Clock:                         stoppedClock{now: time.Unix(1_000, 0)},
		MaxSignalingMessagesPerSecond: 2,
	})
	c := dial(t, url)
	c.join("R1", "P1")
	c.join("R1", "P1")
	c.send(sigproto.Message{Type: sigproto.TypeJoinRoom, RoomID: "R1", ParticipantID: "P1"})
	c.expectError(sigproto.CodeRateLimited, "")
	c.expectClose(websocket.ClosePolicyViolation)
	if got := m.Get(metrics.RateLimited); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.RateLimited, got)
	}
}

func TestIdleRoomReaperEvictsLoneMember(t *testing.T) {
	events := &eventLog{}
	m := metrics.New()
	_, url := startServer(t, Config{
		Sink:          events,
		Metrics:       m,
		IdleRoomGrace: 50 * time.Millisecond,
		ReapInterval:  10 * time.Millisecond,
	})
	c := dial(t, url)
	c.join("waiting-room", "patient")

	left := c.expect(sigproto.TypeLeft)
	if left.RoomID != "waiting-room" || left.ParticipantID != "patient" {
		t.Fatalf("left=%+v", left)
	}
	waitFor(t, "room-closed", func() bool { return len(events.of(room.EventRoomClosed)) == 1 })
	if got := m.Get(metrics.IdleEvicted); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.IdleEvicted, got)
	}

	// The connection survives eviction and can join again.
	c.join("waiting-room", "patient")
}

func TestServerClose_ReleasesRooms(t *testing.T) {
	events := &eventLog{}
	srv, url := startServer(t, Config{Sink: events})
	a := dial(t, url)
	b := dial(t, url)
	a.join("R1", "a")
	b.join("R1", "b")
	a.expect(sigproto.TypeParticipantJoined)

	if err := srv.Ready(); err != nil {
		t.Fatalf("Ready before Close: %v", err)
	}
	srv.Close()
	if err := srv.Ready(); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("Ready after Close=%v, want %v", err, ErrServerClosed)
	}

	if n := len(events.of(room.EventRoomClosed)); n != 1 {
		t.Fatalf("room-closed=%d after Close, want 1", n)
	}
	b.expectClose(websocket.CloseGoingAway)
	waitFor(t, "connections to drain", func() bool { return srv.Stats().Connections == 0 })
	if s := srv.Stats(); s.Rooms != 0 || s.Participants != 0 {
		t.Fatalf("Stats=%+v after Close", s)
	}
}

func TestConnectLimitPerIP(t *testing.T) {
	m := metrics.New()
	_, url := startServer(t, Config{
		Metrics:                   m,
		Clock:                     stoppedClock{now: time.Unix(1_000, 0)},
		MaxSignalingConnectsPerIP: 1,
	})
	if got := handshakeStatus(t, url, nil); got != http.StatusSwitchingProtocols {
		t.Fatalf("first handshake status=%d", got)
	}
	if got := handshakeStatus(t, url, nil); got != http.StatusTooManyRequests {
		t.Fatalf("second handshake status=%d, want %d", got, http.StatusTooManyRequests)
	}
	if got := m.Get(metrics.RateLimited); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.RateLimited, got)
	}
}

func TestOriginPolicyOnUpgrade(t *testing.T) {
	_, url := startServer(t, Config{Origins: origin.Policy{AllowedOrigins: []string{"https://clinic.example"}}})

	if got := handshakeStatus(t, url, http.Header{"Origin": {"https://clinic.example"}}); got != http.StatusSwitchingProtocols {
		t.Fatalf("allowed origin status=%d", got)
	}
	if got := handshakeStatus(t, url, http.Header{"Origin": {"https://evil.example"}}); got != http.StatusForbidden {
		t.Fatalf("foreign origin status=%d, want %d", got, http.StatusForbidden)
	}
}

func TestSend_QueueOverflowDropsAndCounts(t *testing.T) {
	m := metrics.New()
	c := newWSConn(nil, sigproto.JSONCodec{}, 1, 1024, testLogger(), m)

	if err := c.Send(sigproto.Message{Type: sigproto.TypeLeft}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := c.Send(sigproto.Message{Type: sigproto.TypeLeft}); err != ErrSendQueueFull {
		t.Fatalf("err=%v, want %v", err, ErrSendQueueFull)
	}
	if got := m.Get(metrics.SendDropped); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.SendDropped, got)
	}

	c.queue.Close()
	if err := c.Send(sigproto.Message{Type: sigproto.TypeLeft}); err != ErrConnClosed {
		t.Fatalf("err=%v, want %v", err, ErrConnClosed)
	}
}

func TestAck_FullQueueDropsReply(t *testing.T) {
	m := metrics.New()
	sess := &session{conn: newWSConn(nil, sigproto.JSONCodec{}, 1, 1024, testLogger(), m)}
	if err := sess.conn.Send(sigproto.Message{Type: sigproto.TypeParticipantJoined, RoomID: "R1", ParticipantID: "P2"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if err := sess.ack(sigproto.Message{Type: sigproto.TypeLeft, RoomID: "R1", ParticipantID: "P1"}); err != nil {
		t.Fatalf("ack on full queue: err=%v, want nil", err)
	}
	if got := m.Get(metrics.SendDropped); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.SendDropped, got)
	}

	sess.conn.queue.Close()
	if err := sess.ack(sigproto.Message{Type: sigproto.TypeLeft}); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("ack on closed conn: err=%v, want %v", err, ErrConnClosed)
	}
}
