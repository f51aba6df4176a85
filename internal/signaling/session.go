package signaling

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teleconsult/signaling-relay/internal/auth"
	"github.com/teleconsult/signaling-relay/internal/metrics"
	"github.com/teleconsult/signaling-relay/internal/ratelimit"
	"github.com/teleconsult/signaling-relay/internal/registry"
	"github.com/teleconsult/signaling-relay/internal/room"
	"github.com/teleconsult/signaling-relay/internal/sigproto"
)

// session is the read side of one connection. All of its fields are owned by
// the read goroutine.
type session struct {
	srv     *Server
	conn    *wsConn
	req     *http.Request
	limiter *ratelimit.TokenBucket

	authorized bool
	identity   auth.Identity
}

type handler func(*session, sigproto.Message) error

var handlers = map[sigproto.MessageType]handler{
	sigproto.TypeAuth:            (*session).handleAuth,
	sigproto.TypeJoinRoom:        (*session).handleJoin,
	sigproto.TypeLeaveRoom:       (*session).handleLeave,
	sigproto.TypeOffer:           (*session).handleRelay,
	sigproto.TypeAnswer:          (*session).handleRelay,
	sigproto.TypeICECandidate:    (*session).handleRelay,
	sigproto.TypeEndConsultation: (*session).handleEndConsultation,
}

func (sess *session) run() {
	defer sess.finish()

	ws := sess.conn.ws
	ws.SetReadLimit(sess.srv.maxMessageBytes)
	ws.SetPongHandler(func(string) error {
		sess.touch()
		return nil
	})

	identity, err := sess.srv.authorizer.Authorize(sess.req, nil)
	switch {
	case err == nil:
		sess.authorized = true
		sess.identity = identity
		sess.touch()
	case IsAuthMissing(err):
		_ = ws.SetReadDeadline(time.Now().Add(sess.srv.authTimeout))
	default:
		sess.reject("", err)
		return
	}

	for {
		frameType, data, err := ws.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				if !sess.authorized {
					sess.reject("", errAuthTimeout)
				} else {
					sess.conn.closeWith(websocket.CloseNormalClosure, "idle timeout")
				}
			}
			return
		}
		// The limit is applied after reading so the frame is consumed and the
		// client reliably sees the close code.
		if !sess.limiter.Allow(1) {
			sess.reject("", errRateLimited)
			return
		}
		sess.touch()

		msg, err := sess.decode(frameType, data)
		if err != nil {
			sess.reject("", err)
			return
		}
		if !sess.authorized && msg.Type != sigproto.TypeAuth {
			sess.reject(msg.Type, errAuthRequired)
			return
		}
		if err := sess.dispatch(msg); err != nil {
			if sess.reject(msg.Type, err) {
				return
			}
		}
	}
}

func (sess *session) decode(frameType int, data []byte) (sigproto.Message, error) {
	codec := sess.conn.codec
	want := websocket.TextMessage
	if codec.Binary() {
		want = websocket.BinaryMessage
	}
	if frameType != want {
		return sigproto.Message{}, fmt.Errorf("%w: %s expects %s frames", errBadFrame, codec.Subprotocol(), frameTypeName(want))
	}
	msg, err := codec.Decode(data)
	if err != nil {
		return sigproto.Message{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	return msg, nil
}

func (sess *session) dispatch(msg sigproto.Message) error {
	if err := msg.ValidateInbound(); err != nil {
		return err
	}
	h, ok := handlers[msg.Type]
	if !ok {
		return fmt.Errorf("%w: unsupported message type %q", sigproto.ErrInvalidMessage, msg.Type)
	}
	return h(sess, msg)
}

// touch pushes the idle deadline out. Before authentication the auth
// deadline stays in force.
func (sess *session) touch() {
	if sess.authorized {
		_ = sess.conn.ws.SetReadDeadline(time.Now().Add(sess.srv.idleTimeout))
	}
}

// reject reports err to the client and reports whether the connection is
// being closed.
func (sess *session) reject(requestType sigproto.MessageType, err error) bool {
	r := classify(err)
	detail := clientDetail(r, err)

	switch r.code {
	case sigproto.CodeUnauthorized:
		sess.srv.metrics.Inc(metrics.AuthFailed)
	case sigproto.CodeRateLimited:
		sess.srv.metrics.Inc(metrics.RateLimited)
	case sigproto.CodeBadMessage:
		sess.srv.metrics.Inc(metrics.BadMessage)
	case sigproto.CodeDuplicateParticipant:
		sess.srv.metrics.Inc(metrics.JoinRejectedDuplicate)
	}

	log := sess.conn.log.With("code", r.code, "request_type", requestType, "err", err)
	if !r.fatal {
		log.Debug("signaling request rejected")
		_ = sess.conn.Send(sigproto.ErrorMessage(r.code, detail, requestType))
		return false
	}
	if r.code == sigproto.CodeInternalError {
		log.Warn("closing signaling connection")
	} else {
		log.Info("closing signaling connection")
	}
	sess.conn.fail(r.code, detail, requestType, r.closeCode, r.code)
	return true
}

func (sess *session) finish() {
	conn := sess.conn
	sess.srv.registry.Unregister(conn)
	sess.srv.untrack(conn)
	conn.Close(closeGrace)
	sess.srv.metrics.Inc(metrics.ConnectionsClosed)
	conn.log.Debug("signaling connection closed")
}

func (sess *session) handleAuth(msg sigproto.Message) error {
	if sess.authorized {
		// Clients may authenticate through the query string and still send
		// an auth message.
		return nil
	}
	identity, err := sess.srv.authorizer.Authorize(sess.req, &msg)
	if err != nil {
		return err
	}
	sess.authorized = true
	sess.identity = identity
	sess.touch()
	return nil
}

func (sess *session) handleJoin(msg sigproto.Message) error {
	if err := sess.identity.Permits(msg.RoomID, msg.ParticipantID); err != nil {
		return err
	}
	if p, ok := sess.srv.registry.ParticipantFor(sess.conn); ok && (p.ID != msg.ParticipantID || p.RoomID != msg.RoomID) {
		return fmt.Errorf("%w: bound to %s in %s", errAlreadyJoined, p.ID, p.RoomID)
	}
	if _, err := sess.srv.registry.Register(sess.conn, msg.ParticipantID, msg.RoomID); err != nil {
		return err
	}
	if _, err := sess.srv.rooms.Join(msg.RoomID, msg.ParticipantID, sess.conn); err != nil {
		// The cascaded Leave is a no-op: the room never held this connection.
		sess.srv.registry.Unregister(sess.conn)
		return err
	}
	sess.srv.metrics.Inc(metrics.JoinAccepted)
	sess.conn.log.Info("participant joined", "room_id", msg.RoomID, "participant_id", msg.ParticipantID)
	return nil
}

func (sess *session) handleLeave(msg sigproto.Message) error {
	if _, err := sess.boundAs(msg); err != nil {
		return err
	}
	sess.srv.registry.Unregister(sess.conn)
	sess.conn.log.Info("participant left", "room_id", msg.RoomID, "participant_id", msg.ParticipantID)
	return sess.ack(sigproto.Message{
		Type:          sigproto.TypeLeft,
		RoomID:        msg.RoomID,
		ParticipantID: msg.ParticipantID,
	})
}

func (sess *session) handleRelay(msg sigproto.Message) error {
	env, err := sigproto.EnvelopeFrom(msg)
	if err != nil {
		return err
	}
	// The connection may only speak for the participant it joined as. A room
	// that does not exist is reported as such before membership.
	if p, ok := sess.srv.registry.ParticipantFor(sess.conn); !ok || p.ID != env.SenderID {
		if err := sess.srv.rooms.WithRoom(env.RoomID, func(room.View) error { return nil }); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is not this connection's participant", errNotJoined, env.SenderID)
	}
	_, err = sess.srv.router.Relay(env)
	return err
}

func (sess *session) handleEndConsultation(msg sigproto.Message) error {
	if _, err := sess.boundAs(msg); err != nil {
		return err
	}
	_, generation, err := sess.srv.router.Announce(msg.RoomID, msg.ParticipantID, sigproto.Message{Type: sigproto.TypeConsultationEnded})
	if err != nil {
		return err
	}
	if sess.srv.ender != nil {
		sess.srv.ender.EndConsultation(msg.RoomID, generation)
	}
	sess.conn.log.Info("consultation ended by participant", "room_id", msg.RoomID, "participant_id", msg.ParticipantID, "generation", generation)
	return sess.ack(sigproto.Message{
		Type:                sigproto.TypeConsultationEnded,
		RoomID:              msg.RoomID,
		SenderParticipantID: msg.ParticipantID,
	})
}

// ack replies to the client. A full send queue drops the reply like any other
// frame.
func (sess *session) ack(msg sigproto.Message) error {
	if err := sess.conn.Send(msg); err != nil && !errors.Is(err, ErrSendQueueFull) {
		return err
	}
	return nil
}

// boundAs checks that the connection joined msg's room as msg's participant.
func (sess *session) boundAs(msg sigproto.Message) (registry.Participant, error) {
	p, ok := sess.srv.registry.ParticipantFor(sess.conn)
	if !ok || p.ID != msg.ParticipantID || p.RoomID != msg.RoomID {
		return registry.Participant{}, fmt.Errorf("%w: %s in %s", errNotJoined, msg.ParticipantID, msg.RoomID)
	}
	return p, nil
}

func frameTypeName(t int) string {
	if t == websocket.BinaryMessage {
		return "binary"
	}
	return "text"
}
