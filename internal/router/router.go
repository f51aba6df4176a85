// Package router forwards offers, answers and ICE candidates between the
// members of a room.
//
// Delivery is fire-and-forget: a message is handed to each recipient's
// outbound queue while the room lock is held, so relays from one sender reach
// every recipient in the order they were submitted and never interleave with
// a membership change of the same room.
package router

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/teleconsult/signaling-relay/internal/metrics"
	"github.com/teleconsult/signaling-relay/internal/room"
	"github.com/teleconsult/signaling-relay/internal/sigproto"
)

var (
	ErrUnknownRoom     = room.ErrUnknownRoom
	ErrSenderNotMember = errors.New("router: sender is not a member of the room")
	ErrInvalidEnvelope = errors.New("router: invalid envelope")
)

// Rooms is the part of the room coordinator the router needs.
type Rooms interface {
	WithRoom(roomID string, fn func(room.View) error) error
}

type route struct {
	outbound sigproto.MessageType
	counter  string
}

var routes = map[sigproto.Kind]route{
	sigproto.KindOffer:        {outbound: sigproto.TypeOffer, counter: metrics.RelayOffer},
	sigproto.KindAnswer:       {outbound: sigproto.TypeAnswer, counter: metrics.RelayAnswer},
	sigproto.KindICECandidate: {outbound: sigproto.TypeICECandidate, counter: metrics.RelayICECandidate},
}

type Router struct {
	rooms   Rooms
	log     *slog.Logger
	metrics *metrics.Metrics
}

func New(rooms Rooms, log *slog.Logger, m *metrics.Metrics) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{rooms: rooms, log: log, metrics: m}
}

// Relay delivers env to every member of its room except the sender and
// reports how many recipients accepted it.
func (r *Router) Relay(env sigproto.Envelope) (int, error) {
	rt, ok := routes[env.Kind]
	if !ok {
		return 0, fmt.Errorf("%w: unsupported kind %s", ErrInvalidEnvelope, env.Kind)
	}
	if env.RoomID == "" || env.SenderID == "" || len(env.Payload) == 0 {
		return 0, fmt.Errorf("%w: missing room, sender or payload", ErrInvalidEnvelope)
	}

	out := env.Outbound()
	out.Type = rt.outbound

	delivered, _, err := r.fanOut(env.RoomID, env.SenderID, out)
	if err != nil {
		r.countFailure(err)
		return 0, err
	}
	r.metrics.Inc(rt.counter)
	r.metrics.Add(metrics.RelayDelivered, uint64(delivered))
	return delivered, nil
}

// Announce sends msg from senderID to the other members of roomID under the
// same rules as Relay. It returns the generation of the room instance the
// message was delivered in.
func (r *Router) Announce(roomID, senderID string, msg sigproto.Message) (delivered int, generation uint64, err error) {
	msg.RoomID = roomID
	msg.SenderParticipantID = senderID
	delivered, generation, err = r.fanOut(roomID, senderID, msg)
	if err != nil {
		r.countFailure(err)
	}
	return delivered, generation, err
}

func (r *Router) fanOut(roomID, senderID string, msg sigproto.Message) (int, uint64, error) {
	var (
		delivered  int
		generation uint64
	)
	err := r.rooms.WithRoom(roomID, func(v room.View) error {
		if _, ok := v.Member(senderID); !ok {
			return ErrSenderNotMember
		}
		generation = v.Generation()
		for _, m := range v.Members() {
			if m.ParticipantID == senderID {
				continue
			}
			if err := m.Conn.Send(msg); err != nil {
				r.log.Debug("relay not delivered", "room_id", roomID, "participant_id", m.ParticipantID, "type", msg.Type, "err", err)
				continue
			}
			delivered++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return delivered, generation, nil
}

func (r *Router) countFailure(err error) {
	switch {
	case errors.Is(err, ErrUnknownRoom):
		r.metrics.Inc(metrics.RelayUnknownRoom)
	case errors.Is(err, ErrSenderNotMember):
		r.metrics.Inc(metrics.RelayNotMember)
	}
}
