// Package room owns room membership and the notifications that accompany it.
package room

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teleconsult/signaling-relay/internal/sigproto"
)

var (
	ErrUnknownRoom   = errors.New("room: unknown room")
	ErrAlreadyMember = errors.New("room: participant already a member on another connection")
	ErrClosed        = errors.New("room: coordinator closed")
)

// Conn is the delivery handle of a member. Send must not block.
type Conn interface {
	ID() string
	Send(sigproto.Message) error
}

type Member struct {
	ParticipantID string
	RoomID        string
	Conn          Conn
	JoinedAt      time.Time
}

type Options struct {
	Logger *slog.Logger
	Sink   EventSink
	Now    func() time.Time
	// AckJoins sends the joiner a `joined` message listing the other members
	// before anything else can be delivered to it from the room.
	AckJoins bool
}

type Coordinator struct {
	log      *slog.Logger
	sink     EventSink
	now      func() time.Time
	ackJoins bool

	nextGeneration atomic.Uint64

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

type room struct {
	id         string
	generation uint64
	createdAt  time.Time

	mu sync.Mutex
	// order preserves join order for member listings.
	order      []string
	members    map[string]Member
	aloneSince time.Time
	// deleted is set once the room has been removed from the coordinator.
	// A joiner that raced with the removal must start over.
	deleted bool
}

func NewCoordinator(opts Options) *Coordinator {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	sink := opts.Sink
	if sink == nil {
		sink = discardSink{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		log:      log,
		sink:     sink,
		now:      now,
		ackJoins: opts.AckJoins,
		rooms:    make(map[string]*room),
	}
}

// Join adds participantID to roomID, creating the room if needed, and notifies
// the existing members. It returns the ids of the other members in join order.
// Joining again on the same connection is a no-op.
func (c *Coordinator) Join(roomID, participantID string, conn Conn) ([]string, error) {
	for {
		r, created, err := c.getOrCreate(roomID)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if r.deleted {
			r.mu.Unlock()
			continue
		}
		if created {
			c.emit(r, EventRoomCreated, "")
		}

		if existing, ok := r.members[participantID]; ok {
			others := r.othersLocked(participantID)
			same := existing.Conn.ID() == conn.ID()
			if same {
				c.ackLocked(r, participantID, conn, others)
			}
			r.mu.Unlock()
			if same {
				return others, nil
			}
			return nil, ErrAlreadyMember
		}

		now := c.now()
		others := r.othersLocked(participantID)
		r.members[participantID] = Member{
			ParticipantID: participantID,
			RoomID:        roomID,
			Conn:          conn,
			JoinedAt:      now,
		}
		r.order = append(r.order, participantID)
		r.touchAloneLocked(now)

		c.ackLocked(r, participantID, conn, others)
		c.broadcastLocked(r, participantID, sigproto.Message{
			Type:          sigproto.TypeParticipantJoined,
			RoomID:        roomID,
			ParticipantID: participantID,
		})
		c.emit(r, EventParticipantJoined, participantID)
		r.mu.Unlock()

		c.log.Debug("participant joined room", "room_id", roomID, "participant_id", participantID, "conn_id", conn.ID(), "members", len(others)+1)
		return others, nil
	}
}

// Leave removes participantID from roomID if it is still bound to connID.
// The last member leaving deletes the room and emits EventRoomClosed.
func (c *Coordinator) Leave(roomID, participantID, connID string) bool {
	c.mu.Lock()
	r, ok := c.rooms[roomID]
	c.mu.Unlock()
	if !ok {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[participantID]
	if !ok || r.deleted || m.Conn.ID() != connID {
		return false
	}
	delete(r.members, participantID)
	for i, id := range r.order {
		if id == participantID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	c.broadcastLocked(r, participantID, sigproto.Message{
		Type:          sigproto.TypeParticipantLeft,
		RoomID:        roomID,
		ParticipantID: participantID,
	})
	c.emit(r, EventParticipantLeft, participantID)

	if len(r.members) > 0 {
		r.touchAloneLocked(c.now())
		return true
	}

	r.deleted = true
	c.mu.Lock()
	if c.rooms[roomID] == r {
		delete(c.rooms, roomID)
	}
	c.mu.Unlock()
	c.emit(r, EventRoomClosed, "")
	c.log.Debug("room closed", "room_id", roomID, "generation", r.generation)
	return true
}

// View is a read-only look at a room, valid only inside WithRoom.
type View struct {
	r *room
}

func (v View) ID() string         { return v.r.id }
func (v View) Generation() uint64 { return v.r.generation }

func (v View) Member(participantID string) (Member, bool) {
	m, ok := v.r.members[participantID]
	return m, ok
}

// Members lists members in join order.
func (v View) Members() []Member {
	out := make([]Member, 0, len(v.r.order))
	for _, id := range v.r.order {
		out = append(out, v.r.members[id])
	}
	return out
}

// WithRoom runs fn while holding the room's lock, so fn is serialized with
// joins and leaves of that room.
func (c *Coordinator) WithRoom(roomID string, fn func(View) error) error {
	c.mu.Lock()
	r, ok := c.rooms[roomID]
	c.mu.Unlock()
	if !ok {
		return ErrUnknownRoom
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleted {
		return ErrUnknownRoom
	}
	return fn(View{r: r})
}

// ReapIdle returns members that have been alone in their room for at least
// grace. The caller decides how to evict them.
func (c *Coordinator) ReapIdle(now time.Time, grace time.Duration) []Member {
	c.mu.Lock()
	rooms := make([]*room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()

	var idle []Member
	for _, r := range rooms {
		r.mu.Lock()
		if !r.deleted && len(r.members) == 1 && !r.aloneSince.IsZero() && now.Sub(r.aloneSince) >= grace {
			idle = append(idle, r.members[r.order[0]])
		}
		r.mu.Unlock()
	}
	return idle
}

type Stats struct {
	Rooms        int
	Participants int
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	rooms := make([]*room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()

	s := Stats{Rooms: len(rooms)}
	for _, r := range rooms {
		r.mu.Lock()
		s.Participants += len(r.members)
		r.mu.Unlock()
	}
	return s
}

// Close rejects further joins. Existing rooms drain through Leave.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Coordinator) getOrCreate(roomID string) (*room, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false, ErrClosed
	}
	if r, ok := c.rooms[roomID]; ok {
		return r, false, nil
	}
	r := &room{
		id:         roomID,
		generation: c.nextGeneration.Add(1),
		createdAt:  c.now(),
		members:    make(map[string]Member),
	}
	c.rooms[roomID] = r
	return r, true, nil
}

func (c *Coordinator) broadcastLocked(r *room, except string, msg sigproto.Message) {
	for _, id := range r.order {
		if id == except {
			continue
		}
		m := r.members[id]
		if err := m.Conn.Send(msg); err != nil {
			c.log.Debug("membership notification not delivered", "room_id", r.id, "participant_id", id, "type", msg.Type, "err", err)
		}
	}
}

func (c *Coordinator) ackLocked(r *room, participantID string, conn Conn, others []string) {
	if !c.ackJoins {
		return
	}
	err := conn.Send(sigproto.Message{
		Type:          sigproto.TypeJoined,
		RoomID:        r.id,
		ParticipantID: participantID,
		Members:       others,
	})
	if err != nil {
		c.log.Debug("join ack not delivered", "room_id", r.id, "participant_id", participantID, "err", err)
	}
}

func (c *Coordinator) emit(r *room, typ EventType, participantID string) {
	c.sink.HandleRoomEvent(Event{
		Type:          typ,
		RoomID:        r.id,
		Generation:    r.generation,
		ParticipantID: participantID,
		At:            c.now(),
	})
}

func (r *room) othersLocked(except string) []string {
	out := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if id != except {
			out = append(out, id)
		}
	}
	return out
}

func (r *room) touchAloneLocked(now time.Time) {
	if len(r.members) == 1 {
		r.aloneSince = now
	} else {
		r.aloneSince = time.Time{}
	}
}
