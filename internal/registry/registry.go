// Package registry tracks which live connection speaks for which participant.
//
// A participantId is bound to at most one connection and a connection carries
// at most one participantId. Removing a binding fires the OnUnregister
// callback, which the server wires to the room coordinator's Leave so a
// dropped socket never leaves a ghost member behind.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/teleconsult/signaling-relay/internal/sigproto"
)

var (
	ErrDuplicateParticipant = errors.New("registry: participant already bound to another connection")
	ErrConnectionBound      = errors.New("registry: connection already bound to another participant")
	ErrNotFound             = errors.New("registry: participant not found")
	ErrClosed               = errors.New("registry: closed")
)

// Conn is the handle of one live client transport. ID must be unique for the
// lifetime of the process.
type Conn interface {
	ID() string
	Send(sigproto.Message) error
}

type Participant struct {
	ID       string
	RoomID   string
	Conn     Conn
	JoinedAt time.Time
}

type Options struct {
	// OnUnregister runs after a binding is removed, outside the registry lock.
	OnUnregister func(Participant)
	Now          func() time.Time
}

type Registry struct {
	onUnregister func(Participant)
	now          func() time.Time

	mu            sync.Mutex
	byParticipant map[string]Participant
	byConn        map[string]Participant
	closed        bool
}

func New(opts Options) *Registry {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		onUnregister:  opts.OnUnregister,
		now:           now,
		byParticipant: make(map[string]Participant),
		byConn:        make(map[string]Participant),
	}
}

// Register binds participantID in roomID to conn. Registering the same triple
// again is a no-op that returns the existing binding.
func (r *Registry) Register(conn Conn, participantID, roomID string) (Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Participant{}, ErrClosed
	}
	if p, ok := r.byConn[conn.ID()]; ok {
		if p.ID == participantID && p.RoomID == roomID {
			return p, nil
		}
		return Participant{}, ErrConnectionBound
	}
	if _, ok := r.byParticipant[participantID]; ok {
		return Participant{}, ErrDuplicateParticipant
	}

	p := Participant{
		ID:       participantID,
		RoomID:   roomID,
		Conn:     conn,
		JoinedAt: r.now(),
	}
	r.byParticipant[participantID] = p
	r.byConn[conn.ID()] = p
	return p, nil
}

// Unregister removes whatever binding conn carries. It is safe to call any
// number of times; only the call that removed the binding reports true.
func (r *Registry) Unregister(conn Conn) (Participant, bool) {
	r.mu.Lock()
	p, ok := r.byConn[conn.ID()]
	if ok {
		delete(r.byConn, conn.ID())
		delete(r.byParticipant, p.ID)
	}
	r.mu.Unlock()

	if ok && r.onUnregister != nil {
		r.onUnregister(p)
	}
	return p, ok
}

func (r *Registry) Lookup(participantID string) (Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byParticipant[participantID]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Conn, nil
}

// ParticipantFor reports the binding carried by conn, if any.
func (r *Registry) ParticipantFor(conn Conn) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byConn[conn.ID()]
	return p, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byParticipant)
}

// Close unregisters every participant, firing OnUnregister for each, and
// rejects later registrations with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	removed := make([]Participant, 0, len(r.byParticipant))
	for _, p := range r.byParticipant {
		removed = append(removed, p)
	}
	r.byParticipant = make(map[string]Participant)
	r.byConn = make(map[string]Participant)
	r.mu.Unlock()

	if r.onUnregister == nil {
		return
	}
	for _, p := range removed {
		r.onUnregister(p)
	}
}
