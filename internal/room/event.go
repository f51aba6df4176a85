package room

import "time"

type EventType string

const (
	EventRoomCreated       EventType = "room-created"
	EventParticipantJoined EventType = "participant-joined"
	EventParticipantLeft   EventType = "participant-left"
	EventRoomClosed        EventType = "room-closed"
)

// Event describes one membership change. Generation identifies the room
// instance: a room re-created under the same id gets a new generation.
type Event struct {
	Type          EventType
	RoomID        string
	Generation    uint64
	ParticipantID string
	At            time.Time
}

// EventSink receives events in order for each room. HandleRoomEvent is called
// with the room lock held, so it must not block or call back into the
// Coordinator.
type EventSink interface {
	HandleRoomEvent(Event)
}

type EventSinkFunc func(Event)

func (f EventSinkFunc) HandleRoomEvent(e Event) { f(e) }

type discardSink struct{}

func (discardSink) HandleRoomEvent(Event) {}
