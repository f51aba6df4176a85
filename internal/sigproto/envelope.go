package sigproto

import (
	"encoding/json"
	"fmt"
)

// Kind tags the variant of a relayed Envelope.
type Kind uint8

const (
	KindOffer Kind = iota + 1
	KindAnswer
	KindICECandidate
)

var kindTypes = map[Kind]MessageType{
	KindOffer:        TypeOffer,
	KindAnswer:       TypeAnswer,
	KindICECandidate: TypeICECandidate,
}

// KindOf maps a wire message type to its envelope kind.
func KindOf(t MessageType) (Kind, bool) {
	for k, mt := range kindTypes {
		if mt == t {
			return k, true
		}
	}
	return 0, false
}

// MessageType returns the wire type for k, or "" for an unknown kind.
func (k Kind) MessageType() MessageType {
	return kindTypes[k]
}

func (k Kind) Valid() bool {
	_, ok := kindTypes[k]
	return ok
}

func (k Kind) String() string {
	if t, ok := kindTypes[k]; ok {
		return string(t)
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Envelope is one offer, answer or ICE candidate in transit between the
// members of a room. Payload is opaque to the relay.
type Envelope struct {
	Kind     Kind
	RoomID   string
	SenderID string
	Payload  json.RawMessage
}

// EnvelopeFrom converts a validated inbound message into an Envelope.
func EnvelopeFrom(m Message) (Envelope, error) {
	kind, ok := KindOf(m.Type)
	if !ok {
		return Envelope{}, invalidf("%q is not a relayed message type", m.Type)
	}
	return Envelope{
		Kind:     kind,
		RoomID:   m.RoomID,
		SenderID: m.ParticipantID,
		Payload:  m.Payload,
	}, nil
}

// Outbound is the message delivered to the other members of the room.
func (e Envelope) Outbound() Message {
	return Message{
		Type:                e.Kind.MessageType(),
		RoomID:              e.RoomID,
		SenderParticipantID: e.SenderID,
		Payload:             e.Payload,
	}
}
