package sigproto

import (
	"encoding/json"
	"errors"
	"fmt"
)

type MessageType string

// Client -> server.
const (
	TypeAuth            MessageType = "auth"
	TypeJoinRoom        MessageType = "join-room"
	TypeLeaveRoom       MessageType = "leave-room"
	TypeOffer           MessageType = "offer"
	TypeAnswer          MessageType = "answer"
	TypeICECandidate    MessageType = "ice-candidate"
	TypeEndConsultation MessageType = "end-consultation"
)

// Server -> client. Offer, answer and ice-candidate are reused in this
// direction with SenderParticipantID set.
const (
	TypeJoined            MessageType = "joined"
	TypeLeft              MessageType = "left"
	TypeParticipantJoined MessageType = "participant-joined"
	TypeParticipantLeft   MessageType = "participant-left"
	TypeConsultationEnded MessageType = "consultation-ended"
	TypeError             MessageType = "error"
)

// Error codes carried by TypeError messages.
const (
	CodeDuplicateParticipant = "duplicate_participant"
	CodeUnknownRoom          = "unknown_room"
	CodeSenderNotMember      = "sender_not_member"
	CodeAlreadyJoined        = "already_joined"
	CodeBadMessage           = "bad_message"
	CodeUnauthorized         = "unauthorized"
	CodeRateLimited          = "rate_limited"
	CodeInternalError        = "internal_error"
)

// MaxIDLength bounds room and participant identifiers.
const MaxIDLength = 256

var ErrInvalidMessage = errors.New("sigproto: invalid message")

// Message is the single wire shape used in both directions. Which fields are
// meaningful depends on Type.
type Message struct {
	Type                MessageType     `json:"type"`
	RoomID              string          `json:"roomId,omitempty"`
	ParticipantID       string          `json:"participantId,omitempty"`
	SenderParticipantID string          `json:"senderParticipantId,omitempty"`
	Payload             json.RawMessage `json:"payload,omitempty"`
	Members             []string        `json:"members,omitempty"`

	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`

	Code        string      `json:"code,omitempty"`
	Detail      string      `json:"message,omitempty"`
	RequestType MessageType `json:"requestType,omitempty"`
}

// ErrorMessage builds a TypeError reply for a rejected request.
func ErrorMessage(code, detail string, requestType MessageType) Message {
	return Message{
		Type:        TypeError,
		Code:        code,
		Detail:      detail,
		RequestType: requestType,
	}
}

// ValidateInbound checks a client -> server message: required fields are
// present and no server-only fields are set.
func (m Message) ValidateInbound() error {
	if m.SenderParticipantID != "" || len(m.Members) != 0 || m.Code != "" || m.Detail != "" || m.RequestType != "" {
		return invalidf("%s message has server-only fields", m.Type)
	}

	switch m.Type {
	case TypeAuth:
		if m.APIKey == "" && m.Token == "" {
			return invalidf("auth message missing apiKey/token")
		}
		if m.APIKey != "" && m.Token != "" && m.APIKey != m.Token {
			return invalidf("auth message must not include both apiKey and token unless they match")
		}
		if m.RoomID != "" || m.ParticipantID != "" || len(m.Payload) != 0 {
			return invalidf("auth message has unexpected fields")
		}
		return nil
	case TypeJoinRoom, TypeLeaveRoom, TypeEndConsultation:
		if err := m.validateAddress(); err != nil {
			return err
		}
		if len(m.Payload) != 0 || m.APIKey != "" || m.Token != "" {
			return invalidf("%s message has unexpected fields", m.Type)
		}
		return nil
	case TypeOffer, TypeAnswer, TypeICECandidate:
		if err := m.validateAddress(); err != nil {
			return err
		}
		if !hasPayload(m.Payload) {
			return invalidf("%s message missing payload", m.Type)
		}
		if m.APIKey != "" || m.Token != "" {
			return invalidf("%s message has unexpected fields", m.Type)
		}
		return nil
	default:
		return invalidf("unsupported message type %q", m.Type)
	}
}

func (m Message) validateAddress() error {
	if err := validateID("roomId", m.RoomID); err != nil {
		return fmt.Errorf("%s message: %w", m.Type, err)
	}
	if err := validateID("participantId", m.ParticipantID); err != nil {
		return fmt.Errorf("%s message: %w", m.Type, err)
	}
	return nil
}

func validateID(field, v string) error {
	if v == "" {
		return invalidf("missing %s", field)
	}
	if len(v) > MaxIDLength {
		return invalidf("%s longer than %d bytes", field, MaxIDLength)
	}
	return nil
}

func hasPayload(p json.RawMessage) bool {
	return len(p) != 0 && string(p) != "null"
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}
