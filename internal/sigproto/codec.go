package sigproto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// WebSocket subprotocols. The first entry of Subprotocols is used when a
// client does not ask for one.
const (
	SubprotocolJSON    = "consult-signaling.v1.json"
	SubprotocolMsgpack = "consult-signaling.v1.msgpack"
)

var Subprotocols = []string{SubprotocolJSON, SubprotocolMsgpack}

// Codec frames Messages for one subprotocol.
type Codec interface {
	Subprotocol() string
	// Binary reports whether frames are sent as binary WebSocket messages.
	Binary() bool
	Encode(Message) ([]byte, error)
	Decode([]byte) (Message, error)
}

// CodecFor returns the codec negotiated for subprotocol. An empty name selects
// JSON.
func CodecFor(subprotocol string) (Codec, bool) {
	switch subprotocol {
	case "", SubprotocolJSON:
		return JSONCodec{}, true
	case SubprotocolMsgpack:
		return MsgpackCodec{}, true
	default:
		return nil, false
	}
}

type JSONCodec struct{}

func (JSONCodec) Subprotocol() string { return SubprotocolJSON }
func (JSONCodec) Binary() bool        { return false }

func (JSONCodec) Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode is strict: unknown fields and trailing data are rejected.
func (JSONCodec) Decode(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var m Message
	if err := dec.Decode(&m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, invalidf("trailing data after message")
	}
	if m.Type == "" {
		return Message{}, invalidf("missing type")
	}
	return m, nil
}

// MsgpackCodec carries the same fields as JSON. The opaque payload is
// converted structurally so relayed SDP and candidates stay readable to a JSON
// peer in the same room.
type MsgpackCodec struct{}

type msgpackMessage struct {
	Type                MessageType        `msgpack:"type"`
	RoomID              string             `msgpack:"roomId,omitempty"`
	ParticipantID       string             `msgpack:"participantId,omitempty"`
	SenderParticipantID string             `msgpack:"senderParticipantId,omitempty"`
	Payload             msgpack.RawMessage `msgpack:"payload,omitempty"`
	Members             []string           `msgpack:"members,omitempty"`
	APIKey              string             `msgpack:"apiKey,omitempty"`
	Token               string             `msgpack:"token,omitempty"`
	Code                string             `msgpack:"code,omitempty"`
	Detail              string             `msgpack:"message,omitempty"`
	RequestType         MessageType        `msgpack:"requestType,omitempty"`
}

func (MsgpackCodec) Subprotocol() string { return SubprotocolMsgpack }
func (MsgpackCodec) Binary() bool        { return true }

func (MsgpackCodec) Encode(m Message) ([]byte, error) {
	w := msgpackMessage{
		Type:                m.Type,
		RoomID:              m.RoomID,
		ParticipantID:       m.ParticipantID,
		SenderParticipantID: m.SenderParticipantID,
		Members:             m.Members,
		APIKey:              m.APIKey,
		Token:               m.Token,
		Code:                m.Code,
		Detail:              m.Detail,
		RequestType:         m.RequestType,
	}
	if len(m.Payload) != 0 {
		v, err := decodeJSONValue(m.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		raw, err := msgpack.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		w.Payload = raw
	}
	return msgpack.Marshal(&w)
}

func (MsgpackCodec) Decode(data []byte) (Message, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields(true)

	var w msgpackMessage
	if err := dec.Decode(&w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if _, err := dec.DecodeInterface(); !errors.Is(err, io.EOF) {
		return Message{}, invalidf("trailing data after message")
	}
	if w.Type == "" {
		return Message{}, invalidf("missing type")
	}

	m := Message{
		Type:                w.Type,
		RoomID:              w.RoomID,
		ParticipantID:       w.ParticipantID,
		SenderParticipantID: w.SenderParticipantID,
		Members:             w.Members,
		APIKey:              w.APIKey,
		Token:               w.Token,
		Code:                w.Code,
		Detail:              w.Detail,
		RequestType:         w.RequestType,
	}
	if len(w.Payload) != 0 {
		var v any
		if err := msgpack.Unmarshal(w.Payload, &v); err != nil {
			return Message{}, fmt.Errorf("%w: payload: %v", ErrInvalidMessage, err)
		}
		if v != nil {
			raw, err := json.Marshal(v)
			if err != nil {
				return Message{}, fmt.Errorf("%w: payload: %v", ErrInvalidMessage, err)
			}
			m.Payload = raw
		}
	}
	return m, nil
}

// decodeJSONValue decodes raw into plain Go values, keeping integers as int64
// so they do not widen to float on the msgpack side.
func decodeJSONValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalizeNumbers(v), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, err := t.Float64()
		if err != nil || math.IsInf(f, 0) {
			return t.String()
		}
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
		return t
	default:
		return v
	}
}
