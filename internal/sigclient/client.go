// Package sigclient is a small WebSocket client for the signaling protocol,
// used by signalctl and by end-to-end tests.
package sigclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teleconsult/signaling-relay/internal/sigproto"
)

const writeWait = 5 * time.Second

// ErrClosed is returned once the server has closed the connection.
var ErrClosed = errors.New("sigclient: connection closed")

// ServerError is a TypeError reply.
type ServerError struct {
	Code        string
	Detail      string
	RequestType sigproto.MessageType
}

func (e *ServerError) Error() string {
	if e.RequestType != "" {
		return fmt.Sprintf("signaling %s rejected: %s: %s", e.RequestType, e.Code, e.Detail)
	}
	return fmt.Sprintf("signaling error: %s: %s", e.Code, e.Detail)
}

type Options struct {
	// Subprotocol defaults to the JSON subprotocol.
	Subprotocol string
	Header      http.Header
}

type Client struct {
	ws    *websocket.Conn
	codec sigproto.Codec

	writeMu sync.Mutex
}

func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	sub := opts.Subprotocol
	if sub == "" {
		sub = sigproto.SubprotocolJSON
	}
	if _, ok := sigproto.CodecFor(sub); !ok {
		return nil, fmt.Errorf("sigclient: unknown subprotocol %q", sub)
	}

	d := websocket.Dialer{Subprotocols: []string{sub}, HandshakeTimeout: 10 * time.Second}
	ws, resp, err := d.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("sigclient: dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("sigclient: dial %s: %w", url, err)
	}
	codec, ok := sigproto.CodecFor(ws.Subprotocol())
	if !ok {
		_ = ws.Close()
		return nil, fmt.Errorf("sigclient: server selected unknown subprotocol %q", ws.Subprotocol())
	}
	return &Client{ws: ws, codec: codec}, nil
}

// Subprotocol is the subprotocol the server agreed to.
func (c *Client) Subprotocol() string {
	return c.codec.Subprotocol()
}

// Send is safe for concurrent use.
func (c *Client) Send(msg sigproto.Message) error {
	data, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	frameType := websocket.TextMessage
	if c.codec.Binary() {
		frameType = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(frameType, data)
}

// Recv returns the next message. It must only be called from one goroutine.
// Cancelling ctx interrupts a blocked read, after which the connection is
// unusable.
func (c *Client) Recv(ctx context.Context) (sigproto.Message, error) {
	_ = c.ws.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return sigproto.Message{}, ctx.Err()
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return sigproto.Message{}, fmt.Errorf("%w: %d %s", ErrClosed, ce.Code, ce.Text)
		}
		return sigproto.Message{}, err
	}
	return c.codec.Decode(data)
}

// Authenticate sends an auth message. Success is silent; failures arrive
// as an error reply followed by a close.
func (c *Client) Authenticate(apiKey, token string) error {
	return c.Send(sigproto.Message{Type: sigproto.TypeAuth, APIKey: apiKey, Token: token})
}

// Join joins roomID and waits for the acknowledgement. It returns the
// members that were already present.
func (c *Client) Join(ctx context.Context, roomID, participantID string) ([]string, error) {
	if err := c.Send(sigproto.Message{Type: sigproto.TypeJoinRoom, RoomID: roomID, ParticipantID: participantID}); err != nil {
		return nil, err
	}
	ack, err := c.await(ctx, sigproto.TypeJoined, sigproto.TypeJoinRoom)
	if err != nil {
		return nil, err
	}
	return ack.Members, nil
}

func (c *Client) Leave(ctx context.Context, roomID, participantID string) error {
	if err := c.Send(sigproto.Message{Type: sigproto.TypeLeaveRoom, RoomID: roomID, ParticipantID: participantID}); err != nil {
		return err
	}
	_, err := c.await(ctx, sigproto.TypeLeft, sigproto.TypeLeaveRoom)
	return err
}

func (c *Client) EndConsultation(ctx context.Context, roomID, participantID string) error {
	if err := c.Send(sigproto.Message{Type: sigproto.TypeEndConsultation, RoomID: roomID, ParticipantID: participantID}); err != nil {
		return err
	}
	_, err := c.await(ctx, sigproto.TypeConsultationEnded, sigproto.TypeEndConsultation)
	return err
}

// await reads until want arrives or the server rejects requestType. A
// rejected auth message also ends the wait. Other messages received in
// between are discarded.
func (c *Client) await(ctx context.Context, want, requestType sigproto.MessageType) (sigproto.Message, error) {
	for {
		msg, err := c.Recv(ctx)
		if err != nil {
			return sigproto.Message{}, err
		}
		switch {
		case msg.Type == want:
			return msg, nil
		case msg.Type == sigproto.TypeError && (msg.RequestType == requestType || msg.RequestType == sigproto.TypeAuth || msg.RequestType == ""):
			return sigproto.Message{}, AsError(msg)
		}
	}
}

// AsError converts a TypeError message to a *ServerError.
func AsError(msg sigproto.Message) error {
	if msg.Type != sigproto.TypeError {
		return nil
	}
	return &ServerError{Code: msg.Code, Detail: msg.Detail, RequestType: msg.RequestType}
}

// Close sends a normal-closure frame and closes the socket.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return c.ws.Close()
}
