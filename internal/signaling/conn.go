package signaling

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teleconsult/signaling-relay/internal/metrics"
	"github.com/teleconsult/signaling-relay/internal/sigproto"
)

const wsWriteWait = 1 * time.Second

var (
	ErrTransportWrite = errors.New("signaling: transport write failed")
	ErrSendQueueFull  = errors.New("signaling: send queue full")
	ErrConnClosed     = errors.New("signaling: connection closed")
)

// wsConn is the registry and room handle of one WebSocket client. Send only
// encodes and enqueues; writePump owns every data write to the socket.
type wsConn struct {
	id      string
	ws      *websocket.Conn
	codec   sigproto.Codec
	queue   *sendQueue
	log     *slog.Logger
	metrics *metrics.Metrics

	closeMu     sync.Mutex
	closeCode   int
	closeReason string
	closing     bool

	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn, codec sigproto.Codec, frames, bytes int, log *slog.Logger, m *metrics.Metrics) *wsConn {
	id := uuid.NewString()
	return &wsConn{
		id:      id,
		ws:      ws,
		codec:   codec,
		queue:   newSendQueue(frames, bytes),
		log:     log.With("conn_id", id),
		metrics: m,
		done:    make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(msg sigproto.Message) error {
	frame, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	switch err := c.queue.Enqueue(frame); {
	case errors.Is(err, errQueueFull):
		c.metrics.Inc(metrics.SendDropped)
		return ErrSendQueueFull
	case err != nil:
		return ErrConnClosed
	}
	return nil
}

// start runs the writer and, when pingInterval > 0, the keepalive pinger.
func (c *wsConn) start(pingInterval time.Duration) {
	go c.writePump()
	if pingInterval > 0 {
		go c.pingLoop(pingInterval)
	}
}

func (c *wsConn) writePump() {
	defer close(c.done)
	defer c.ws.Close()

	frameType := websocket.TextMessage
	if c.codec.Binary() {
		frameType = websocket.BinaryMessage
	}
	for {
		frame, ok := c.queue.Dequeue()
		if !ok {
			break
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.ws.WriteMessage(frameType, frame); err != nil {
			c.metrics.Inc(metrics.WriteFailed)
			c.log.Debug("signaling write failed", "err", fmt.Errorf("%w: %w", ErrTransportWrite, err))
			c.queue.Close()
			return
		}
	}

	c.closeMu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.closeMu.Unlock()
	if code != 0 {
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	}
}

func (c *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// closeWith flushes queued frames, then sends a close frame and closes the
// socket. Only the first call picks the close code.
func (c *wsConn) closeWith(code int, reason string) {
	c.closeMu.Lock()
	if !c.closing {
		c.closing = true
		c.closeCode = code
		c.closeReason = reason
	}
	c.closeMu.Unlock()
	c.queue.Drain()
}

// fail reports an error to the client and closes the connection.
func (c *wsConn) fail(code, detail string, requestType sigproto.MessageType, closeCode int, closeReason string) {
	_ = c.Send(sigproto.ErrorMessage(code, detail, requestType))
	c.closeWith(closeCode, closeReason)
}

// Close waits up to grace for the writer to flush, then tears the socket down.
func (c *wsConn) Close(grace time.Duration) {
	c.closeWith(websocket.CloseNormalClosure, "")
	select {
	case <-c.done:
	case <-time.After(grace):
	}
	c.closeOnce.Do(func() {
		c.queue.Close()
		_ = c.ws.Close()
	})
}
