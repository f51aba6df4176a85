package signaling

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teleconsult/signaling-relay/internal/metrics"
	"github.com/teleconsult/signaling-relay/internal/origin"
	"github.com/teleconsult/signaling-relay/internal/ratelimit"
	"github.com/teleconsult/signaling-relay/internal/registry"
	"github.com/teleconsult/signaling-relay/internal/room"
	"github.com/teleconsult/signaling-relay/internal/router"
	"github.com/teleconsult/signaling-relay/internal/sigproto"
)

// closeGrace bounds how long teardown waits for queued frames to flush.
const closeGrace = 2 * wsWriteWait

// ConsultationEnder is told when a member explicitly ends a consultation.
type ConsultationEnder interface {
	EndConsultation(roomID string, generation uint64) bool
}

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Authorizer defaults to AllowAllAuthorizer.
	Authorizer Authorizer
	// Origins is checked on the WebSocket upgrade.
	Origins origin.Policy

	// Sink receives room lifecycle events. It runs under a room lock.
	Sink  room.EventSink
	Ender ConsultationEnder

	// Clock drives the message rate limiters. Defaults to the real clock.
	Clock ratelimit.Clock

	SignalingAuthTimeout    time.Duration
	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	MaxSignalingConnectsPerIP     int

	SendQueueFrames int
	SendQueueBytes  int

	// IdleRoomGrace evicts a member left alone in a room for this long. Zero
	// disables the reaper. ReapInterval defaults to half the grace period,
	// capped at 30s.
	IdleRoomGrace time.Duration
	ReapInterval  time.Duration
}

// Server implements GET /webrtc/signal.
type Server struct {
	log        *slog.Logger
	metrics    *metrics.Metrics
	authorizer Authorizer
	ender      ConsultationEnder
	clock      ratelimit.Clock

	authTimeout     time.Duration
	idleTimeout     time.Duration
	pingInterval    time.Duration
	maxMessageBytes int64
	messagesPerSec  int
	queueFrames     int
	queueBytes      int

	rooms       *room.Coordinator
	registry    *registry.Registry
	router      *router.Router
	upgrader    websocket.Upgrader
	connLimiter *ratelimit.KeyedLimiter

	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	closed bool

	stopReaper chan struct{}
	reaperDone chan struct{}
	closeOnce  sync.Once
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	authorizer := cfg.Authorizer
	if authorizer == nil {
		authorizer = AllowAllAuthorizer{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}

	s := &Server{
		log:             log,
		metrics:         cfg.Metrics,
		authorizer:      authorizer,
		ender:           cfg.Ender,
		clock:           clock,
		authTimeout:     durationOr(cfg.SignalingAuthTimeout, 2*time.Second),
		idleTimeout:     durationOr(cfg.SignalingWSIdleTimeout, 60*time.Second),
		pingInterval:    durationOr(cfg.SignalingWSPingInterval, 20*time.Second),
		maxMessageBytes: cfg.MaxSignalingMessageBytes,
		messagesPerSec:  cfg.MaxSignalingMessagesPerSecond,
		queueFrames:     cfg.SendQueueFrames,
		queueBytes:      cfg.SendQueueBytes,
		conns:           make(map[*wsConn]struct{}),
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = 64 * 1024
	}
	if s.messagesPerSec <= 0 {
		s.messagesPerSec = 50
	}
	if s.queueFrames <= 0 {
		s.queueFrames = 256
	}
	if s.queueBytes <= 0 {
		s.queueBytes = 1 << 20
	}
	if cfg.MaxSignalingConnectsPerIP > 0 {
		n := int64(cfg.MaxSignalingConnectsPerIP)
		s.connLimiter = ratelimit.NewKeyedLimiter(clock, n, n, 0)
	}

	s.rooms = room.NewCoordinator(room.Options{
		Logger:   log,
		Sink:     cfg.Sink,
		AckJoins: true,
	})
	s.registry = registry.New(registry.Options{
		OnUnregister: func(p registry.Participant) {
			if s.rooms.Leave(p.RoomID, p.ID, p.Conn.ID()) {
				s.metrics.Inc(metrics.LeaveAccepted)
			}
		},
	})
	s.router = router.New(s.rooms, log, cfg.Metrics)
	s.upgrader = websocket.Upgrader{
		Subprotocols: sigproto.Subprotocols,
		CheckOrigin:  cfg.Origins.CheckOrigin,
	}

	if cfg.IdleRoomGrace > 0 {
		interval := cfg.ReapInterval
		if interval <= 0 {
			interval = min(cfg.IdleRoomGrace/2, 30*time.Second)
		}
		s.stopReaper = make(chan struct{})
		s.reaperDone = make(chan struct{})
		go s.reapLoop(cfg.IdleRoomGrace, interval)
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /webrtc/signal", s.handleWebSocketSignal)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

type Stats struct {
	Connections  int
	Rooms        int
	Participants int
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	conns := len(s.conns)
	s.mu.Unlock()
	rs := s.rooms.Stats()
	return Stats{Connections: conns, Rooms: rs.Rooms, Participants: rs.Participants}
}

// ErrServerClosed is reported by Ready once Close has started.
var ErrServerClosed = errors.New("signaling: server closed")

// Ready reports whether new connections are being accepted.
func (s *Server) Ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	return nil
}

// Close disconnects every client. Their memberships are released through the
// registry, so every open room emits room-closed before Close returns.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.stopReaper != nil {
			close(s.stopReaper)
			<-s.reaperDone
		}

		s.mu.Lock()
		s.closed = true
		conns := make([]*wsConn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		s.rooms.Close()
		for _, c := range conns {
			c.closeWith(websocket.CloseGoingAway, "server shutting down")
		}
		s.registry.Close()

		var wg sync.WaitGroup
		for _, c := range conns {
			wg.Add(1)
			go func(c *wsConn) {
				defer wg.Done()
				c.Close(closeGrace)
			}(c)
		}
		wg.Wait()
	})
}

func (s *Server) handleWebSocketSignal(w http.ResponseWriter, r *http.Request) {
	if s.connLimiter != nil && !s.connLimiter.Allow(clientIP(r)) {
		s.metrics.Inc(metrics.RateLimited)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "err", err)
		return
	}
	codec, ok := sigproto.CodecFor(ws.Subprotocol())
	if !ok {
		// The upgrader only selects offered subprotocols.
		_ = ws.Close()
		return
	}

	conn := newWSConn(ws, codec, s.queueFrames, s.queueBytes, s.log, s.metrics)
	conn.start(s.pingInterval)
	if !s.track(conn) {
		conn.closeWith(websocket.CloseGoingAway, "server shutting down")
		conn.Close(closeGrace)
		return
	}
	s.metrics.Inc(metrics.ConnectionsOpened)
	conn.log.Debug("signaling connection opened", "remote_addr", r.RemoteAddr, "subprotocol", codec.Subprotocol())

	sess := &session{
		srv:     s,
		conn:    conn,
		req:     r,
		limiter: ratelimit.NewTokenBucket(s.clock, int64(s.messagesPerSec), int64(s.messagesPerSec)),
	}
	sess.run()
}

func (s *Server) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) reapLoop(grace, interval time.Duration) {
	defer close(s.reaperDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopReaper:
			return
		case <-ticker.C:
			s.reapIdle(grace)
		}
	}
}

// reapIdle evicts members that have waited alone past grace. Their
// connection stays open so the client can rejoin.
func (s *Server) reapIdle(grace time.Duration) {
	for _, m := range s.rooms.ReapIdle(time.Now(), grace) {
		p, ok := s.registry.ParticipantFor(m.Conn)
		if !ok || p.RoomID != m.RoomID || p.ID != m.ParticipantID {
			continue
		}
		if _, ok := s.registry.Unregister(m.Conn); !ok {
			continue
		}
		s.metrics.Inc(metrics.IdleEvicted)
		_ = m.Conn.Send(sigproto.Message{Type: sigproto.TypeLeft, RoomID: m.RoomID, ParticipantID: m.ParticipantID})
		s.log.Info("evicted idle participant", "room_id", m.RoomID, "participant_id", m.ParticipantID, "conn_id", m.Conn.ID(), "grace", grace)
	}
}

// clientIP keys the per-IP connect limiter. Forwarding headers are not
// trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
