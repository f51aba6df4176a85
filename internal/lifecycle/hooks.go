// Package lifecycle reacts to room events: it tells the consultation backend
// when a consultation is over and fans events out to in-process observers.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/teleconsult/signaling-relay/internal/metrics"
	"github.com/teleconsult/signaling-relay/internal/room"
)

var (
	ErrHookFailed = errors.New("lifecycle: consultation hook failed")
	ErrClosed     = errors.New("lifecycle: hooks closed")
)

const (
	DefaultQueueSize   = 64
	DefaultCallTimeout = 5 * time.Second
)

// Completer marks a consultation complete in the system of record.
type Completer interface {
	MarkConsultationComplete(ctx context.Context, consultationID string) error
}

type CompleterFunc func(ctx context.Context, consultationID string) error

func (f CompleterFunc) MarkConsultationComplete(ctx context.Context, id string) error {
	return f(ctx, id)
}

type Options struct {
	// Completer may be nil, in which case completions are only logged.
	Completer   Completer
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	QueueSize   int
	CallTimeout time.Duration
}

type instance struct {
	roomID     string
	generation uint64
}

type instanceState uint8

const (
	stateOpen instanceState = iota + 1
	stateEnded
)

type job struct {
	instance
	reason string
}

// Hooks implements room.EventSink. Completion calls run on a single worker
// goroutine and never hold up the room that triggered them.
type Hooks struct {
	completer   Completer
	log         *slog.Logger
	metrics     *metrics.Metrics
	callTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan job
	done   chan struct{}

	mu        sync.Mutex
	instances map[instance]instanceState
	observers []func(room.Event)
	closed    bool
}

func New(opts Options) *Hooks {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hooks{
		completer:   opts.Completer,
		log:         log,
		metrics:     opts.Metrics,
		callTimeout: timeout,
		ctx:         ctx,
		cancel:      cancel,
		queue:       make(chan job, size),
		done:        make(chan struct{}),
		instances:   make(map[instance]instanceState),
	}
	go h.run()
	return h
}

// Subscribe registers fn to receive every room event. fn runs with the room
// lock held and must return quickly.
func (h *Hooks) Subscribe(fn func(room.Event)) {
	h.mu.Lock()
	h.observers = append(h.observers, fn)
	h.mu.Unlock()
}

func (h *Hooks) HandleRoomEvent(e room.Event) {
	h.mu.Lock()
	observers := h.observers
	h.mu.Unlock()
	for _, fn := range observers {
		fn(e)
	}

	key := instance{roomID: e.RoomID, generation: e.Generation}
	switch e.Type {
	case room.EventRoomCreated:
		h.metrics.Inc(metrics.RoomsCreated)
		h.mu.Lock()
		h.instances[key] = stateOpen
		h.mu.Unlock()
	case room.EventRoomClosed:
		h.metrics.Inc(metrics.RoomsClosed)
		h.mu.Lock()
		state := h.instances[key]
		delete(h.instances, key)
		if state != stateEnded {
			h.enqueueLocked(key, "room-closed")
		}
		h.mu.Unlock()
	}
}

// EndConsultation schedules the completion call for one room instance after
// a member explicitly ended it. It reports false when the instance is not
// open or was already ended; a closed instance has already been completed.
func (h *Hooks) EndConsultation(roomID string, generation uint64) bool {
	key := instance{roomID: roomID, generation: generation}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.instances[key] != stateOpen {
		return false
	}
	h.instances[key] = stateEnded
	h.enqueueLocked(key, "ended-by-participant")
	return true
}

// enqueueLocked hands one completion call to the worker without blocking.
func (h *Hooks) enqueueLocked(key instance, reason string) {
	if h.closed {
		h.metrics.Inc(metrics.HookDropped)
		h.log.Warn("consultation completion dropped after shutdown", "room_id", key.roomID, "reason", reason)
		return
	}

	select {
	case h.queue <- job{instance: key, reason: reason}:
	default:
		h.metrics.Inc(metrics.HookDropped)
		h.log.Warn("consultation completion queue full; dropping", "room_id", key.roomID, "reason", reason)
	}
}

func (h *Hooks) run() {
	defer close(h.done)
	for j := range h.queue {
		h.call(j)
	}
}

func (h *Hooks) call(j job) {
	log := h.log.With("room_id", j.roomID, "generation", j.generation, "reason", j.reason)
	if h.completer == nil {
		log.Info("consultation complete")
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, h.callTimeout)
	defer cancel()

	start := time.Now()
	if err := h.completer.MarkConsultationComplete(ctx, j.roomID); err != nil {
		h.metrics.Inc(metrics.HookFailed)
		log.Warn("failed to mark consultation complete", "err", err, "duration", time.Since(start))
		return
	}
	h.metrics.Inc(metrics.HookCompleted)
	log.Info("consultation marked complete", "duration", time.Since(start))
}

// Close stops accepting work and waits for queued calls to finish. When ctx
// expires first, in-flight calls are cancelled and ctx's error is returned.
func (h *Hooks) Close(ctx context.Context) error {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.queue)
	}
	h.mu.Unlock()

	select {
	case <-h.done:
		h.cancel()
		return nil
	case <-ctx.Done():
		h.cancel()
		<-h.done
		return ctx.Err()
	}
}
