package metrics

import "sync"

// Event counter names.
const (
	ConnectionsOpened = "connections_opened"
	ConnectionsClosed = "connections_closed"
	AuthFailed        = "auth_failed"
	RateLimited       = "rate_limited"
	BadMessage        = "bad_message"

	JoinAccepted          = "join_accepted"
	JoinRejectedDuplicate = "join_rejected_duplicate"
	LeaveAccepted         = "leave_accepted"
	IdleEvicted           = "idle_evicted"

	RelayOffer        = "relay_offer"
	RelayAnswer       = "relay_answer"
	RelayICECandidate = "relay_ice_candidate"
	RelayDelivered    = "relay_delivered"
	RelayUnknownRoom  = "relay_unknown_room"
	RelayNotMember    = "relay_sender_not_member"

	SendDropped  = "signaling_send_dropped"
	WriteFailed  = "signaling_write_failed"
	RoomsCreated = "rooms_created"
	RoomsClosed  = "rooms_closed"

	HookCompleted = "consultation_hook_completed"
	HookFailed    = "consultation_hook_failed"
	HookDropped   = "consultation_hook_dropped"
)

// Metrics is a concurrency-safe counter registry. A nil *Metrics discards
// everything, so components can be built without one in tests.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
