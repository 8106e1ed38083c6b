package metrics

import "sync"

// Event names. Each is exported as one `event` label value.
const (
	SessionsRegistered   = "sessions_registered"
	SessionsUnregistered = "sessions_unregistered"
	IDGenerationFailure  = "id_generation_failure"
	GreetingFailure      = "greeting_failure"

	WSConnections      = "ws_connections"
	WSUpgradeFailures  = "ws_upgrade_failures"
	WSJoinTimeouts     = "ws_join_timeouts"
	WSMessagesIn       = "ws_messages_in"
	WSMessagesOut      = "ws_messages_out"
	WSNonTextDropped   = "ws_non_text_dropped"
	WSMessageTooLarge  = "ws_message_too_large"
	WSKeepaliveTimeout = "ws_keepalive_timeout"

	MessagesRouted        = "messages_routed"
	MessagesBroadcast     = "messages_broadcast"
	MessagesUnknownType   = "messages_unknown_type"
	OutboundDroppedFull   = "outbound_dropped_queue_full"
	OutboundDroppedClosed = "outbound_dropped_closed"
	OutboundDroppedEncode = "outbound_dropped_encode"

	DropReasonMalformed       = "dropped_malformed"
	DropReasonNoTarget        = "dropped_no_target"
	DropReasonRateLimited     = "rate_limited"
	DropReasonTooManySessions = "too_many_sessions"
)

// Metrics is a minimal, concurrency-safe counter registry.
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
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
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

// Snapshot returns a copy of all counters.
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
