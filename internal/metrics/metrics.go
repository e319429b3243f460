// Package metrics is a minimal, concurrency-safe counter registry for the
// relay, exposed in Prometheus' text format.
package metrics

import "sync"

// Counter names used by the relay.
const (
	DocumentsRouted     = "documents_routed"
	DocumentsDropped    = "documents_dropped"
	MalformedDocuments  = "malformed_documents"
	PushNotifications   = "push_notifications"
	EndpointsRegistered = "endpoints_registered"
	EndpointsSuperseded = "endpoints_superseded"
	SendQueueOverflows  = "send_queue_overflows"
	TurnCredentialsSent = "turn_credentials_sent"
	KeepalivesReceived  = "keepalives_received"
)

type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
