package clockbus

import (
	"sync"
	"sync/atomic"
)

// MetricsCollector defines the interface for collecting clock bus metrics
type MetricsCollector interface {
	RecordHandshake(role Role, outcome HandshakeOutcome)
	RecordRelay(msgType MessageType, delivered, failed int)
	RecordDropped(reason DropReason)
}

// DropReason explains why an inbound frame was not relayed
type DropReason string

const (
	DropMalformed   DropReason = "malformed"
	DropUnknownType DropReason = "unknown_type"
	DropNotLeader   DropReason = "not_leader"
	DropNotTiming   DropReason = "not_timing"
)

// NoOpMetricsCollector is a no-op implementation for when metrics aren't needed
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordHandshake(role Role, outcome HandshakeOutcome)    {}
func (n *NoOpMetricsCollector) RecordRelay(msgType MessageType, delivered, failed int) {}
func (n *NoOpMetricsCollector) RecordDropped(reason DropReason)                        {}

// CounterMetrics keeps in-process counters, served on /stats
type CounterMetrics struct {
	relayed   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64

	mu         sync.Mutex
	byType     map[MessageType]uint64
	dropped    map[DropReason]uint64
	handshakes map[HandshakeOutcome]uint64
}

func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{
		byType:     make(map[MessageType]uint64),
		dropped:    make(map[DropReason]uint64),
		handshakes: make(map[HandshakeOutcome]uint64),
	}
}

func (m *CounterMetrics) RecordHandshake(role Role, outcome HandshakeOutcome) {
	m.mu.Lock()
	m.handshakes[outcome]++
	m.mu.Unlock()
}

func (m *CounterMetrics) RecordRelay(msgType MessageType, delivered, failed int) {
	m.relayed.Add(1)
	m.delivered.Add(uint64(delivered))
	m.failed.Add(uint64(failed))

	m.mu.Lock()
	m.byType[msgType]++
	m.mu.Unlock()
}

func (m *CounterMetrics) RecordDropped(reason DropReason) {
	m.mu.Lock()
	m.dropped[reason]++
	m.mu.Unlock()
}

// MetricsSnapshot is a point-in-time copy of CounterMetrics
type MetricsSnapshot struct {
	Relayed    uint64                      `json:"relayed"`
	Delivered  uint64                      `json:"delivered"`
	Failed     uint64                      `json:"failed"`
	ByType     map[MessageType]uint64      `json:"by_type"`
	Dropped    map[DropReason]uint64       `json:"dropped"`
	Handshakes map[HandshakeOutcome]uint64 `json:"handshakes"`
}

func (m *CounterMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := MetricsSnapshot{
		Relayed:    m.relayed.Load(),
		Delivered:  m.delivered.Load(),
		Failed:     m.failed.Load(),
		ByType:     make(map[MessageType]uint64, len(m.byType)),
		Dropped:    make(map[DropReason]uint64, len(m.dropped)),
		Handshakes: make(map[HandshakeOutcome]uint64, len(m.handshakes)),
	}
	for k, v := range m.byType {
		s.ByType[k] = v
	}
	for k, v := range m.dropped {
		s.Dropped[k] = v
	}
	for k, v := range m.handshakes {
		s.Handshakes[k] = v
	}
	return s
}
