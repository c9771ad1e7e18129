package clockbus

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// DefaultHandshakeTimeout is how long a new connection has to send its register frame
const DefaultHandshakeTimeout = 5 * time.Second

// HandshakeOutcome records how a role was resolved
type HandshakeOutcome string

const (
	HandshakeRegistered HandshakeOutcome = "registered"
	HandshakeRejected   HandshakeOutcome = "unparseable"
	HandshakeTimedOut   HandshakeOutcome = "timeout"
	HandshakeClosed     HandshakeOutcome = "closed"
)

// Handshake negotiates a connection's role from its first inbound frame.
// It never fails: every path that does not end in a leader registration
// resolves to RoleConsort.
type Handshake struct {
	clock   clockwork.Clock
	timeout time.Duration
	metrics MetricsCollector
}

// NewHandshake creates a handshake using clock for its timeout
func NewHandshake(clock clockwork.Clock, timeout time.Duration, metrics MetricsCollector) *Handshake {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	if metrics == nil {
		metrics = &NoOpMetricsCollector{}
	}
	return &Handshake{
		clock:   clock,
		timeout: timeout,
		metrics: metrics,
	}
}

// Resolve waits for exactly one frame on frames and returns the role it asks for
func (h *Handshake) Resolve(ctx context.Context, frames <-chan []byte) Role {
	role, outcome := h.resolve(ctx, frames)
	h.metrics.RecordHandshake(role, outcome)
	return role
}

func (h *Handshake) resolve(ctx context.Context, frames <-chan []byte) (Role, HandshakeOutcome) {
	timer := h.clock.NewTimer(h.timeout)
	defer timer.Stop()

	select {
	case raw, ok := <-frames:
		if !ok {
			return RoleConsort, HandshakeClosed
		}
		msg, err := ParseControlMessage(raw)
		if err != nil {
			log.Debug().Err(err).Msg("handshake frame not understood, defaulting to consort")
			return RoleConsort, HandshakeRejected
		}
		return msg.RequestedRole(), HandshakeRegistered

	case <-timer.Chan():
		return RoleConsort, HandshakeTimedOut

	case <-ctx.Done():
		return RoleConsort, HandshakeClosed
	}
}
