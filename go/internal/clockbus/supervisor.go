package clockbus

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
)

// Supervisor drives a single connection from handshake to cleanup
type Supervisor struct {
	registry  *Registry
	handshake *Handshake
	router    *Router
	metrics   MetricsCollector
}

// NewSupervisor wires the per-connection loop to the shared registry and router
func NewSupervisor(registry *Registry, handshake *Handshake, router *Router, metrics MetricsCollector) *Supervisor {
	if metrics == nil {
		metrics = &NoOpMetricsCollector{}
	}
	return &Supervisor{
		registry:  registry,
		handshake: handshake,
		router:    router,
		metrics:   metrics,
	}
}

// Serve runs conn until the socket fails, the peer closes, or ctx is cancelled.
// However it returns, conn has left the registry and its socket is closed.
func (s *Supervisor) Serve(ctx context.Context, conn *Connection) {
	frames := make(chan []byte, 16)
	go conn.readPump(frames)
	go conn.writePump()

	s.run(ctx, conn, frames)
}

func (s *Supervisor) run(ctx context.Context, conn *Connection, frames <-chan []byte) {
	defer func() {
		s.registry.Leave(conn)
		conn.Close()

		leaders, consorts := s.registry.Counts()
		log.Info().
			Str("connection_id", conn.ID).
			Str("role", conn.Role().String()).
			Int("leaders", leaders).
			Int("consorts", consorts).
			Msg("clock bus connection closed")
	}()

	role := s.handshake.Resolve(ctx, frames)
	if !conn.activate(role) {
		return
	}
	s.registry.Join(conn, role)

	leaders, consorts := s.registry.Counts()
	log.Info().
		Str("connection_id", conn.ID).
		Str("remote_addr", conn.RemoteAddr).
		Str("role", role.String()).
		Int("leaders", leaders).
		Int("consorts", consorts).
		Msg("clock bus connection established")

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case raw, ok := <-frames:
			if !ok {
				return
			}
			s.handleFrame(conn, raw)
		}
	}
}

func (s *Supervisor) handleFrame(conn *Connection, raw []byte) {
	msg, err := ParseControlMessage(raw)
	if err != nil {
		reason := DropMalformed
		if errors.Is(err, ErrUnknownMessageType) {
			reason = DropUnknownType
		}
		s.metrics.RecordDropped(reason)
		log.Debug().
			Err(err).
			Str("connection_id", conn.ID).
			Msg("dropping frame")
		return
	}

	// consorts are receive-only
	if conn.Role() != RoleLeader {
		s.metrics.RecordDropped(DropNotLeader)
		return
	}
	s.router.Relay(conn, msg)
}
