package clockbus

import (
	"encoding/json"
	"errors"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// RelayResult summarizes one relay call
type RelayResult struct {
	Accepted  bool
	Event     ClockEvent
	Delivered int
	Failed    int
}

// Router relays leader timing messages to every registered consort
type Router struct {
	registry *Registry
	clock    clockwork.Clock
	metrics  MetricsCollector
	mirror   Mirror
}

// NewRouter creates a router over registry. mirror may be nil.
func NewRouter(registry *Registry, clock clockwork.Clock, metrics MetricsCollector, mirror Mirror) *Router {
	if metrics == nil {
		metrics = &NoOpMetricsCollector{}
	}
	return &Router{
		registry: registry,
		clock:    clock,
		metrics:  metrics,
		mirror:   mirror,
	}
}

// Relay stamps msg with the relay clock and enqueues it on every consort in a
// registry snapshot. Messages from non-leaders and non-timing messages are
// dropped without error. A recipient that is closed or backed up loses only
// its own copy; the router never evicts it.
func (r *Router) Relay(src *Connection, msg ControlMessage) RelayResult {
	if src.Role() != RoleLeader {
		r.metrics.RecordDropped(DropNotLeader)
		return RelayResult{}
	}
	if !msg.IsTiming() {
		r.metrics.RecordDropped(DropNotTiming)
		return RelayResult{}
	}

	event := NewClockEvent(msg, r.clock.Now())
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal clock event")
		return RelayResult{}
	}

	result := RelayResult{Accepted: true, Event: event}
	for _, conn := range r.registry.Snapshot(RoleConsort) {
		if err := conn.Enqueue(payload); err != nil {
			result.Failed++
			logEvent := log.Debug()
			if errors.Is(err, ErrSendQueueFull) {
				logEvent = log.Warn()
			}
			logEvent.
				Err(err).
				Str("connection_id", conn.ID).
				Str("event_type", string(event.Type)).
				Msg("clock event not delivered")
			continue
		}
		result.Delivered++
	}

	r.metrics.RecordRelay(event.Type, result.Delivered, result.Failed)

	if r.mirror != nil {
		if err := r.mirror.Publish(event, payload); err != nil {
			log.Error().Err(err).Str("event_type", string(event.Type)).Msg("failed to mirror clock event")
		}
	}

	log.Debug().
		Str("leader_id", src.ID).
		Str("event_type", string(event.Type)).
		Str("t", event.T).
		Int("delivered", result.Delivered).
		Int("failed", result.Failed).
		Msg("clock event relayed")

	return result
}
