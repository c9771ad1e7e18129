package clockbus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Mirror receives a copy of every relayed clock event
type Mirror interface {
	Publish(event ClockEvent, payload []byte) error
	Close() error
}

// NATSMirrorConfig holds configuration for the NATS mirror
type NATSMirrorConfig struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSMirrorConfig returns default NATS mirror configuration
func DefaultNATSMirrorConfig() NATSMirrorConfig {
	return NATSMirrorConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "satgam.clock",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// NATSMirror publishes relayed clock events on core NATS. Publication is
// fire-and-forget; nothing is retained for subscribers that join late.
type NATSMirror struct {
	nc     *nats.Conn
	config NATSMirrorConfig
}

// NewNATSMirror connects to NATS
func NewNATSMirror(config NATSMirrorConfig) (*NATSMirror, error) {
	opts := []nats.Option{
		nats.Name("satgam-relay"),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	log.Info().
		Str("url", nc.ConnectedUrl()).
		Str("subject_prefix", config.SubjectPrefix).
		Msg("clock events mirrored to NATS")

	return &NATSMirror{nc: nc, config: config}, nil
}

// Subject returns the subject a clock event of msgType is published on
func (m *NATSMirror) Subject(msgType MessageType) string {
	return MirrorSubject(m.config.SubjectPrefix, msgType)
}

func (m *NATSMirror) Publish(event ClockEvent, payload []byte) error {
	if err := m.nc.Publish(m.Subject(event.Type), payload); err != nil {
		return fmt.Errorf("publish clock event: %w", err)
	}
	return nil
}

// Connected reports whether the NATS connection is currently up
func (m *NATSMirror) Connected() bool {
	return m.nc.IsConnected()
}

func (m *NATSMirror) Close() error {
	if m.nc == nil {
		return nil
	}
	if err := m.nc.Drain(); err != nil {
		m.nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}

// MirrorSubject builds "<prefix>.<type>"
func MirrorSubject(prefix string, msgType MessageType) string {
	if prefix == "" {
		return string(msgType)
	}
	return fmt.Sprintf("%s.%s", prefix, msgType)
}
