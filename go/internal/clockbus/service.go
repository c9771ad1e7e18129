package clockbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

// Config holds configuration for the clock bus service
type Config struct {
	Host             string
	Port             int
	HandshakeTimeout time.Duration
	MaxConnections   int // 0 means unlimited
	ShutdownTimeout  time.Duration
	Connection       ConnectionConfig
	NATS             NATSMirrorConfig // empty URL disables the mirror
}

// DefaultConfig returns default configuration for the clock bus
func DefaultConfig() Config {
	nats := DefaultNATSMirrorConfig()
	nats.URL = ""
	return Config{
		Host:             "0.0.0.0",
		Port:             8010,
		HandshakeTimeout: DefaultHandshakeTimeout,
		ShutdownTimeout:  10 * time.Second,
		Connection:       DefaultConnectionConfig(),
		NATS:             nats,
	}
}

// Addr returns the listen address
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Option customizes a Service
type Option func(*Service)

// WithClock replaces the real clock behind every timer and timestamp on the bus
func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithMirror installs a mirror instead of dialing NATS from the config
func WithMirror(m Mirror) Option {
	return func(s *Service) { s.mirror = m }
}

// Service owns the registry and every live connection on the clock bus
type Service struct {
	config   Config
	clock    clockwork.Clock
	metrics  *CounterMetrics
	mirror   Mirror
	registry *Registry

	supervisor *Supervisor
	wsHandler  *WebSocketHandler

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	closing bool
	wg      sync.WaitGroup
}

// NewService creates a new clock bus service
func NewService(config Config, opts ...Option) (*Service, error) {
	s := &Service{
		config:   config,
		clock:    clockwork.NewRealClock(),
		metrics:  NewCounterMetrics(),
		registry: NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.mirror == nil && config.NATS.URL != "" {
		mirror, err := NewNATSMirror(config.NATS)
		if err != nil {
			return nil, fmt.Errorf("failed to create NATS mirror: %w", err)
		}
		s.mirror = mirror
	}

	handshake := NewHandshake(s.clock, config.HandshakeTimeout, s.metrics)
	router := NewRouter(s.registry, s.clock, s.metrics, s.mirror)
	s.supervisor = NewSupervisor(s.registry, handshake, router, s.metrics)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wsHandler = NewWebSocketHandler(s)

	return s, nil
}

// Registry exposes the service's membership registry
func (s *Service) Registry() *Registry {
	return s.registry
}

// Handler returns the HTTP handler serving the clock bus routes
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.wsHandler.RegisterRoutes(mux)
	return CORSMiddleware(mux)
}

// Run listens on the configured address and serves until ctx is cancelled
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts clock bus connections on ln until ctx is cancelled. On return
// every connection has been closed and removed from the registry.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if s.config.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConnections)
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().
		Str("addr", ln.Addr().String()).
		Dur("handshake_timeout", s.config.HandshakeTimeout).
		Int("max_connections", s.config.MaxConnections).
		Bool("mirror", s.mirror != nil).
		Msg("clock bus listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		s.Shutdown()
		return nil
	})

	return g.Wait()
}

// Shutdown closes every connection, waits for their supervisors to finish and
// closes the mirror. New connections are refused afterwards.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()

	if s.mirror != nil {
		if err := s.mirror.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close mirror")
		}
	}
	log.Info().Msg("clock bus stopped")
}

// accept starts supervising conn. It reports false once shutdown has begun.
func (s *Service) accept(conn *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.supervisor.Serve(s.ctx, conn)
	}()
	return true
}

// Stats returns registry counts and relay metrics
func (s *Service) Stats() Stats {
	leaders, consorts := s.registry.Counts()
	stats := Stats{
		Leaders:  leaders,
		Consorts: consorts,
		Metrics:  s.metrics.Snapshot(),
		Mirror:   "disabled",
	}
	if m, ok := s.mirror.(*NATSMirror); ok {
		stats.Mirror = "disconnected"
		if m.Connected() {
			stats.Mirror = "connected"
		}
	} else if s.mirror != nil {
		stats.Mirror = "enabled"
	}
	return stats
}
