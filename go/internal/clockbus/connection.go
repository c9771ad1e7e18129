package clockbus

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const closeGracePeriod = time.Second

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendQueueFull    = errors.New("send queue full")
)

// State is the lifecycle position of a connection
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendQueueSize   int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1 << 20,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendQueueSize:   256,
		CheckOrigin: func(r *http.Request) bool {
			// devices on the local network load the pages from a different port
			return true
		},
	}
}

// Connection is one accepted WebSocket on the clock bus
type Connection struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	conn   *websocket.Conn
	config ConnectionConfig
	clock  clockwork.Clock

	role  atomic.Int32
	state atomic.Int32

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewConnection wraps an upgraded socket. The connection starts in StateConnecting
// with no role until the handshake resolves one. clock drives the connect time
// and the keepalive pings.
func NewConnection(conn *websocket.Conn, config ConnectionConfig, clock clockwork.Clock) *Connection {
	c := &Connection{
		ID:          uuid.New().String(),
		ConnectedAt: clock.Now(),
		conn:        conn,
		config:      config,
		clock:       clock,
		send:        make(chan []byte, config.SendQueueSize),
		done:        make(chan struct{}),
	}
	if conn != nil {
		c.RemoteAddr = conn.RemoteAddr().String()
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// Role returns the role assigned at handshake. Before activation it reports RoleConsort.
func (c *Connection) Role() Role {
	return Role(c.role.Load())
}

// State returns the current lifecycle state
func (c *Connection) State() State {
	return State(c.state.Load())
}

// activate fixes the role and moves Connecting -> Active. It only succeeds once.
func (c *Connection) activate(role Role) bool {
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateActive)) {
		return false
	}
	c.role.Store(int32(role))
	return true
}

// Enqueue hands a frame to the writer goroutine without blocking
func (c *Connection) Enqueue(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Done is closed once the connection starts shutting down
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close releases the socket. Safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		close(c.done)
		if c.conn != nil {
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeGracePeriod),
			)
			c.conn.Close()
		}
		c.state.Store(int32(StateClosed))
	})
}

// writePump drains the send queue onto the socket and keeps the peer alive with pings
func (c *Connection) writePump() {
	ticker := c.clock.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.Chan():
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump forwards inbound data frames to frames until the socket fails, then
// closes frames. Over-size frames are rejected here by the read limit.
func (c *Connection) readPump(frames chan<- []byte) {
	defer close(frames)

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				log.Warn().
					Str("connection_id", c.ID).
					Int64("limit", c.config.MaxMessageSize).
					Msg("frame exceeds read limit, closing connection")
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		select {
		case frames <- message:
		case <-c.done:
			return
		}
	}
}
