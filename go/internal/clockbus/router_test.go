package clockbus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var relayTime = time.Date(2025, 12, 5, 20, 15, 0, 123456000, time.UTC)

type recordingMirror struct {
	mu       sync.Mutex
	events   []ClockEvent
	payloads [][]byte
	err      error
}

func (m *recordingMirror) Publish(event ClockEvent, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	m.payloads = append(m.payloads, payload)
	return m.err
}

func (m *recordingMirror) Close() error { return nil }

func (m *recordingMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

type routerFixture struct {
	registry *Registry
	clock    *clockwork.FakeClock
	metrics  *CounterMetrics
	mirror   *recordingMirror
	router   *Router
	leader   *Connection
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	f := &routerFixture{
		registry: NewRegistry(),
		clock:    clockwork.NewFakeClockAt(relayTime),
		metrics:  NewCounterMetrics(),
		mirror:   &recordingMirror{},
	}
	f.router = NewRouter(f.registry, f.clock, f.metrics, f.mirror)
	f.leader = f.join(RoleLeader)
	return f
}

func (f *routerFixture) join(role Role) *Connection {
	c := newTestConnection()
	c.activate(role)
	f.registry.Join(c, role)
	return c
}

func received(c *Connection) []string {
	var out []string
	for {
		select {
		case payload := <-c.send:
			out = append(out, string(payload))
		default:
			return out
		}
	}
}

func TestRouter_RelaysToEveryConsort(t *testing.T) {
	for _, n := range []int{0, 1, 5} {
		f := newRouterFixture(t)
		consorts := make([]*Connection, n)
		for i := range consorts {
			consorts[i] = f.join(RoleConsort)
		}

		result := f.router.Relay(f.leader, ControlMessage{Type: MessageTypeTick})

		require.True(t, result.Accepted)
		assert.Equal(t, n, result.Delivered)
		assert.Zero(t, result.Failed)
		for _, c := range consorts {
			got := received(c)
			require.Len(t, got, 1)
			assert.JSONEq(t, `{"type":"tick","t":"2025-12-05T20:15:00.123456+00:00"}`, got[0])
		}
		assert.Empty(t, received(f.leader))
	}
}

func TestRouter_CarriesBPM(t *testing.T) {
	f := newRouterFixture(t)
	consort := f.join(RoleConsort)
	bpm := 120.0

	f.router.Relay(f.leader, ControlMessage{Type: MessageTypeTick, BPM: &bpm})
	f.router.Relay(f.leader, ControlMessage{Type: MessageTypeStop})

	got := received(consort)
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"type":"tick","bpm":120,"t":"2025-12-05T20:15:00.123456+00:00"}`, got[0])
	assert.JSONEq(t, `{"type":"stop","t":"2025-12-05T20:15:00.123456+00:00"}`, got[1])
}

func TestRouter_TimestampTracksRelayClock(t *testing.T) {
	f := newRouterFixture(t)
	f.join(RoleConsort)

	first := f.router.Relay(f.leader, ControlMessage{Type: MessageTypeStart})
	f.clock.Advance(500 * time.Millisecond)
	second := f.router.Relay(f.leader, ControlMessage{Type: MessageTypeTick})

	assert.Equal(t, "2025-12-05T20:15:00.123456+00:00", first.Event.T)
	assert.Equal(t, "2025-12-05T20:15:00.623456+00:00", second.Event.T)
}

func TestRouter_DropsNonLeader(t *testing.T) {
	f := newRouterFixture(t)
	sender := f.join(RoleConsort)
	other := f.join(RoleConsort)

	result := f.router.Relay(sender, ControlMessage{Type: MessageTypeTick})

	assert.False(t, result.Accepted)
	assert.Empty(t, received(other))
	assert.Empty(t, received(sender))
	assert.Zero(t, f.mirror.count())
	assert.Equal(t, uint64(1), f.metrics.Snapshot().Dropped[DropNotLeader])
}

func TestRouter_DropsNonTiming(t *testing.T) {
	f := newRouterFixture(t)
	consort := f.join(RoleConsort)

	result := f.router.Relay(f.leader, ControlMessage{Type: MessageTypeRegister, Role: "leader"})

	assert.False(t, result.Accepted)
	assert.Empty(t, received(consort))
	assert.Equal(t, uint64(1), f.metrics.Snapshot().Dropped[DropNotTiming])
}

func TestRouter_IsolatesFailedRecipients(t *testing.T) {
	f := newRouterFixture(t)
	healthy := f.join(RoleConsort)
	closed := f.join(RoleConsort)
	another := f.join(RoleConsort)

	// disconnected mid-session but its supervisor has not removed it yet
	closed.Close()

	result := f.router.Relay(f.leader, ControlMessage{Type: MessageTypeTick})

	assert.Equal(t, 2, result.Delivered)
	assert.Equal(t, 1, result.Failed)
	assert.Len(t, received(healthy), 1)
	assert.Len(t, received(another), 1)

	_, stillRegistered := f.registry.Lookup(closed)
	assert.True(t, stillRegistered, "router must not evict recipients")
}

func TestRouter_FullQueueDropsOnlyThatCopy(t *testing.T) {
	f := newRouterFixture(t)
	slow := f.join(RoleConsort)
	fast := f.join(RoleConsort)

	for i := 0; i < cap(slow.send); i++ {
		require.NoError(t, slow.Enqueue([]byte(`{}`)))
	}
	require.ErrorIs(t, slow.Enqueue([]byte(`{}`)), ErrSendQueueFull)

	result := f.router.Relay(f.leader, ControlMessage{Type: MessageTypeTick})

	assert.Equal(t, 1, result.Delivered)
	assert.Equal(t, 1, result.Failed)
	assert.Len(t, received(fast), 1)
	assert.Equal(t, uint64(1), f.metrics.Snapshot().Failed)
}

func TestRouter_Mirror(t *testing.T) {
	f := newRouterFixture(t)
	consort := f.join(RoleConsort)
	f.mirror.err = errors.New("nats unavailable")

	result := f.router.Relay(f.leader, ControlMessage{Type: MessageTypeStart})

	assert.Equal(t, 1, result.Delivered, "mirror failure must not affect delivery")
	require.Equal(t, 1, f.mirror.count())
	assert.Equal(t, MessageTypeStart, f.mirror.events[0].Type)
	assert.Equal(t, received(consort)[0], string(f.mirror.payloads[0]))
}

func TestRouter_NilMirror(t *testing.T) {
	registry := NewRegistry()
	router := NewRouter(registry, clockwork.NewFakeClockAt(relayTime), nil, nil)
	leader := newTestConnection()
	leader.activate(RoleLeader)

	result := router.Relay(leader, ControlMessage{Type: MessageTypeTick})
	assert.True(t, result.Accepted)
	assert.Zero(t, result.Delivered)
}
