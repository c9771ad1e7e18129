package clockbus

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolveAsync(ctx context.Context, h *Handshake, frames <-chan []byte) <-chan Role {
	out := make(chan Role, 1)
	go func() { out <- h.Resolve(ctx, frames) }()
	return out
}

func awaitRole(t *testing.T, ch <-chan Role) Role {
	t.Helper()
	select {
	case role := <-ch:
		return role
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not resolve")
		return RoleConsort
	}
}

func TestHandshake_FirstFrame(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Role
	}{
		{"leader", `{"type":"register","role":"leader"}`, RoleLeader},
		{"leader with non-numeric bpm", `{"type":"register","role":"leader","bpm":"x"}`, RoleLeader},
		{"consort", `{"type":"register","role":"consort"}`, RoleConsort},
		{"malformed", `{"type":"register","role":`, RoleConsort},
		{"wrong type", `{"type":"tick","role":"leader"}`, RoleConsort},
		{"unknown type", `{"type":"hello","role":"leader"}`, RoleConsort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := NewCounterMetrics()
			h := NewHandshake(clockwork.NewFakeClock(), DefaultHandshakeTimeout, metrics)
			frames := make(chan []byte, 1)
			frames <- []byte(tt.frame)

			assert.Equal(t, tt.want, h.Resolve(context.Background(), frames))
			assert.Equal(t, uint64(1), sumCounts(metrics.Snapshot().Handshakes))
		})
	}
}

func TestHandshake_TimeoutDefaultsToConsort(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClock()
	metrics := NewCounterMetrics()
	h := NewHandshake(clock, DefaultHandshakeTimeout, metrics)
	frames := make(chan []byte)

	result := resolveAsync(ctx, h, frames)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(DefaultHandshakeTimeout - time.Millisecond)
	select {
	case <-result:
		t.Fatal("handshake resolved before the timeout")
	case <-time.After(20 * time.Millisecond):
	}

	clock.Advance(time.Millisecond)
	assert.Equal(t, RoleConsort, awaitRole(t, result))
	assert.Equal(t, uint64(1), metrics.Snapshot().Handshakes[HandshakeTimedOut])
}

func TestHandshake_LeaderJustBeforeTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClock()
	h := NewHandshake(clock, DefaultHandshakeTimeout, nil)
	frames := make(chan []byte, 1)

	result := resolveAsync(ctx, h, frames)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(4 * time.Second)

	frames <- []byte(`{"type":"register","role":"leader"}`)
	assert.Equal(t, RoleLeader, awaitRole(t, result))
}

func TestHandshake_SocketClosed(t *testing.T) {
	h := NewHandshake(clockwork.NewFakeClock(), DefaultHandshakeTimeout, nil)
	frames := make(chan []byte)
	close(frames)

	assert.Equal(t, RoleConsort, h.Resolve(context.Background(), frames))
}

func TestHandshake_ContextCancelled(t *testing.T) {
	h := NewHandshake(clockwork.NewFakeClock(), DefaultHandshakeTimeout, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, RoleConsort, h.Resolve(ctx, make(chan []byte)))
}

func sumCounts[K comparable](m map[K]uint64) uint64 {
	var total uint64
	for _, v := range m {
		total += v
	}
	return total
}
