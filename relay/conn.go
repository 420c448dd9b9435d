package relay

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/relaykit/relay.go/relay/transport"
)

// State is the connection lifecycle state shared by both channel types.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateAuthenticating
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// DialFunc produces a fresh, unconnected transport for one connection
// attempt. Every reconnect gets a new transport instance.
type DialFunc func() transport.Transport

// conn ties one transport instance to a cancellation context. Cancelling
// the context before arming a successor guarantees listeners bound to a
// superseded transport never fire again.
type conn struct {
	transport transport.Transport
	ctx       context.Context
	cancel    context.CancelFunc
}

func newConn(t transport.Transport) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{transport: t, ctx: ctx, cancel: cancel}
}

// superseded reports whether this connection has been replaced or torn
// down.
func (c *conn) superseded() bool {
	return c.ctx.Err() != nil
}

// reconnector schedules a single pending reconnect attempt after a fixed
// delay. The delay is constant, not exponential, and there is no maximum
// retry count; only Stop (explicit disconnect) ends the loop.
type reconnector struct {
	mu      sync.Mutex
	b       *backoff.Backoff
	timer   *time.Timer
	pending bool
	stopped bool
}

func newReconnector(delay time.Duration) *reconnector {
	return &reconnector{
		b: &backoff.Backoff{Min: delay, Max: delay, Factor: 1},
	}
}

// Schedule arms a reconnect attempt. At most one attempt is pending at a
// time; scheduling while one is pending, or after Stop, is a no-op.
func (r *reconnector) Schedule(f func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped || r.pending {
		return false
	}
	r.pending = true
	r.timer = time.AfterFunc(r.b.Duration(), func() {
		r.mu.Lock()
		r.pending = false
		stopped := r.stopped
		r.mu.Unlock()
		if !stopped {
			f()
		}
	})
	return true
}

// Delay returns the fixed reconnect delay.
func (r *reconnector) Delay() time.Duration {
	return r.b.Min
}

// Stop cancels any pending attempt and prevents future scheduling. It is
// terminal.
func (r *reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.pending = false
}
