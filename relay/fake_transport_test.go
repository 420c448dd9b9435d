package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/relaykit/relay.go/relay/transport"
)

// fakeTransport is an in-memory Transport for handshake and reconnect
// tests. Inbound envelopes are fed through push; outbound frames are
// recorded.
type fakeTransport struct {
	mu         sync.Mutex
	inbound    chan []byte
	sent       [][]byte
	closed     bool
	closeCalls int
	connectErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan []byte, 16)}
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	return t.connectErr
}

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errors.New("fake transport closed")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	t.sent = append(t.sent, buf)
	return nil
}

func (t *fakeTransport) Receive() ([]byte, error) {
	data, ok := <-t.inbound
	if !ok {
		return nil, io.EOF
	}
	return data, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closeCalls++
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.inbound)
	return nil
}

// push feeds an inbound envelope to the channel under test.
func (t *fakeTransport) push(env *Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		panic(err)
	}
	t.inbound <- data
}

func (t *fakeTransport) pushRaw(data []byte) {
	t.inbound <- data
}

// sentEnvelopes decodes everything sent so far.
func (t *fakeTransport) sentEnvelopes() []*Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Envelope, 0, len(t.sent))
	for _, data := range t.sent {
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		out = append(out, &env)
	}
	return out
}

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}

// fakeDialer hands out a fresh fakeTransport per connection attempt.
type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
}

func (d *fakeDialer) dial() transport.Transport {
	d.mu.Lock()
	defer d.mu.Unlock()

	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) latest() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}
