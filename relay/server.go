package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/relaykit/relay.go/relay/secure"
	"github.com/relaykit/relay.go/relay/transport"
)

// ServerChannel publishes events into a channel, either over a persistent
// authenticated connection with an outbound queue and liveness watchdog,
// or statelessly with one HTTP call per publish. Creation requires a
// trusted execution context.
type ServerChannel struct {
	mu      sync.RWMutex
	cfg     Config
	dial    DialFunc
	log     *logging.Logger
	router  *router
	queue   *outboundQueue
	rec     *reconnector
	flushMu sync.Mutex

	conn   *conn
	state  State
	closed bool

	connectionID string
	publisher    *transport.Publisher
	watchdogStop chan struct{}
}

type ServerOption func(*ServerChannel)

// WithServerDialer replaces the default WebSocket dialer.
func WithServerDialer(dial DialFunc) ServerOption {
	return func(s *ServerChannel) {
		s.dial = dial
	}
}

// WithPublisher replaces the default stateless publisher.
func WithPublisher(p *transport.Publisher) ServerOption {
	return func(s *ServerChannel) {
		s.publisher = p
	}
}

// NewServer creates a server channel. It fails with ErrUntrustedContext
// outside a trusted execution context; this is a deployment precondition
// checked once, at construction.
func NewServer(cfg Config, opts ...ServerOption) (*ServerChannel, error) {
	if !secure.TrustedContext() {
		return nil, secure.ErrUntrustedContext
	}
	cfg = cfg.withDefaults()

	s := &ServerChannel{
		cfg:    cfg,
		router: newRouter(cfg.ObfuscateEvents),
		queue:  newOutboundQueue(),
		rec:    newReconnector(cfg.ReconnectDelay),
		log:    cfg.LogBackend.GetLogger("server"),
		state:  StateDisconnected,
	}
	if s.cfg.ServerID == "" {
		s.cfg.ServerID = generateID()
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.cfg.Stateless {
		if s.publisher == nil {
			ep, err := cfg.endpoints()
			if err != nil {
				return nil, err
			}
			s.publisher = transport.NewPublisher(ep.Publish,
				transport.WithPublisherLogger(cfg.LogBackend.GetLogger("transport/publish")))
		}
		return s, nil
	}

	if s.dial == nil {
		ep, err := cfg.endpoints()
		if err != nil {
			return nil, err
		}
		wsLog := cfg.LogBackend.GetLogger("transport/ws")
		s.dial = func() transport.Transport {
			return transport.NewWebSocketTransport(ep.Stream, transport.WithLogger(wsLog))
		}
	}

	s.watchdogStop = make(chan struct{})
	go s.watchdog()

	return s, nil
}

// Connect opens the persistent transport and authenticates. A no-op for
// the stateless variant.
func (s *ServerChannel) Connect() error {
	if s.cfg.Stateless {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrConnectionClosed
	}
	switch s.state {
	case StateConnecting, StateOpen, StateAuthenticating, StateAuthenticated:
		s.mu.Unlock()
		return nil
	}
	if s.conn != nil {
		s.conn.cancel()
		s.conn.transport.Close()
	}
	cn := newConn(s.dial())
	s.conn = cn
	s.state = StateConnecting
	s.mu.Unlock()

	if err := cn.transport.Connect(cn.ctx); err != nil {
		terr := &TransportError{Op: "connect", Err: err}
		s.handleDisconnect(cn, terr)
		return terr
	}

	s.mu.Lock()
	if s.closed || s.conn != cn {
		s.mu.Unlock()
		cn.transport.Close()
		return ErrConnectionClosed
	}
	s.state = StateAuthenticating
	s.mu.Unlock()

	go s.readLoop(cn)

	err := s.sendEnvelope(cn, &Envelope{
		Type:     TypeServerAuthenticate,
		ServerID: s.cfg.ServerID,
		Password: s.cfg.Password,
		Channel:  s.cfg.Channel,
	})
	if err != nil {
		s.handleDisconnect(cn, err)
	}
	return err
}

// Send publishes an event. It never blocks the caller: on the persistent
// variant the envelope is appended to the outbound queue and flushed as
// soon as the channel is authenticated; on the stateless variant one HTTP
// call is awaited.
func (s *ServerChannel) Send(event string, message interface{}) error {
	if s.cfg.Stateless {
		return s.publishStateless(event, message, false)
	}

	env, err := buildEmit(s.cfg, s.router, event, message)
	if err != nil {
		return err
	}
	data, err := env.marshal()
	if err != nil {
		return err
	}

	s.queue.Push(data)

	s.mu.RLock()
	cn := s.conn
	authed := s.state == StateAuthenticated
	s.mu.RUnlock()
	if authed && cn != nil {
		go s.flush(cn)
	}
	return nil
}

// SendMessage publishes a bare message without an event name.
func (s *ServerChannel) SendMessage(message interface{}) error {
	if s.cfg.Stateless {
		return s.publishStateless("", message, true)
	}
	return s.Send(string(TypeMessage), message)
}

func (s *ServerChannel) publishStateless(event string, message interface{}, bare bool) error {
	payload, err := encodePayload(message, s.cfg.EncryptionKey)
	if err != nil {
		return err
	}

	pub := transport.Publication{
		ID:       s.cfg.ServerID,
		Channel:  s.cfg.Channel,
		Password: s.cfg.Password,
	}

	ctx := context.Background()
	if bare {
		pub.Message = payload
		err = s.publisher.PublishMessage(ctx, pub)
	} else {
		pub.Event = s.router.topic(event)
		pub.Msg = payload
		err = s.publisher.PublishEvent(ctx, pub)
	}
	// non-2xx responses are logged by the publisher and not retried here;
	// retry is the caller's responsibility in this variant
	return err
}

func (s *ServerChannel) readLoop(cn *conn) {
	for {
		data, err := cn.transport.Receive()
		if cn.superseded() {
			return
		}
		if err != nil {
			s.handleDisconnect(cn, &TransportError{Op: "receive", Err: err})
			return
		}

		env, err := decodeEnvelope(data)
		if err != nil {
			s.log.Warningf("dropping malformed envelope: %v", err)
			continue
		}
		s.handleEnvelope(cn, env)
	}
}

func (s *ServerChannel) handleEnvelope(cn *conn, env *Envelope) {
	switch env.Type {
	case TypeServerAuthenticated:
		s.mu.Lock()
		if s.conn == cn && !s.closed {
			s.state = StateAuthenticated
		}
		s.mu.Unlock()
		s.log.Debugf("channel %s authenticated", s.cfg.Channel)
		go s.flush(cn)

	case TypeConnectionID:
		s.mu.Lock()
		s.connectionID = env.Message
		s.mu.Unlock()

	case TypeMessage:
		payload := env.Payload
		if payload == nil && env.Message != "" {
			payload = env.Message
		}
		decoded, err := decodePayload(payload, s.cfg.EncryptionKey)
		if err != nil {
			s.log.Warningf("dropping undecryptable payload for %q: %v", env.Event, err)
			return
		}
		if !s.router.Dispatch(env.Event, decoded) {
			s.log.Debugf("no binding for topic %q", env.Event)
		}

	case TypeError:
		s.log.Warningf("relay error on channel %s: %s", s.cfg.Channel, env.Message)

	default:
		s.log.Warningf("dropping unexpected %q envelope", env.Type)
	}
}

// flush drains the outbound queue to the given transport in FIFO order.
// A single flusher runs at a time, so queued envelopes are never
// reordered or split.
func (s *ServerChannel) flush(cn *conn) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	err := s.queue.Drain(func(data []byte) error {
		if cn.superseded() {
			return ErrConnectionClosed
		}
		return cn.transport.Send(data)
	})
	if err != nil && !cn.superseded() {
		s.handleDisconnect(cn, &TransportError{Op: "flush", Err: err})
	}
}

// Receive registers a callback for an event name, for deployments where
// the server also subscribes. Last registration wins.
func (s *ServerChannel) Receive(event string, cb func(payload interface{})) {
	s.router.Bind(event, cb)
}

// Queued returns the number of envelopes awaiting transmission.
func (s *ServerChannel) Queued() int {
	return s.queue.Len()
}

// State returns the current connection state. The stateless variant is
// always reported as authenticated.
func (s *ServerChannel) State() State {
	if s.cfg.Stateless {
		return StateAuthenticated
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Disconnect closes the channel for good and stops the watchdog and any
// pending reconnect. Calling it again is a no-op.
func (s *ServerChannel) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cn := s.conn
	s.conn = nil
	s.state = StateClosed
	stop := s.watchdogStop
	s.mu.Unlock()

	s.rec.Stop()
	if stop != nil {
		close(stop)
	}
	if cn != nil {
		cn.cancel()
		return cn.transport.Close()
	}
	return nil
}

// watchdog bounds the time spent in a broken state: if the channel is
// neither authenticated nor mid-connect when the period elapses, a
// reconnect cycle is forced even absent an explicit error event.
func (s *ServerChannel) watchdog() {
	ticker := time.NewTicker(s.cfg.WatchdogPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.watchdogStop:
			return
		case <-ticker.C:
			s.mu.RLock()
			state := s.state
			cn := s.conn
			closed := s.closed
			s.mu.RUnlock()

			if closed || state == StateAuthenticated || state == StateConnecting {
				continue
			}
			s.log.Warningf("watchdog: channel %s stuck in state %s, forcing reconnect", s.cfg.Channel, state)
			if cn != nil {
				s.handleDisconnect(cn, errors.New("relay: watchdog timeout"))
			} else {
				go s.Connect()
			}
		}
	}
}

func (s *ServerChannel) sendEnvelope(cn *conn, env *Envelope) error {
	data, err := env.marshal()
	if err != nil {
		return err
	}
	if err := cn.transport.Send(data); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

func (s *ServerChannel) handleDisconnect(cn *conn, err error) {
	s.mu.Lock()
	if s.conn != cn || s.closed {
		s.mu.Unlock()
		return
	}
	cn.cancel()
	cn.transport.Close()
	s.state = StateDisconnected
	disable := s.cfg.DisableReconnect
	s.mu.Unlock()

	if err != nil {
		s.log.Warningf("channel %s disconnected: %v", s.cfg.Channel, err)
	}
	if disable {
		return
	}
	if s.rec.Schedule(func() { s.Connect() }) {
		s.log.Infof("reconnecting to channel %s in %s", s.cfg.Channel, s.rec.Delay())
	}
}
