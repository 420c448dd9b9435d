package relay

import (
	"encoding/hex"
	"fmt"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/relaykit/relay.go/relay/secure"
	"github.com/relaykit/relay.go/relay/transport"
)

// ClientChannel joins a named channel as a subscriber, authenticating
// with the configured credential scheme. Event bindings live at the
// channel level and survive reconnects; each reconnect arms a fresh
// transport instance.
type ClientChannel struct {
	mu     sync.RWMutex
	cfg    Config
	dial   DialFunc
	log    *logging.Logger
	router *router
	rec    *reconnector

	conn   *conn
	state  State
	closed bool

	connectionID string

	// ephemeral key exchange state, regenerated per connection
	pub    [secure.KeySize]byte
	priv   [secure.KeySize]byte
	secret []byte
}

type ClientOption func(*ClientChannel)

// WithClientDialer replaces the default WebSocket dialer.
func WithClientDialer(dial DialFunc) ClientOption {
	return func(c *ClientChannel) {
		c.dial = dial
	}
}

// NewClient creates a client channel. The connection is not opened until
// Connect is called.
func NewClient(cfg Config, opts ...ClientOption) (*ClientChannel, error) {
	cfg = cfg.withDefaults()

	c := &ClientChannel{
		cfg:    cfg,
		router: newRouter(cfg.ObfuscateEvents),
		rec:    newReconnector(cfg.ReconnectDelay),
		log:    cfg.LogBackend.GetLogger("client"),
		state:  StateDisconnected,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.dial == nil {
		ep, err := cfg.endpoints()
		if err != nil {
			return nil, err
		}
		wsLog := cfg.LogBackend.GetLogger("transport/ws")
		c.dial = func() transport.Transport {
			return transport.NewWebSocketTransport(ep.Stream, transport.WithLogger(wsLog))
		}
	}

	return c, nil
}

// Connect opens the transport and starts the authentication handshake.
// It is also the target of the reconnect loop.
func (c *ClientChannel) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	switch c.state {
	case StateConnecting, StateOpen, StateAuthenticating, StateAuthenticated:
		c.mu.Unlock()
		return nil
	}
	if c.conn != nil {
		// invalidate listeners on the superseded transport before arming
		// the new one
		c.conn.cancel()
		c.conn.transport.Close()
	}
	cn := newConn(c.dial())
	c.conn = cn
	c.state = StateConnecting
	c.secret = nil
	c.mu.Unlock()

	if err := cn.transport.Connect(cn.ctx); err != nil {
		terr := &TransportError{Op: "connect", Err: err}
		c.handleDisconnect(cn, terr)
		return terr
	}

	c.mu.Lock()
	if c.closed || c.conn != cn {
		c.mu.Unlock()
		cn.transport.Close()
		return ErrConnectionClosed
	}
	c.state = StateOpen
	c.mu.Unlock()

	go c.readLoop(cn)

	if err := c.startHandshake(cn); err != nil {
		c.handleDisconnect(cn, err)
		return err
	}
	return nil
}

func (c *ClientChannel) startHandshake(cn *conn) error {
	switch c.cfg.Scheme {
	case SchemeToken:
		c.mu.RLock()
		token := c.cfg.Token
		c.mu.RUnlock()
		if token == "" {
			// wait for an explicit Authenticate call
			return nil
		}
		return c.sendToken(cn, token)

	case SchemePassword:
		c.setState(cn, StateAuthenticating)
		return c.sendEnvelope(cn, &Envelope{
			Type:     TypeAuthenticate,
			Channel:  c.cfg.Channel,
			Password: c.cfg.Password,
		})

	case SchemeChallenge:
		c.setState(cn, StateAuthenticating)
		if !c.cfg.KeyExchange {
			// the relay opens with a challenge; nothing to send yet
			return nil
		}
		pub, priv, err := secure.NewKeyPair()
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.pub, c.priv = pub, priv
		c.mu.Unlock()
		return c.sendEnvelope(cn, &Envelope{
			Type:    TypeAuthenticate,
			Channel: c.cfg.Channel,
			Payload: map[string]string{"publicKey": hex.EncodeToString(pub[:])},
		})
	}
	return fmt.Errorf("relay: unsupported scheme %d", c.cfg.Scheme)
}

// sendToken transmits the token envelope. The token scheme has no
// explicit ack; the session is authenticated once the envelope is sent.
func (c *ClientChannel) sendToken(cn *conn, token string) error {
	err := c.sendEnvelope(cn, &Envelope{
		Type:    TypeAuthenticate,
		Token:   token,
		Channel: c.cfg.Channel,
	})
	if err != nil {
		return err
	}
	c.setState(cn, StateAuthenticated)
	return nil
}

// Authenticate supplies (or replaces) the token credential. When the
// transport is already open the token is sent immediately.
func (c *ClientChannel) Authenticate(token string) error {
	c.mu.Lock()
	c.cfg.Token = token
	cn := c.conn
	state := c.state
	c.mu.Unlock()

	if cn == nil || (state != StateOpen && state != StateAuthenticating) {
		return nil
	}
	return c.sendToken(cn, token)
}

func (c *ClientChannel) readLoop(cn *conn) {
	for {
		data, err := cn.transport.Receive()
		if cn.superseded() {
			return
		}
		if err != nil {
			c.handleDisconnect(cn, &TransportError{Op: "receive", Err: err})
			return
		}

		env, err := decodeEnvelope(data)
		if err != nil {
			c.log.Warningf("dropping malformed envelope: %v", err)
			continue
		}
		c.handleEnvelope(cn, env)
	}
}

func (c *ClientChannel) handleEnvelope(cn *conn, env *Envelope) {
	switch env.Type {
	case TypeConnectionID:
		c.mu.Lock()
		c.connectionID = env.Message
		c.mu.Unlock()

	case TypeChallenge:
		c.answerChallenge(cn, env)

	case TypeAuthenticated:
		c.setState(cn, StateAuthenticated)
		c.log.Debugf("channel %s authenticated", c.cfg.Channel)

	case TypeMessage:
		payload := env.Payload
		if payload == nil && env.Message != "" {
			payload = env.Message
		}
		decoded, err := decodePayload(payload, c.cfg.EncryptionKey)
		if err != nil {
			c.log.Warningf("dropping undecryptable payload for %q: %v", env.Event, err)
			return
		}
		if !c.router.Dispatch(env.Event, decoded) {
			c.log.Debugf("no binding for topic %q", env.Event)
		}

	case TypeError:
		// logged only; the reconnect loop still runs if the session drops
		c.log.Warningf("relay error on channel %s: %s", c.cfg.Channel, env.Message)

	default:
		c.log.Warningf("dropping unexpected %q envelope", env.Type)
	}
}

func (c *ClientChannel) answerChallenge(cn *conn, env *Envelope) {
	c.mu.Lock()
	if c.conn != cn || c.closed {
		c.mu.Unlock()
		return
	}
	c.state = StateAuthenticating
	password := c.cfg.Password
	keyExchange := c.cfg.KeyExchange
	identity := c.cfg.Identity
	priv := c.priv
	c.mu.Unlock()

	resp := &Envelope{
		Type:    TypeChallengeResponse,
		Channel: c.cfg.Channel,
		Message: secure.ChallengeResponse(env.Message, password),
	}

	if keyExchange {
		peerHex, ok := payloadField(env.Payload, "publicKey")
		if !ok {
			c.log.Warningf("challenge without relay public key, dropping")
			return
		}
		peer, err := keyFromHex(peerHex)
		if err != nil {
			c.log.Warningf("bad relay public key: %v", err)
			return
		}
		secret, err := secure.DeriveSharedSecret(priv, peer)
		if err != nil {
			c.log.Warningf("key exchange failed: %v", err)
			return
		}
		c.mu.Lock()
		c.secret = secret
		c.mu.Unlock()

		if identity != "" {
			box, err := secure.Encrypt([]byte(identity), secret)
			if err != nil {
				c.log.Warningf("identity encryption failed: %v", err)
				return
			}
			resp.Payload = map[string]string{"identity": hex.EncodeToString(box)}
		}
	}

	if err := c.sendEnvelope(cn, resp); err != nil {
		c.handleDisconnect(cn, err)
	}
}

// Receive registers the callback for an event name. The last registration
// for a given name wins; bindings survive reconnects.
func (c *ClientChannel) Receive(event string, cb func(payload interface{})) {
	c.router.Bind(event, cb)
}

// Send publishes an event from the subscriber side, for deployments where
// clients may also emit.
func (c *ClientChannel) Send(event string, message interface{}) error {
	c.mu.RLock()
	cn := c.conn
	state := c.state
	c.mu.RUnlock()

	if state != StateAuthenticated || cn == nil {
		return ErrNotAuthenticated
	}
	env, err := buildEmit(c.cfg, c.router, event, message)
	if err != nil {
		return err
	}
	if err := c.sendEnvelope(cn, env); err != nil {
		c.handleDisconnect(cn, err)
		return err
	}
	return nil
}

// Disconnect closes the channel for good: the pending reconnect (if any)
// is cancelled and no new one is scheduled. Calling it again is a no-op.
func (c *ClientChannel) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cn := c.conn
	c.conn = nil
	c.state = StateClosed
	c.mu.Unlock()

	c.rec.Stop()
	if cn != nil {
		cn.cancel()
		return cn.transport.Close()
	}
	return nil
}

// State returns the current connection state.
func (c *ClientChannel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ConnectionID returns the relay-assigned connection id, when known.
func (c *ClientChannel) ConnectionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectionID
}

func (c *ClientChannel) setState(cn *conn, s State) {
	c.mu.Lock()
	if c.conn == cn && !c.closed {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *ClientChannel) sendEnvelope(cn *conn, env *Envelope) error {
	data, err := env.marshal()
	if err != nil {
		return err
	}
	if err := cn.transport.Send(data); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

func (c *ClientChannel) handleDisconnect(cn *conn, err error) {
	c.mu.Lock()
	if c.conn != cn || c.closed {
		c.mu.Unlock()
		return
	}
	cn.cancel()
	cn.transport.Close()
	c.state = StateDisconnected
	disable := c.cfg.DisableReconnect
	c.mu.Unlock()

	if err != nil {
		c.log.Warningf("channel %s disconnected: %v", c.cfg.Channel, err)
	}
	if disable {
		return
	}
	if c.rec.Schedule(func() { c.Connect() }) {
		c.log.Infof("reconnecting to channel %s in %s", c.cfg.Channel, c.rec.Delay())
	}
}

func keyFromHex(s string) ([secure.KeySize]byte, error) {
	var key [secure.KeySize]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(raw) != secure.KeySize {
		return key, fmt.Errorf("relay: public key must be %d bytes", secure.KeySize)
	}
	copy(key[:], raw)
	return key, nil
}
