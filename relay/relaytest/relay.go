// Package relaytest provides an in-process relay implementing the server
// side of the channel protocol: credential verification, challenge
// issuance and channel-scoped fan-out. It backs the end-to-end tests and
// doubles as a minimal self-hosted relay for development.
package relaytest

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/relaykit/relay.go/relay"
	"github.com/relaykit/relay.go/relay/secure"
	"github.com/relaykit/relay.go/rlog"
)

// Config configures the relay. One shared password covers every channel.
type Config struct {
	// Password authenticates server channels, signs tokens and anchors
	// challenge verification.
	Password string

	// IssueChallenge sends a challenge immediately on connect, for
	// deployments using the plain challenge-response scheme.
	IssueChallenge bool

	// Backend receives log output; nil selects the process default.
	Backend *rlog.Backend
}

// Relay is the in-process relay. Attach HandleHTTP to an HTTP server; it
// upgrades WebSocket requests and serves the stateless publish endpoints.
type Relay struct {
	mu       sync.RWMutex
	cfg      Config
	channels map[string]map[string]*session
	log      *logging.Logger
	upgrader websocket.Upgrader
}

type session struct {
	id   string
	conn *websocket.Conn

	sendCh    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	channel   string
	challenge string
	secret    []byte
	authed    bool
	server    bool
}

func New(cfg Config) *Relay {
	if cfg.Backend == nil {
		cfg.Backend = rlog.Default()
	}
	return &Relay{
		cfg:      cfg,
		channels: make(map[string]map[string]*session),
		log:      cfg.Backend.GetLogger("relaytest"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (r *Relay) HandleHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Header.Get("Upgrade") == "websocket" {
		r.handleSocket(w, req)
		return
	}

	switch req.URL.Path {
	case "/emit-event", "/emit-message":
		r.handlePublish(w, req)
	default:
		http.Error(w, "unknown endpoint", http.StatusNotFound)
	}
}

func (r *Relay) handleSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warningf("upgrade failed: %v", err)
		return
	}

	s := &session{
		id:      newID(),
		conn:    conn,
		sendCh:  make(chan []byte, 100),
		closeCh: make(chan struct{}),
	}
	go s.writePump()

	r.log.Debugf("session %s connected", s.id)
	r.sendEnvelope(s, &relay.Envelope{Type: relay.TypeConnectionID, Message: s.id})

	if r.cfg.IssueChallenge {
		if err := r.issueChallenge(s, nil); err != nil {
			r.log.Warningf("session %s: %v", s.id, err)
		}
	}

	r.readLoop(s)
	r.drop(s)
}

func (r *Relay) readLoop(s *session) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			r.log.Debugf("session %s read: %v", s.id, err)
			return
		}

		var env relay.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			r.log.Warningf("session %s: dropping malformed envelope", s.id)
			continue
		}
		r.handleEnvelope(s, &env)
	}
}

func (r *Relay) handleEnvelope(s *session, env *relay.Envelope) {
	switch env.Type {
	case relay.TypeAuthenticate:
		r.handleAuthenticate(s, env)

	case relay.TypeChallengeResponse:
		r.handleChallengeResponse(s, env)

	case relay.TypeServerAuthenticate:
		if env.Password != r.cfg.Password || env.ServerID == "" {
			r.sendError(s, "server authentication failed")
			return
		}
		s.mu.Lock()
		s.server = true
		s.mu.Unlock()
		r.join(s, env.Channel)
		r.sendEnvelope(s, &relay.Envelope{Type: relay.TypeServerAuthenticated})

	case relay.TypeEmit:
		s.mu.Lock()
		authed := s.authed
		channel := s.channel
		s.mu.Unlock()
		if !authed {
			r.sendError(s, "not authenticated")
			return
		}
		if env.Channel != "" {
			channel = env.Channel
		}
		r.broadcast(channel, &relay.Envelope{
			Type:    relay.TypeMessage,
			Event:   env.Event,
			Payload: env.Payload,
			Channel: channel,
		}, s.id)

	default:
		r.log.Warningf("session %s: dropping unexpected %q envelope", s.id, env.Type)
	}
}

func (r *Relay) handleAuthenticate(s *session, env *relay.Envelope) {
	switch {
	case env.Token != "":
		if err := secure.VerifyToken(env.Token, env.Channel, r.cfg.Password); err != nil {
			r.log.Warningf("session %s: %v", s.id, err)
			r.sendError(s, "invalid token")
			return
		}
		r.join(s, env.Channel)
		// the token scheme has no explicit ack

	case hasField(env.Payload, "publicKey"):
		if err := r.issueChallenge(s, env); err != nil {
			r.log.Warningf("session %s: %v", s.id, err)
			r.sendError(s, "key exchange failed")
		}

	case env.Password != "":
		if env.Password != r.cfg.Password {
			r.sendError(s, "authentication failed")
			return
		}
		r.join(s, env.Channel)
		r.sendEnvelope(s, &relay.Envelope{Type: relay.TypeAuthenticated})

	default:
		r.sendError(s, "missing credential")
	}
}

// issueChallenge stores a fresh challenge on the session and sends it.
// When the peer offered a public key the reply carries ours and the
// session derives the shared secret.
func (r *Relay) issueChallenge(s *session, env *relay.Envelope) error {
	challenge, err := secure.NewChallenge()
	if err != nil {
		return err
	}

	out := &relay.Envelope{Type: relay.TypeChallenge, Message: challenge}

	if env != nil {
		peerHex, _ := field(env.Payload, "publicKey")
		peer, err := keyFromHex(peerHex)
		if err != nil {
			return err
		}
		pub, priv, err := secure.NewKeyPair()
		if err != nil {
			return err
		}
		secret, err := secure.DeriveSharedSecret(priv, peer)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.secret = secret
		s.mu.Unlock()
		out.Payload = map[string]string{"publicKey": hex.EncodeToString(pub[:])}
	}

	s.mu.Lock()
	s.challenge = challenge
	s.mu.Unlock()

	r.sendEnvelope(s, out)
	return nil
}

func (r *Relay) handleChallengeResponse(s *session, env *relay.Envelope) {
	s.mu.Lock()
	challenge := s.challenge
	secret := s.secret
	s.mu.Unlock()

	if challenge == "" || !secure.VerifyChallengeResponse(challenge, r.cfg.Password, env.Message) {
		r.sendError(s, "challenge verification failed")
		return
	}

	if boxHex, ok := field(env.Payload, "identity"); ok && secret != nil {
		box, err := hex.DecodeString(boxHex)
		if err == nil {
			if identity, err := secure.Decrypt(box, secret); err == nil {
				r.log.Infof("session %s identified as %s", s.id, string(identity))
			}
		}
	}

	r.join(s, env.Channel)
	r.sendEnvelope(s, &relay.Envelope{Type: relay.TypeAuthenticated})
}

func (r *Relay) handlePublish(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		ID       string      `json:"id"`
		Channel  string      `json:"channel"`
		Event    string      `json:"event"`
		Msg      interface{} `json:"msg"`
		Message  interface{} `json:"message"`
		Password string      `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, `{"success":false,"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	if body.Password != r.cfg.Password {
		http.Error(w, `{"success":false,"error":"authentication failed"}`, http.StatusForbidden)
		return
	}

	env := &relay.Envelope{Type: relay.TypeMessage, Channel: body.Channel}
	if req.URL.Path == "/emit-event" {
		env.Event = body.Event
		env.Payload = body.Msg
	} else {
		env.Event = string(relay.TypeMessage)
		env.Payload = body.Message
	}
	r.broadcast(body.Channel, env, "")

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"success":true}`))
}

func (r *Relay) join(s *session, channel string) {
	s.mu.Lock()
	s.channel = channel
	s.authed = true
	s.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	sessions, ok := r.channels[channel]
	if !ok {
		sessions = make(map[string]*session)
		r.channels[channel] = sessions
	}
	sessions[s.id] = s
	r.log.Debugf("session %s joined channel %s", s.id, channel)
}

func (r *Relay) drop(s *session) {
	s.mu.Lock()
	channel := s.channel
	s.mu.Unlock()

	r.mu.Lock()
	if sessions, ok := r.channels[channel]; ok {
		delete(sessions, s.id)
		if len(sessions) == 0 {
			delete(r.channels, channel)
		}
	}
	r.mu.Unlock()

	s.close()
	r.log.Debugf("session %s dropped", s.id)
}

func (r *Relay) broadcast(channel string, env *relay.Envelope, exceptID string) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	r.mu.RLock()
	targets := make([]*session, 0, len(r.channels[channel]))
	for id, s := range r.channels[channel] {
		if id != exceptID {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range targets {
		s.write(data)
	}
}

func (r *Relay) sendEnvelope(s *session, env *relay.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	s.write(data)
}

func (r *Relay) sendError(s *session, reason string) {
	r.sendEnvelope(s, &relay.Envelope{Type: relay.TypeError, Message: reason})
}

func (s *session) write(data []byte) {
	select {
	case s.sendCh <- data:
	default:
		// slow consumer; drop the session rather than block the relay
		s.close()
	}
}

func (s *session) writePump() {
	for {
		select {
		case <-s.closeCh:
			return
		case data := <-s.sendCh:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.close()
				return
			}
		}
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.conn.Close()
	})
}

func hasField(payload interface{}, key string) bool {
	_, ok := field(payload, key)
	return ok
}

func field(payload interface{}, key string) (string, bool) {
	obj, ok := payload.(map[string]interface{})
	if !ok {
		return "", false
	}
	s, ok := obj[key].(string)
	return s, ok
}
