package relay

import (
	"time"

	"github.com/relaykit/relay.go/rlog"
)

// Scheme is the credential scheme in force for a deployment. Exactly one
// scheme is active per channel object; schemes are never mixed on one
// connection.
type Scheme int

const (
	// SchemeToken authenticates with a short-lived signed token. There is
	// no explicit ack; the session counts as authenticated once the token
	// envelope is on the wire.
	SchemeToken Scheme = iota

	// SchemePassword authenticates with the shared password sent once at
	// connect. Used by server channels.
	SchemePassword

	// SchemeChallenge answers a server-issued challenge with a keyed hash
	// of it; the password never crosses the wire. With KeyExchange set it
	// additionally derives a shared secret and encrypts the identity.
	SchemeChallenge
)

const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultWatchdogPeriod = 10 * time.Second
)

// Config carries the immutable per-channel configuration. There is no
// hidden global lookup; every switch the observed deployments differ on
// is explicit here.
type Config struct {
	// Region selects the relay endpoint. Ignored when Endpoints is set.
	Region Region

	// Endpoints overrides the region table with explicit base URLs.
	Endpoints *Endpoints

	// Channel scopes publish/subscribe visibility.
	Channel string

	// Scheme selects the credential scheme.
	Scheme Scheme

	// Token is the signed credential for SchemeToken.
	Token string

	// Password is the shared secret for SchemePassword and
	// SchemeChallenge.
	Password string

	// ServerID identifies a publishing server channel.
	ServerID string

	// Identity is the caller identity sent during the hardened
	// challenge handshake.
	Identity string

	// KeyExchange enables the ephemeral key exchange step of
	// SchemeChallenge.
	KeyExchange bool

	// ReconnectDelay is the fixed delay before a reconnect attempt.
	// Zero selects DefaultReconnectDelay.
	ReconnectDelay time.Duration

	// DisableReconnect turns the reconnect loop off entirely.
	DisableReconnect bool

	// WatchdogPeriod is the liveness check period for server channels.
	// Zero selects DefaultWatchdogPeriod.
	WatchdogPeriod time.Duration

	// ObfuscateEvents hashes event names into wire-level topics.
	ObfuscateEvents bool

	// EncryptionKey enables symmetric payload encryption when set. Must
	// be 32 bytes.
	EncryptionKey []byte

	// Stateless switches a server channel to one HTTP call per publish.
	Stateless bool

	// LogBackend receives this channel's log output. Nil selects the
	// process default backend.
	LogBackend *rlog.Backend
}

func (c Config) withDefaults() Config {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.WatchdogPeriod <= 0 {
		c.WatchdogPeriod = DefaultWatchdogPeriod
	}
	if c.LogBackend == nil {
		c.LogBackend = rlog.Default()
	}
	return c
}

func (c Config) endpoints() (Endpoints, error) {
	if c.Endpoints != nil {
		return *c.Endpoints, nil
	}
	return ResolveEndpoints(c.Region)
}
