package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay.go/relay/secure"
)

func newTestClient(t *testing.T, cfg Config, d *fakeDialer) *ClientChannel {
	t.Helper()
	if cfg.Channel == "" {
		cfg.Channel = "test-channel"
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 20 * time.Millisecond
	}
	c, err := NewClient(cfg, WithClientDialer(d.dial))
	require.NoError(t, err)
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func TestClientTokenHandshake(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, Config{Scheme: SchemeToken, Token: "tok-123"}, d)

	require.NoError(t, c.Connect())
	require.Equal(t, StateAuthenticated, c.State())

	sent := d.latest().sentEnvelopes()
	require.Len(t, sent, 1)
	require.Equal(t, TypeAuthenticate, sent[0].Type)
	require.Equal(t, "tok-123", sent[0].Token)
	require.Equal(t, "test-channel", sent[0].Channel)
}

func TestClientDeferredAuthenticate(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, Config{Scheme: SchemeToken}, d)

	require.NoError(t, c.Connect())
	require.Equal(t, StateOpen, c.State())

	require.NoError(t, c.Authenticate("tok-later"))
	require.Equal(t, StateAuthenticated, c.State())

	sent := d.latest().sentEnvelopes()
	require.Len(t, sent, 1)
	require.Equal(t, "tok-later", sent[0].Token)
}

func TestClientChallengeHandshake(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, Config{Scheme: SchemeChallenge, Password: "hunter2"}, d)

	require.NoError(t, c.Connect())
	require.Equal(t, StateAuthenticating, c.State())

	ft := d.latest()
	ft.push(&Envelope{Type: TypeChallenge, Message: "nonce-1"})

	require.Eventually(t, func() bool {
		sent := ft.sentEnvelopes()
		return len(sent) == 1 && sent[0].Type == TypeChallengeResponse
	}, time.Second, 5*time.Millisecond)

	resp := ft.sentEnvelopes()[0]
	require.Equal(t, secure.ChallengeResponse("nonce-1", "hunter2"), resp.Message)

	ft.push(&Envelope{Type: TypeAuthenticated})
	require.Eventually(t, func() bool {
		return c.State() == StateAuthenticated
	}, time.Second, 5*time.Millisecond)
}

func TestClientKeyExchangeHandshake(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, Config{
		Scheme:      SchemeChallenge,
		Password:    "hunter2",
		KeyExchange: true,
		Identity:    "observer-1",
	}, d)

	require.NoError(t, c.Connect())

	ft := d.latest()
	sent := ft.sentEnvelopes()
	require.Len(t, sent, 1)
	require.Equal(t, TypeAuthenticate, sent[0].Type)
	clientPubHex, ok := payloadField(sent[0].Payload, "publicKey")
	require.True(t, ok)
	clientPub, err := keyFromHex(clientPubHex)
	require.NoError(t, err)

	relayPub, relayPriv, err := secure.NewKeyPair()
	require.NoError(t, err)
	ft.push(&Envelope{
		Type:    TypeChallenge,
		Message: "nonce-kx",
		Payload: map[string]interface{}{"publicKey": keyHex(relayPub)},
	})

	require.Eventually(t, func() bool {
		return len(ft.sentEnvelopes()) == 2
	}, time.Second, 5*time.Millisecond)

	resp := ft.sentEnvelopes()[1]
	require.Equal(t, TypeChallengeResponse, resp.Type)
	require.Equal(t, secure.ChallengeResponse("nonce-kx", "hunter2"), resp.Message)

	// the identity rides along encrypted under the derived shared secret
	boxHex, ok := payloadField(resp.Payload, "identity")
	require.True(t, ok)
	secret, err := secure.DeriveSharedSecret(relayPriv, clientPub)
	require.NoError(t, err)
	identity, err := secure.Decrypt(mustHex(t, boxHex), secret)
	require.NoError(t, err)
	require.Equal(t, "observer-1", string(identity))
}

func TestClientDispatch(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, Config{Scheme: SchemeToken, Token: "tok"}, d)

	got := make(chan interface{}, 1)
	c.Receive("greeting", func(payload interface{}) {
		got <- payload
	})

	require.NoError(t, c.Connect())
	ft := d.latest()

	// malformed and unexpected envelopes are dropped, the session survives
	ft.pushRaw([]byte("{not json"))
	ft.push(&Envelope{Type: TypeMessage, Event: "unbound-event", Payload: "ignored"})
	ft.push(&Envelope{Type: TypeError, Message: "relay side hiccup"})

	ft.push(&Envelope{Type: TypeMessage, Event: "greeting", Payload: "hello"})
	select {
	case payload := <-got:
		require.Equal(t, "hello", payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
	require.Equal(t, StateAuthenticated, c.State())
}

func TestClientEncryptedObfuscatedDispatch(t *testing.T) {
	key := secure.DeriveKey("hunter2", []byte("payload-key"))
	d := &fakeDialer{}
	c := newTestClient(t, Config{
		Scheme:          SchemeToken,
		Token:           "tok",
		ObfuscateEvents: true,
		EncryptionKey:   key,
	}, d)

	got := make(chan interface{}, 1)
	c.Receive("secret-event", func(payload interface{}) {
		got <- payload
	})

	require.NoError(t, c.Connect())

	payload, err := encodePayload("classified", key)
	require.NoError(t, err)
	d.latest().push(&Envelope{
		Type:    TypeMessage,
		Event:   secure.ObfuscateEvent("secret-event"),
		Payload: payload,
	})

	select {
	case payload := <-got:
		require.Equal(t, "classified", payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestClientDisconnectIdempotent(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, Config{Scheme: SchemeToken, Token: "tok", ReconnectDelay: 20 * time.Millisecond}, d)

	require.NoError(t, c.Connect())
	ft := d.latest()

	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
	require.Equal(t, 1, ft.closeCount())
	require.Equal(t, StateClosed, c.State())

	// no reconnect may be scheduled after a deliberate disconnect
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, d.count())
	require.ErrorIs(t, c.Connect(), ErrConnectionClosed)
}

func TestClientReconnectKeepsBindings(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, Config{Scheme: SchemeToken, Token: "tok", ReconnectDelay: 20 * time.Millisecond}, d)

	got := make(chan interface{}, 1)
	c.Receive("greeting", func(payload interface{}) {
		got <- payload
	})

	require.NoError(t, c.Connect())
	require.Equal(t, 1, d.count())

	// forced transport close: a fresh connection must authenticate within
	// one reconnect-delay interval
	d.latest().Close()
	require.Eventually(t, func() bool {
		return d.count() == 2 && c.State() == StateAuthenticated
	}, time.Second, 5*time.Millisecond)

	// bindings registered before the close survive at the channel level
	d.latest().push(&Envelope{Type: TypeMessage, Event: "greeting", Payload: "again"})
	select {
	case payload := <-got:
		require.Equal(t, "again", payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch after reconnect")
	}
}

func TestClientReconnectDisabled(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, Config{
		Scheme:           SchemeToken,
		Token:            "tok",
		ReconnectDelay:   20 * time.Millisecond,
		DisableReconnect: true,
	}, d)

	require.NoError(t, c.Connect())
	d.latest().Close()

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, d.count())
	require.Equal(t, StateDisconnected, c.State())
}

func TestClientConnectionID(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, Config{Scheme: SchemeToken, Token: "tok"}, d)

	require.NoError(t, c.Connect())
	d.latest().push(&Envelope{Type: TypeConnectionID, Message: "conn-42"})

	require.Eventually(t, func() bool {
		return c.ConnectionID() == "conn-42"
	}, time.Second, 5*time.Millisecond)
}
