package secure

import (
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := io.ReadFull(rand.Reader, key)
	require.NoError(t, err)
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey(t)

	payloads := [][]byte{
		[]byte("test-success"),
		[]byte(`{"nested":{"value":[1,2,3]}}`),
		{},
	}
	for _, payload := range payloads {
		box, err := Encrypt(payload, key)
		require.NoError(t, err)
		require.NotEqual(t, payload, box)

		plain, err := Decrypt(box, key)
		require.NoError(t, err)
		require.Equal(t, payload, plain)
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	key := testKey(t)

	box, err := Encrypt([]byte("payload"), key)
	require.NoError(t, err)

	box[len(box)-1] ^= 0xff
	_, err = Decrypt(box, key)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	key := testKey(t)

	box, err := Encrypt([]byte("payload"), key)
	require.NoError(t, err)

	_, err = Decrypt(box, testKey(t))
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestEncryptRejectsBadKeySize(t *testing.T) {
	_, err := Encrypt([]byte("payload"), []byte("short"))
	require.ErrorIs(t, err, ErrKeySize)

	_, err = Decrypt([]byte("whatever"), []byte("short"))
	require.ErrorIs(t, err, ErrKeySize)
}

func TestObfuscateEventDeterministic(t *testing.T) {
	a := ObfuscateEvent("user-joined")
	b := ObfuscateEvent("user-joined")
	require.Equal(t, a, b)
	require.Len(t, a, 64)
	require.NotEqual(t, a, ObfuscateEvent("user-left"))
}

func TestChallengeResponse(t *testing.T) {
	resp := ChallengeResponse("nonce-1", "hunter2")
	require.Equal(t, resp, ChallengeResponse("nonce-1", "hunter2"))
	require.NotEqual(t, resp, ChallengeResponse("nonce-2", "hunter2"))
	require.NotEqual(t, resp, ChallengeResponse("nonce-1", "other"))

	require.True(t, VerifyChallengeResponse("nonce-1", "hunter2", resp))
	require.False(t, VerifyChallengeResponse("nonce-1", "other", resp))
}

func TestKeyExchange(t *testing.T) {
	alicePub, alicePriv, err := NewKeyPair()
	require.NoError(t, err)
	bobPub, bobPriv, err := NewKeyPair()
	require.NoError(t, err)

	a, err := DeriveSharedSecret(alicePriv, bobPub)
	require.NoError(t, err)
	b, err := DeriveSharedSecret(bobPriv, alicePub)
	require.NoError(t, err)

	require.Equal(t, a, b)
	require.Len(t, a, KeySize)
}

func TestDeriveKey(t *testing.T) {
	k1 := DeriveKey("hunter2", []byte("salt-a"))
	require.Len(t, k1, KeySize)
	require.Equal(t, k1, DeriveKey("hunter2", []byte("salt-a")))
	require.NotEqual(t, k1, DeriveKey("hunter2", []byte("salt-b")))
	require.NotEqual(t, k1, DeriveKey("other", []byte("salt-a")))
}
