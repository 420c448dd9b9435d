package relay

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay.go/relay/secure"
)

func keyHex(k [secure.KeySize]byte) string {
	return hex.EncodeToString(k[:])
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	raw, err := hex.DecodeString(s)
	require.NoError(t, err)
	return raw
}
