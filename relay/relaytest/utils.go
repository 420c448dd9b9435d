package relaytest

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/relaykit/relay.go/relay/secure"
)

func newID() string {
	id := make([]byte, 8)
	if _, err := io.ReadFull(rand.Reader, id); err != nil {
		panic("relaytest: rand failed: " + err.Error())
	}
	return hex.EncodeToString(id)
}

func keyFromHex(s string) ([secure.KeySize]byte, error) {
	var key [secure.KeySize]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(raw) != secure.KeySize {
		return key, fmt.Errorf("relaytest: public key must be %d bytes", secure.KeySize)
	}
	copy(key[:], raw)
	return key, nil
}
