package relay

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"sync/atomic"
)

var idCounter uint64

func generateID() string {
	id := make([]byte, 8)
	if _, err := io.ReadFull(rand.Reader, id); err != nil {
		counter := atomic.AddUint64(&idCounter, 1)
		return hex.EncodeToString([]byte{
			byte(counter >> 56),
			byte(counter >> 48),
			byte(counter >> 40),
			byte(counter >> 32),
			byte(counter >> 24),
			byte(counter >> 16),
			byte(counter >> 8),
			byte(counter),
		})
	}
	return hex.EncodeToString(id)
}
