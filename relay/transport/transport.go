// Package transport provides the wire transports a channel can run over:
// a persistent WebSocket connection for streaming and a stateless HTTP
// publisher for fire-and-forget publishing.
package transport

import "context"

// Transport is one underlying socket. Implementations are single-use:
// a reconnecting channel creates a fresh Transport per attempt.
type Transport interface {
	Connect(ctx context.Context) error
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}
