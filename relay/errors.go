package relay

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionClosed = errors.New("relay: connection closed")
	ErrInvalidEnvelope  = errors.New("relay: invalid envelope")
	ErrNotAuthenticated = errors.New("relay: not authenticated")
	ErrUnknownRegion    = errors.New("relay: unknown region")
)

// AuthError reports a rejected credential. The connection stays subject to
// the reconnect loop; nothing fatal happens at this layer.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("relay: authentication failed: %s", e.Reason)
}

// TransportError wraps a socket-level failure. It schedules a reconnect
// and is never fatal to the process.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("relay: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
