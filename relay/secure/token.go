package secure

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TrustedContextEnv marks the process as a trusted execution context.
// Token issuance and server channel creation refuse to run without it.
const TrustedContextEnv = "RELAY_TRUSTED_CONTEXT"

const (
	// DefaultTokenTTL is the token lifetime when none is requested.
	DefaultTokenTTL = 60 * time.Second

	// MinTokenTTL and MaxTokenTTL bound the configurable lifetime.
	MinTokenTTL = 5 * time.Second
	MaxTokenTTL = 300 * time.Second
)

var (
	// ErrUntrustedContext is returned when a privileged operation is
	// attempted outside a trusted execution context. This is a deployment
	// precondition, not a runtime anomaly; it is never retried.
	ErrUntrustedContext = errors.New("secure: trusted execution context required")

	ErrTokenInvalid = errors.New("secure: token invalid")
)

// TrustedContext reports whether the process runs in a trusted execution
// context, detected via an environment capability check.
func TrustedContext() bool {
	raw, ok := os.LookupEnv(TrustedContextEnv)
	if !ok {
		return false
	}
	v, err := strconv.ParseBool(raw)
	return err == nil && v
}

type tokenOptions struct {
	ttl          time.Duration
	identity     string
	connectionID string
}

// TokenOption adjusts token issuance and verification.
type TokenOption func(*tokenOptions)

// WithTTL sets the token lifetime, clamped to [MinTokenTTL, MaxTokenTTL].
func WithTTL(d time.Duration) TokenOption {
	return func(o *tokenOptions) {
		o.ttl = d
	}
}

// WithIdentity binds a caller identity into the token subject.
func WithIdentity(id string) TokenOption {
	return func(o *tokenOptions) {
		o.identity = id
	}
}

// WithConnectionID mixes the target connection id into the signing secret,
// binding the token to one transport instance so it cannot be replayed on
// a different connection.
func WithConnectionID(id string) TokenOption {
	return func(o *tokenOptions) {
		o.connectionID = id
	}
}

func signingSecret(password, connectionID string) []byte {
	salt := []byte("relay.go/token/v1")
	if connectionID != "" {
		salt = append(salt, connectionID...)
	}
	return DeriveKey(password, salt)
}

// CreateToken issues a short-lived signed token binding the channel name
// (and optionally an identity) to the channel password. It fails with
// ErrUntrustedContext outside a trusted execution context.
func CreateToken(channel, password string, opts ...TokenOption) (string, error) {
	if !TrustedContext() {
		return "", ErrUntrustedContext
	}

	o := tokenOptions{ttl: DefaultTokenTTL}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl < MinTokenTTL {
		o.ttl = MinTokenTTL
	}
	if o.ttl > MaxTokenTTL {
		o.ttl = MaxTokenTTL
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"channel": channel,
		"iat":     now.Unix(),
		"exp":     now.Add(o.ttl).Unix(),
	}
	if o.identity != "" {
		claims["sub"] = o.identity
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(signingSecret(password, o.connectionID))
	if err != nil {
		return "", fmt.Errorf("secure: token signing failed: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a token against the channel it must be bound to
// and the channel password. Expiry is enforced by the signature library.
func VerifyToken(token, channel, password string, opts ...TokenOption) error {
	var o tokenOptions
	for _, opt := range opts {
		opt(&o)
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("secure: unexpected signing method %v", t.Header["alg"])
		}
		return signingSecret(password, o.connectionID), nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return ErrTokenInvalid
	}
	if got, _ := claims["channel"].(string); got != channel {
		return fmt.Errorf("%w: channel mismatch", ErrTokenInvalid)
	}
	return nil
}
