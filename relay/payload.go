package relay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/relaykit/relay.go/relay/secure"
)

// encodePayload prepares an application payload for the wire. With an
// encryption key configured the payload is serialized, sealed and carried
// as base64 text; otherwise it passes through untouched.
func encodePayload(payload interface{}, key []byte) (interface{}, error) {
	if len(key) == 0 {
		return payload, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	box, err := secure.Encrypt(raw, key)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.EncodeToString(box), nil
}

// decodePayload reverses encodePayload before dispatch.
func decodePayload(payload interface{}, key []byte) (interface{}, error) {
	if len(key) == 0 {
		return payload, nil
	}

	text, ok := payload.(string)
	if !ok {
		return nil, fmt.Errorf("%w: encrypted payload must be text", ErrInvalidEnvelope)
	}
	box, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	plain, err := secure.Decrypt(box, key)
	if err != nil {
		return nil, err
	}

	var out interface{}
	if err := json.Unmarshal(plain, &out); err != nil {
		return string(plain), nil
	}
	return out, nil
}

// buildEmit assembles the outbound emit envelope for one publish.
func buildEmit(cfg Config, r *router, event string, message interface{}) (*Envelope, error) {
	payload, err := encodePayload(message, cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:    TypeEmit,
		Event:   r.topic(event),
		Payload: payload,
		Channel: cfg.Channel,
	}, nil
}

// payloadField extracts a string field from a decoded JSON object payload.
func payloadField(payload interface{}, key string) (string, bool) {
	obj, ok := payload.(map[string]interface{})
	if !ok {
		return "", false
	}
	s, ok := obj[key].(string)
	return s, ok
}
