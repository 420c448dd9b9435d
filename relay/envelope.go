package relay

import "encoding/json"

// EnvelopeType tags the wire unit exchanged with the relay.
type EnvelopeType string

const (
	TypeAuthenticate        EnvelopeType = "authenticate"
	TypeChallenge           EnvelopeType = "challenge"
	TypeChallengeResponse   EnvelopeType = "challenge-response"
	TypeAuthenticated       EnvelopeType = "authenticated"
	TypeServerAuthenticate  EnvelopeType = "server-authenticate"
	TypeServerAuthenticated EnvelopeType = "server-authenticated"
	TypeEmit                EnvelopeType = "emit"
	TypeMessage             EnvelopeType = "message"
	TypeError               EnvelopeType = "error"
	TypeConnectionID        EnvelopeType = "connection_id"
)

// Envelope is the JSON wire unit. Only Type is always present; the other
// fields are populated per envelope type.
type Envelope struct {
	Type     EnvelopeType `json:"type"`
	Event    string       `json:"event,omitempty"`
	Payload  interface{}  `json:"payload,omitempty"`
	Channel  string       `json:"channel,omitempty"`
	Message  string       `json:"message,omitempty"`
	Token    string       `json:"token,omitempty"`
	ServerID string       `json:"serverId,omitempty"`
	Password string       `json:"password,omitempty"`
}

func (e *Envelope) marshal() ([]byte, error) {
	return json.Marshal(e)
}

func decodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrInvalidEnvelope
	}
	if env.Type == "" {
		return nil, ErrInvalidEnvelope
	}
	return &env, nil
}
