package domain

import (
	"encoding/json"
	"fmt"
)

// Live connection event types.
const (
	// Client to server.
	EventJoin     = "join"
	EventSend     = "send"
	EventMarkRead = "mark_read"
	EventPing     = "ping"

	// Server to client.
	EventJoined      = "joined"
	EventSent        = "sent"
	EventMessage     = "message"
	EventMessageRead = "message_read"
	EventError       = "error"
	EventPong        = "pong"
)

// Envelope is the JSON frame exchanged over the live connection.
type Envelope struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// JoinPayload announces the user identity behind a connection.
type JoinPayload struct {
	UserID string `json:"user_id"`
}

// JoinedPayload acknowledges a join.
type JoinedPayload struct {
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
}

// SendPayload asks the server to persist and deliver a message.
type SendPayload struct {
	FromID  string `json:"from_id"`
	ToID    string `json:"to_id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// MarkReadPayload asks the server to flag a received message as read.
type MarkReadPayload struct {
	MessageID int64 `json:"message_id"`
}

// ErrorPayload carries a textual failure reason.
type ErrorPayload struct {
	Reason string `json:"reason"`
}

// NewEnvelope marshals payload into an envelope of the given type.
// A nil payload produces an envelope without a payload field.
func NewEnvelope(eventType, correlationID string, payload any) (Envelope, error) {
	env := Envelope{Type: eventType, CorrelationID: correlationID}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	env.Payload = raw
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s event has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
