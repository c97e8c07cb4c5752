package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire record placed on the broker for every domain event.
type Envelope struct {
	Subject   Subject         `json:"subject"`
	MessageID string          `json:"messageId"`
	CreatedAt time.Time       `json:"createdAt"`
	Data      json.RawMessage `json:"data"`
}

// Transport header constants. They travel next to the JSON body, never inside it.
const (
	HeaderMessageID      = "Nats-Msg-Id"
	HeaderExpectedStream = "Nats-Expected-Stream"
)

// NewMessageID returns a time-ordered unique id.
func NewMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewEnvelope marshals payload and stamps the envelope with a fresh id.
// The id is assigned here once and must survive every redelivery.
func NewEnvelope(subject Subject, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	return Envelope{
		Subject:   subject,
		MessageID: NewMessageID(),
		CreatedAt: time.Now().UTC(),
		Data:      data,
	}, nil
}

// Marshal encodes the envelope body.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes an envelope body.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Subject == "" {
		return Envelope{}, fmt.Errorf("unmarshal envelope: missing subject")
	}
	return env, nil
}
