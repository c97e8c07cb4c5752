package models

import (
	"encoding/json"
	"time"
)

// DeadLetter is the append-only record of a message the system gave up on.
type DeadLetter struct {
	Subject       Subject           `json:"subject"`
	MessageID     string            `json:"messageId"`
	Payload       json.RawMessage   `json:"payload"`
	ErrorType     string            `json:"errorType"`
	ErrorMessage  string            `json:"errorMessage"`
	ErrorStack    string            `json:"errorStack,omitempty"`
	DeliveryCount int               `json:"deliveryCount"`
	Consumer      string            `json:"consumer,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	FailedAt      time.Time         `json:"failedAt"`
}
