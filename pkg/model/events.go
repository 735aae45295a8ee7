package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the canonical event envelope published to NATS.
type Envelope struct {
	ID            uuid.UUID       `json:"id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Wallet        string          `json:"wallet"`
	Topic         string          `json:"topic"`
	EventType     string          `json:"event_type"`
	Version       string          `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// FlowEvent describes one lifecycle change of an orchestration run.
type FlowEvent struct {
	FlowID     string         `json:"flow_id"`
	Kind       FlowKind       `json:"kind"`
	State      LifecycleState `json:"state"`
	PollState  LifecycleState `json:"poll_state,omitempty"`
	QuoteID    string         `json:"quote_id,omitempty"`
	TransferID string         `json:"transfer_id,omitempty"`
	TxHash     string         `json:"tx_hash,omitempty"`
	Status     TransferStatus `json:"status,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	Message    string         `json:"message,omitempty"`
	Abandoned  bool           `json:"abandoned,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
