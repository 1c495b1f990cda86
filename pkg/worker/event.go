package worker

import "encoding/json"

// Event represents a work item received by the worker.
type Event struct {
	// Provider is the name of the webhook provider (e.g. "source_host").
	Provider string `json:"provider"`
	// Type is the provider's event type (e.g. "pull_request").
	Type string `json:"type"`
	// DeliveryID identifies the delivery in the ledger.
	DeliveryID string `json:"delivery_id"`
	// RequestID is the gateway request that accepted the delivery.
	RequestID string `json:"request_id,omitempty"`
	// Topic is the name of the topic the message was received on.
	Topic string `json:"topic"`
	// Metadata contains message-broker-specific metadata.
	Metadata map[string]string `json:"metadata"`
	// Payload is the raw delivery body. Work items carry identifiers only,
	// so it stays empty until LedgerLoader fills it.
	Payload json.RawMessage `json:"payload"`
	// Client is an API client for the provider, if available.
	Client interface{} `json:"-"`
}
