package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrLedgerUnavailable marks transient ledger failures. Callers surface it as
// a retryable error to the provider.
var ErrLedgerUnavailable = errors.New("ledger unavailable")

// Delivery is one accepted webhook notification.
type Delivery struct {
	Provider    string
	DeliveryID  string
	EventType   string
	Payload     json.RawMessage
	ReceivedAt  time.Time
	Processed   bool
	ProcessedAt *time.Time
}

// Ledger is the durable, deduplicating record of accepted deliveries.
type Ledger interface {
	// TryInsert records a delivery. inserted is false when (provider,
	// delivery_id) already exists; that is not an error.
	TryInsert(ctx context.Context, delivery Delivery) (inserted bool, err error)
	Get(ctx context.Context, provider, deliveryID string) (*Delivery, error)
	ListUnprocessed(ctx context.Context, olderThan time.Time, limit int) ([]Delivery, error)
	MarkProcessed(ctx context.Context, provider, deliveryID string) error
	Close() error
}
