package internal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Event is the work item handed to the queue after a delivery is recorded.
// It carries identifiers only; consumers load the payload from the ledger.
type Event struct {
	Provider   string `json:"provider"`
	Name       string `json:"event_type"`
	DeliveryID string `json:"delivery_id"`
	RequestID  string `json:"request_id,omitempty"`
}

// Vars exposes the event to rule expressions.
func (e Event) Vars() map[string]interface{} {
	return map[string]interface{}{
		"provider":    e.Provider,
		"event":       e.Name,
		"delivery_id": e.DeliveryID,
	}
}

// Message encodes the work item for a watermill transport. Identifiers are
// mirrored into metadata for brokers that route on headers.
func (e Event) Message(ctx context.Context) (*message.Message, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("provider", e.Provider)
	msg.Metadata.Set("event", e.Name)
	msg.Metadata.Set("delivery_id", e.DeliveryID)
	if e.RequestID != "" {
		msg.Metadata.Set("request_id", e.RequestID)
	}
	return msg, nil
}

// EventFromMessage decodes a work item. Identifiers missing from the body
// fall back to metadata; provider and delivery id are required.
func EventFromMessage(msg *message.Message) (Event, error) {
	var e Event
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		return Event{}, err
	}
	fill := func(field *string, key string) {
		if *field == "" {
			*field = msg.Metadata.Get(key)
		}
	}
	fill(&e.Provider, "provider")
	fill(&e.Name, "event")
	fill(&e.DeliveryID, "delivery_id")
	fill(&e.RequestID, "request_id")
	if e.Provider == "" || e.DeliveryID == "" {
		return Event{}, errors.New("work item missing provider or delivery_id")
	}
	return e, nil
}
