package worker

import (
	"hookgate/internal"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Codec turns a queue message into an Event.
type Codec interface {
	Decode(topic string, msg *message.Message) (*Event, error)
}

// DefaultCodec decodes the work items the gateway enqueues on any driver.
type DefaultCodec struct{}

// Decode maps the gateway's work item onto an Event. The payload itself is
// loaded later from the ledger.
func (DefaultCodec) Decode(topic string, msg *message.Message) (*Event, error) {
	item, err := internal.EventFromMessage(msg)
	if err != nil {
		return nil, err
	}
	metadata := make(map[string]string, len(msg.Metadata))
	for key, value := range msg.Metadata {
		metadata[key] = value
	}
	return &Event{
		Provider:   item.Provider,
		Type:       item.Name,
		DeliveryID: item.DeliveryID,
		RequestID:  item.RequestID,
		Topic:      topic,
		Metadata:   metadata,
	}, nil
}
