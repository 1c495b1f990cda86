package webhook

import (
	"encoding/json"
	"net/http"
	"time"

	"hookgate/internal"
	"hookgate/pkg/signature"
)

// BillingHost is the Paddle-style billing provider.
type BillingHost struct {
	deliveryPath *fieldPath
	eventPath    *fieldPath
	verifier     signature.Timestamped
}

// NewBillingHost builds the source. A zero tolerance disables the timestamp
// freshness check.
func NewBillingHost(deliveryPath, eventPath string, tolerance time.Duration) (*BillingHost, error) {
	if deliveryPath == "" {
		deliveryPath = "$.notification_id"
	}
	if eventPath == "" {
		eventPath = "$.event_type"
	}
	delivery, err := compileFieldPath(deliveryPath)
	if err != nil {
		return nil, err
	}
	event, err := compileFieldPath(eventPath)
	if err != nil {
		return nil, err
	}
	return &BillingHost{
		deliveryPath: delivery,
		eventPath:    event,
		verifier:     signature.Timestamped{Tolerance: tolerance},
	}, nil
}

func (s *BillingHost) Provider() string { return internal.ProviderBillingHost }

func (s *BillingHost) Verifier() signature.Verifier { return s.verifier }

func (s *BillingHost) Proof(r *http.Request, _ []byte) (signature.Proof, error) {
	return signature.Proof{Signature: r.Header.Get("Paddle-Signature")}, nil
}

func (s *BillingHost) Extract(_ *http.Request, rawBody []byte) (Inbound, error) {
	doc, err := decodeDocument(rawBody)
	if err != nil {
		return Inbound{}, malformed("invalid JSON payload")
	}
	return Inbound{
		DeliveryID: s.deliveryPath.Lookup(doc),
		EventType:  s.eventPath.Lookup(doc),
		Payload:    json.RawMessage(rawBody),
	}, nil
}
