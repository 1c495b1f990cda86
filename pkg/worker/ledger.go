package worker

import (
	"context"
	"errors"
	"fmt"

	"hookgate/pkg/storage"
)

// ErrDeliveryNotFound is returned when a work item names a delivery the
// ledger does not hold.
var ErrDeliveryNotFound = errors.New("delivery not found in ledger")

// DeliveryLedger is the subset of the ledger the worker needs.
type DeliveryLedger interface {
	Get(ctx context.Context, provider, deliveryID string) (*storage.Delivery, error)
	MarkProcessed(ctx context.Context, provider, deliveryID string) error
}

// LedgerLoader fills evt.Payload from the ledger before the handler runs and
// marks the delivery processed once it succeeds. Deliveries already marked
// processed are skipped, which absorbs redeliveries and sweeper re-enqueues.
func LedgerLoader(ledger DeliveryLedger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, evt *Event) error {
			if ledger == nil {
				return next(ctx, evt)
			}
			delivery, err := ledger.Get(ctx, evt.Provider, evt.DeliveryID)
			if err != nil {
				return fmt.Errorf("load delivery: %w", err)
			}
			if delivery == nil {
				return Permanent(fmt.Errorf("%w: %s/%s", ErrDeliveryNotFound, evt.Provider, evt.DeliveryID))
			}
			if delivery.Processed {
				return nil
			}
			evt.Payload = delivery.Payload
			if evt.Type == "" {
				evt.Type = delivery.EventType
			}
			if err := next(ctx, evt); err != nil {
				return err
			}
			if err := ledger.MarkProcessed(ctx, evt.Provider, evt.DeliveryID); err != nil {
				return fmt.Errorf("mark processed: %w", err)
			}
			return nil
		}
	}
}
