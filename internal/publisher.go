package internal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Publisher hands work items to one or more queue drivers.
type Publisher interface {
	Publish(ctx context.Context, topic string, event Event) error
	PublishForDrivers(ctx context.Context, topic string, event Event, drivers []string) error
	Close() error
}

// NewPublisher builds every configured driver. A driver that cannot be built
// is logged and skipped; at least one must succeed.
func NewPublisher(cfg WatermillConfig) (Publisher, error) {
	logger := NewWatermillLogger(NewLogger("publisher"))

	mux := &publisherMux{publishers: make(map[string]Publisher)}
	for _, driver := range cfg.DriverNames() {
		pub, err := newDriverPublisher(cfg, driver, logger)
		if err != nil {
			logger.Error("publisher init failed, skipping driver", err, watermill.LogFields{"driver": driver})
			continue
		}
		mux.publishers[driver] = pub
		mux.defaultDrivers = append(mux.defaultDrivers, driver)
	}
	if len(mux.publishers) == 0 {
		return nil, errors.New("no publishers available")
	}
	return mux, nil
}

func newDriverPublisher(cfg WatermillConfig, driver string, logger watermill.LoggerAdapter) (Publisher, error) {
	if driver == "riverqueue" {
		return withRetry(func() (Publisher, error) {
			return newRiverQueuePublisher(cfg.RiverQueue)
		})
	}
	t, ok := transports[driver]
	if !ok || t.publisher == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}
	return withRetry(func() (Publisher, error) {
		pub, closeFn, err := t.publisher(cfg, logger)
		if err != nil {
			return nil, err
		}
		return &watermillPublisher{publisher: pub, closeFn: closeFn}, nil
	})
}

// watermillPublisher sends work items as watermill messages.
type watermillPublisher struct {
	publisher message.Publisher
	closeFn   func() error
}

func (w *watermillPublisher) Publish(ctx context.Context, topic string, event Event) error {
	msg, err := event.Message(ctx)
	if err != nil {
		return err
	}
	return w.publisher.Publish(topic, msg)
}

func (w *watermillPublisher) PublishForDrivers(ctx context.Context, topic string, event Event, _ []string) error {
	return w.Publish(ctx, topic, event)
}

func (w *watermillPublisher) Close() error {
	err := w.publisher.Close()
	if w.closeFn != nil {
		err = errors.Join(err, w.closeFn())
	}
	return err
}

// publisherMux fans a work item out to the rule's drivers, or to every
// built driver when the rule names none.
type publisherMux struct {
	publishers     map[string]Publisher
	defaultDrivers []string
}

func (m *publisherMux) Publish(ctx context.Context, topic string, event Event) error {
	return m.PublishForDrivers(ctx, topic, event, nil)
}

func (m *publisherMux) PublishForDrivers(ctx context.Context, topic string, event Event, drivers []string) error {
	targets := drivers
	if len(targets) == 0 {
		targets = m.defaultDrivers
	}

	var err error
	for _, driver := range targets {
		pub, ok := m.publishers[strings.ToLower(driver)]
		if !ok {
			err = errors.Join(err, fmt.Errorf("unknown driver %s", driver))
			continue
		}
		if publishErr := pub.Publish(ctx, topic, event); publishErr != nil {
			IncPublishError(driver)
			err = errors.Join(err, fmt.Errorf("%s: %w", driver, publishErr))
		}
	}
	return err
}

func (m *publisherMux) Close() error {
	var err error
	for _, pub := range m.publishers {
		err = errors.Join(err, pub.Close())
	}
	return err
}
