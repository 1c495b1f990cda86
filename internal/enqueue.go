package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Enqueuer hands recorded deliveries to the work queue. Failures never reach
// the caller: the ledger row already exists and the sweeper retries it.
type Enqueuer struct {
	publisher Publisher
	rules     *RuleEngine
	topics    map[string]string
	timeout   time.Duration
	logger    *zap.SugaredLogger
}

// EnqueuerOptions configures an Enqueuer. Topics maps provider to its
// fallback topic; providers missing from it use "deliveries.<provider>".
type EnqueuerOptions struct {
	Publisher Publisher
	Rules     *RuleEngine
	Topics    map[string]string
	Timeout   time.Duration
	Logger    *zap.SugaredLogger
}

func NewEnqueuer(opts EnqueuerOptions) *Enqueuer {
	logger := opts.Logger
	if logger == nil {
		logger = NewLogger("enqueue")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Enqueuer{
		publisher: opts.Publisher,
		rules:     opts.Rules,
		topics:    opts.Topics,
		timeout:   timeout,
		logger:    logger,
	}
}

// Enqueue publishes the work item and reports whether it was handed off.
// It returns within the configured timeout even if the transport blocks.
func (e *Enqueuer) Enqueue(ctx context.Context, event Event) bool {
	if e == nil || e.publisher == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("publisher panic: %v", r)
			}
		}()
		done <- e.publish(ctx, event)
	}()

	select {
	case err := <-done:
		if err != nil {
			e.logger.Warnw("enqueue failed",
				"provider", event.Provider,
				"delivery_id", event.DeliveryID,
				"request_id", event.RequestID,
				"error", err,
			)
			return false
		}
		return true
	case <-ctx.Done():
		IncPublishError("timeout")
		e.logger.Warnw("enqueue timed out",
			"provider", event.Provider,
			"delivery_id", event.DeliveryID,
			"request_id", event.RequestID,
			"timeout", e.timeout,
		)
		return false
	}
}

func (e *Enqueuer) publish(ctx context.Context, event Event) error {
	matches := e.rules.Evaluate(event)
	if len(matches) == 0 {
		return e.publisher.Publish(ctx, e.fallbackTopic(event.Provider), event)
	}
	var err error
	for _, match := range matches {
		if publishErr := e.publisher.PublishForDrivers(ctx, match.Topic, event, match.Drivers); publishErr != nil {
			err = errors.Join(err, fmt.Errorf("topic %s: %w", match.Topic, publishErr))
		}
	}
	return err
}

func (e *Enqueuer) fallbackTopic(provider string) string {
	if topic, ok := e.topics[provider]; ok && topic != "" {
		return topic
	}
	return "deliveries." + provider
}
