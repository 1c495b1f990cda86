package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"hookgate/internal"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"
)

// Worker is a message-processing worker that subscribes to topics, decodes
// work items, and dispatches them to handlers.
type Worker struct {
	subscriber  message.Subscriber
	codec       Codec
	retry       RetryPolicy
	logger      *zap.SugaredLogger
	concurrency int
	topics      []string

	topicHandlers  map[string]Handler
	typeHandlers   map[string]Handler
	defaultHandler Handler
	middleware     []Middleware
	clientProvider ClientProvider
	listeners      []Listener
	allowedTopics  map[string]struct{}
}

// New creates a new Worker with the given options.
func New(opts ...Option) *Worker {
	w := &Worker{
		codec:         DefaultCodec{},
		retry:         NoRetry{},
		logger:        internal.NewLogger("worker"),
		concurrency:   1,
		topicHandlers: make(map[string]Handler),
		typeHandlers:  make(map[string]Handler),
		allowedTopics: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// HandleTopic registers a handler for a specific topic.
func (w *Worker) HandleTopic(topic string, h Handler) {
	if h == nil || topic == "" {
		return
	}
	if len(w.allowedTopics) > 0 {
		if _, ok := w.allowedTopics[topic]; !ok {
			w.logger.Warnw("handler topic not subscribed", "topic", topic)
			return
		}
	}
	w.topicHandlers[topic] = h
	w.topics = append(w.topics, topic)
}

// HandleType registers a handler for a specific event type.
func (w *Worker) HandleType(eventType string, h Handler) {
	if h == nil || eventType == "" {
		return
	}
	w.typeHandlers[eventType] = h
}

// HandleDefault registers the handler used when neither the topic nor the
// event type has one.
func (w *Worker) HandleDefault(h Handler) {
	w.defaultHandler = h
}

// Run starts the worker, subscribing to topics and processing messages.
// It blocks until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	if w.subscriber == nil {
		return errors.New("subscriber is required")
	}
	if len(w.topics) == 0 {
		return errors.New("at least one topic is required")
	}

	topics := unique(w.topics)
	w.notifyStart(ctx)
	defer w.notifyExit(ctx)
	sem := make(chan struct{}, w.concurrency)

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, topic := range topics {
		msgs, err := w.subscriber.Subscribe(ctx, topic)
		if err != nil {
			w.notifyError(ctx, nil, err)
			return err
		}
		wg.Add(1)
		go func(topic string, ch <-chan *message.Message) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					sem <- struct{}{}
					wg.Add(1)
					go func(msg *message.Message) {
						defer wg.Done()
						defer func() { <-sem }()
						w.handleMessage(ctx, topic, msg)
					}(msg)
				}
			}
		}(topic, msgs)
	}
	w.startServers()

	<-ctx.Done()
	wg.Wait()
	return nil
}

// Close gracefully shuts down the worker and its subscriber.
func (w *Worker) Close() error {
	if w.subscriber == nil {
		return nil
	}
	return w.subscriber.Close()
}

func (w *Worker) handleMessage(ctx context.Context, topic string, msg *message.Message) {
	evt, err := w.codec.Decode(topic, msg)
	if err != nil {
		w.logger.Errorw("decode failed", "topic", topic, "message_uuid", msg.UUID, "error", err)
		w.notifyError(ctx, nil, err)
		w.settle(ctx, msg, nil, Permanent(err))
		return
	}
	w.settle(ctx, msg, evt, w.Dispatch(ctx, evt))
}

// settle acks or nacks according to the retry policy.
func (w *Worker) settle(ctx context.Context, msg *message.Message, evt *Event, err error) {
	if err == nil {
		msg.Ack()
		return
	}
	decision := w.retry.OnError(ctx, evt, err)
	if decision.Retry || decision.Nack {
		msg.Nack()
		return
	}
	msg.Ack()
}

// Dispatch runs an already decoded event through middleware, the client
// provider and the matching handler. Transports that do their own
// acknowledgement, like River jobs, call it directly.
func (w *Worker) Dispatch(ctx context.Context, evt *Event) error {
	if evt == nil {
		return errors.New("event is required")
	}
	log := w.logger.With(
		"request_id", evt.RequestID,
		"topic", evt.Topic,
		"provider", evt.Provider,
		"event", evt.Type,
		"delivery_id", evt.DeliveryID,
	)

	handler := w.topicHandlers[evt.Topic]
	if handler == nil {
		handler = w.typeHandlers[evt.Type]
	}
	if handler == nil {
		handler = w.defaultHandler
	}
	if handler == nil {
		log.Warnw("no handler for work item")
		w.notifyMessageFinish(ctx, evt, nil)
		return nil
	}

	w.notifyMessageStart(ctx, evt)

	// The client is resolved innermost so middleware such as LedgerLoader
	// has filled the payload first.
	final := func(ctx context.Context, evt *Event) error {
		if w.clientProvider != nil {
			client, err := w.clientProvider.Client(ctx, evt)
			if err != nil {
				return fmt.Errorf("client init: %w", err)
			}
			evt.Client = client
		}
		return handler(ctx, evt)
	}

	if err := w.wrap(final)(ctx, evt); err != nil {
		log.Errorw("handler failed", "error", err)
		w.notifyMessageFinish(ctx, evt, err)
		w.notifyError(ctx, evt, err)
		return err
	}
	log.Debugw("work item handled")
	w.notifyMessageFinish(ctx, evt, nil)
	return nil
}

func (w *Worker) wrap(h Handler) Handler {
	wrapped := h
	for i := len(w.middleware) - 1; i >= 0; i-- {
		wrapped = w.middleware[i](wrapped)
	}
	return wrapped
}

func unique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func (w *Worker) notifyStart(ctx context.Context) {
	for _, listener := range w.listeners {
		if listener.OnStart != nil {
			listener.OnStart(ctx)
		}
	}
}

func (w *Worker) notifyExit(ctx context.Context) {
	for _, listener := range w.listeners {
		if listener.OnExit != nil {
			listener.OnExit(ctx)
		}
	}
}

func (w *Worker) notifyMessageStart(ctx context.Context, evt *Event) {
	for _, listener := range w.listeners {
		if listener.OnMessageStart != nil {
			listener.OnMessageStart(ctx, evt)
		}
	}
}

func (w *Worker) notifyMessageFinish(ctx context.Context, evt *Event, err error) {
	for _, listener := range w.listeners {
		if listener.OnMessageFinish != nil {
			listener.OnMessageFinish(ctx, evt, err)
		}
	}
}

func (w *Worker) notifyError(ctx context.Context, evt *Event, err error) {
	for _, listener := range w.listeners {
		if listener.OnError != nil {
			listener.OnError(ctx, evt, err)
		}
	}
}
