package worker

import "context"

// Handler processes one delivery.
type Handler func(ctx context.Context, evt *Event) error

// Middleware wraps a Handler. The first registered runs outermost.
type Middleware func(Handler) Handler

// Listener observes the worker. Every hook is optional; evt is nil for
// errors raised before a work item could be decoded.
type Listener struct {
	OnStart         func(ctx context.Context)
	OnExit          func(ctx context.Context)
	OnMessageStart  func(ctx context.Context, evt *Event)
	OnMessageFinish func(ctx context.Context, evt *Event, err error)
	OnError         func(ctx context.Context, evt *Event, err error)
}
