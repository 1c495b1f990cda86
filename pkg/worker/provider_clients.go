package worker

import (
	"context"

	"hookgate/internal"
	ghprovider "hookgate/pkg/providers/github"
)

// ClientProvider attaches a provider API client to an event before its
// handler runs. A nil client means the event carries nothing to act on.
type ClientProvider interface {
	Client(ctx context.Context, evt *Event) (interface{}, error)
}

// ClientProviderFunc adapts a function to ClientProvider.
type ClientProviderFunc func(ctx context.Context, evt *Event) (interface{}, error)

func (fn ClientProviderFunc) Client(ctx context.Context, evt *Event) (interface{}, error) {
	return fn(ctx, evt)
}

// ProviderClients routes client construction by provider name.
type ProviderClients struct {
	SourceHost func(ctx context.Context, evt *Event) (interface{}, error)
	Default    func(ctx context.Context, evt *Event) (interface{}, error)
}

func (p ProviderClients) Client(ctx context.Context, evt *Event) (interface{}, error) {
	switch evt.Provider {
	case internal.ProviderSourceHost:
		if p.SourceHost != nil {
			return p.SourceHost(ctx, evt)
		}
	}
	if p.Default != nil {
		return p.Default(ctx, evt)
	}
	return nil, nil
}

// GitHubClient returns the installation client attached to a source host
// event, if any.
func GitHubClient(evt *Event) (*ghprovider.Client, bool) {
	if evt == nil {
		return nil, false
	}
	client, ok := evt.Client.(*ghprovider.Client)
	return client, ok
}
