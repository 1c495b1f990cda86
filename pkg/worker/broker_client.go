package worker

import (
	"context"
	"errors"

	ghprovider "hookgate/pkg/providers/github"
)

// BrokerClientProvider attaches an installation-scoped SDK client to
// source host events. Events without an installation get no client.
type BrokerClientProvider struct {
	Broker *ghprovider.Broker
}

// NewBrokerClientProvider returns a ClientProvider for source host events
// backed by the broker's token cache.
func NewBrokerClientProvider(broker *ghprovider.Broker) ProviderClients {
	p := &BrokerClientProvider{Broker: broker}
	return ProviderClients{SourceHost: p.Client}
}

// Client resolves the installation from the payload and asks the broker for a client.
func (p *BrokerClientProvider) Client(ctx context.Context, evt *Event) (interface{}, error) {
	if p == nil || p.Broker == nil {
		return nil, errors.New("broker client provider is not configured")
	}
	if evt == nil {
		return nil, errors.New("event is required")
	}
	if len(evt.Payload) == 0 {
		return nil, nil
	}
	installationID, ok, err := ghprovider.InstallationIDFromPayload(evt.Payload)
	if err != nil {
		return nil, Permanent(err)
	}
	if !ok {
		return nil, nil
	}
	return p.Broker.NewClient(ctx, installationID)
}
