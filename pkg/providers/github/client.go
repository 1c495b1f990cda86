package github

import (
	"context"
	"fmt"
	"net/http"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// Client is the official GitHub SDK client.
type Client = gh.Client

// brokerTokenSource asks the broker on every call; the broker's cache decides
// when a fresh exchange is needed.
type brokerTokenSource struct {
	ctx            context.Context
	broker         *Broker
	installationID int64
}

func (s brokerTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.broker.GetToken(s.ctx, s.installationID)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: tok.Token, Expiry: tok.ExpiresAt}, nil
}

// NewClient returns an SDK client authenticated as the installation.
func (b *Broker) NewClient(ctx context.Context, installationID int64) (*Client, error) {
	if installationID <= 0 {
		return nil, fmt.Errorf("installation id is required")
	}
	if b == nil {
		return nil, ErrConfigurationMissing
	}
	if b.configErr != nil {
		return nil, b.configErr
	}
	// Fail early rather than on the first API call.
	if _, err := b.GetToken(ctx, installationID); err != nil {
		return nil, err
	}
	// No ReuseTokenSource here: the broker cache owns expiry.
	httpClient := &http.Client{
		Transport: &oauth2.Transport{
			Source: brokerTokenSource{ctx: context.WithoutCancel(ctx), broker: b, installationID: installationID},
		},
	}

	if b.baseURL != defaultBaseURL {
		return gh.NewEnterpriseClient(b.baseURL, b.baseURL, httpClient)
	}
	return gh.NewClient(httpClient), nil
}
