package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.github.com"
	apiVersion     = "2022-11-28"
	maxErrorBody   = 1024
)

// ExchangeError is a non-2xx answer from the token endpoint.
type ExchangeError struct {
	StatusCode int
	Body       string
}

func (e *ExchangeError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("token exchange failed: status %d", e.StatusCode)
	}
	return fmt.Sprintf("token exchange failed: status %d: %s", e.StatusCode, e.Body)
}

// ExchangeResult is a freshly issued installation token.
type ExchangeResult struct {
	Token       string
	ExpiresAt   time.Time
	Permissions map[string]string
}

// Exchanger trades an assertion for an installation token. It makes exactly
// one request per call.
type Exchanger struct {
	baseURL string
	client  *http.Client
}

func NewExchanger(baseURL string, client *http.Client) *Exchanger {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Exchanger{baseURL: normalizeBaseURL(baseURL), client: client}
}

func (e *Exchanger) Exchange(ctx context.Context, assertion string, installationID int64) (ExchangeResult, error) {
	if installationID <= 0 {
		return ExchangeResult{}, errors.New("installation id is required")
	}
	endpoint := fmt.Sprintf("%s/app/installations/%d/access_tokens", e.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return ExchangeResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+assertion)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)

	resp, err := e.client.Do(req)
	if err != nil {
		return ExchangeResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return ExchangeResult{}, &ExchangeError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	var out struct {
		Token       string            `json:"token"`
		ExpiresAt   time.Time         `json:"expires_at"`
		Permissions map[string]string `json:"permissions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ExchangeResult{}, fmt.Errorf("decode token response: %w", err)
	}
	if out.Token == "" {
		return ExchangeResult{}, errors.New("installation token missing from response")
	}
	return ExchangeResult{
		Token:       out.Token,
		ExpiresAt:   out.ExpiresAt,
		Permissions: out.Permissions,
	}, nil
}

func normalizeBaseURL(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(base, "/")
}
