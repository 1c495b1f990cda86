package github

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"hookgate/internal"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrConfigurationMissing is returned by an unconfigured broker.
var ErrConfigurationMissing = errors.New("installation credentials not configured")

// ConfigError names the settings an unconfigured broker is missing.
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: missing %s", ErrConfigurationMissing, strings.Join(e.Missing, ", "))
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfigurationMissing
}

// BrokerConfig configures a Broker. Cache and Now are injectable for tests.
type BrokerConfig struct {
	IssuerID        string
	PrivateKey      string
	PrivateKeyPath  string
	BaseURL         string
	SafetyMargin    time.Duration
	ExchangeTimeout time.Duration
	HTTPClient      *http.Client
	Cache           *TokenCache
	Now             func() time.Time
	Logger          *zap.SugaredLogger
}

// InstallationToken is what GetToken hands to callers.
type InstallationToken struct {
	Token       string
	ExpiresAt   time.Time
	Permissions map[string]string
	Cached      bool
}

// Broker is the single entry point for installation credentials.
type Broker struct {
	signer    *Signer
	exchanger *Exchanger
	cache     *TokenCache
	group     singleflight.Group
	timeout   time.Duration
	baseURL   string
	configErr *ConfigError
	logger    *zap.SugaredLogger
}

// NewBroker builds a broker. Missing identity settings yield an
// unconfigured broker rather than an error; a present but malformed key is
// an error.
func NewBroker(cfg BrokerConfig) (*Broker, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = internal.NewLogger("broker")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NewTokenCache(cfg.SafetyMargin, now)
	}
	timeout := cfg.ExchangeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if timeout >= assertionLifetime {
		return nil, fmt.Errorf("exchange timeout %s must be shorter than the assertion lifetime %s", timeout, assertionLifetime)
	}

	b := &Broker{
		cache:   cache,
		timeout: timeout,
		baseURL: normalizeBaseURL(cfg.BaseURL),
		logger:  logger,
	}

	var missing []string
	if strings.TrimSpace(cfg.IssuerID) == "" {
		missing = append(missing, "app.issuer_id")
	}
	pemKey, err := loadKey(cfg.PrivateKey, cfg.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	if len(pemKey) == 0 {
		missing = append(missing, "app.private_key")
	}
	if len(missing) > 0 {
		b.configErr = &ConfigError{Missing: missing}
		logger.Warnw("installation broker unconfigured", "missing", missing)
		return b, nil
	}

	signer, err := NewSigner(cfg.IssuerID, pemKey)
	if err != nil {
		return nil, fmt.Errorf("app.private_key: %w", err)
	}
	signer.now = now
	b.signer = signer

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	b.exchanger = NewExchanger(cfg.BaseURL, httpClient)
	return b, nil
}

// Configured reports whether GetToken can succeed at all.
func (b *Broker) Configured() bool {
	return b != nil && b.configErr == nil
}

// GetToken returns a usable token for the installation, exchanging a fresh
// one when the cache has none. Concurrent misses for one installation share
// a single exchange. Failures are never cached.
func (b *Broker) GetToken(ctx context.Context, installationID int64) (InstallationToken, error) {
	if b == nil {
		return InstallationToken{}, ErrConfigurationMissing
	}
	if b.configErr != nil {
		internal.IncTokenExchange("unconfigured")
		return InstallationToken{}, b.configErr
	}
	if installationID <= 0 {
		return InstallationToken{}, errors.New("installation id must be positive")
	}

	if tok, ok := b.cache.Get(installationID); ok {
		internal.IncTokenCacheHit()
		return InstallationToken{
			Token:       tok.Token,
			ExpiresAt:   tok.ExpiresAt,
			Permissions: maps.Clone(tok.Permissions),
			Cached:      true,
		}, nil
	}

	key := strconv.FormatInt(installationID, 10)
	ch := b.group.DoChan(key, func() (interface{}, error) {
		return b.exchange(ctx, installationID)
	})
	select {
	case <-ctx.Done():
		return InstallationToken{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return InstallationToken{}, res.Err
		}
		tok := res.Val.(Token)
		return InstallationToken{
			Token:       tok.Token,
			ExpiresAt:   tok.ExpiresAt,
			Permissions: maps.Clone(tok.Permissions),
		}, nil
	}
}

// Invalidate drops a cached token, e.g. after the API rejected it.
func (b *Broker) Invalidate(installationID int64) {
	if b == nil {
		return
	}
	b.cache.Invalidate(installationID)
}

// BaseURL is the API root tokens are valid for.
func (b *Broker) BaseURL() string {
	return b.baseURL
}

func (b *Broker) exchange(ctx context.Context, installationID int64) (Token, error) {
	// The shared exchange outlives a single caller's cancellation.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()

	assertion, err := b.signer.Sign()
	if err != nil {
		internal.IncTokenExchange("failed")
		return Token{}, fmt.Errorf("sign assertion: %w", err)
	}
	result, err := b.exchanger.Exchange(ctx, assertion, installationID)
	if err != nil {
		internal.IncTokenExchange("failed")
		b.logger.Warnw("installation token exchange failed", "installation_id", installationID, "error", err)
		return Token{}, err
	}
	internal.IncTokenExchange("ok")

	tok := Token{
		Token:       result.Token,
		ExpiresAt:   result.ExpiresAt,
		Permissions: result.Permissions,
	}
	if !tok.ExpiresAt.IsZero() {
		b.cache.Put(installationID, tok)
	}
	b.logger.Infow("installation token issued", "installation_id", installationID, "expires_at", tok.ExpiresAt)
	return tok, nil
}

func loadKey(inline, path string) ([]byte, error) {
	if strings.TrimSpace(inline) != "" {
		// Keys passed through env vars often carry literal \n.
		return []byte(strings.ReplaceAll(inline, `\n`, "\n")), nil
	}
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read app.private_key_path: %w", err)
	}
	return data, nil
}
