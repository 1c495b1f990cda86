package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"hookgate/internal"
	"hookgate/pkg/api"
	ghprovider "hookgate/pkg/providers/github"
	"hookgate/pkg/storage/deliveries"
	"hookgate/pkg/webhook"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before the config")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	base, err := internal.SetupLogging(config.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = base.Sync() }()
	logger := internal.NewLogger("server")

	if err := run(config, logger); err != nil {
		logger.Fatalw("server exited", "error", err)
	}
}

func run(config internal.Config, logger *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledger, err := deliveries.Open(deliveries.Config{
		Driver:      config.Ledger.Driver,
		DSN:         config.Ledger.DSN,
		Table:       config.Ledger.Table,
		AutoMigrate: config.Ledger.AutoMigrate,
	})
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer ledger.Close()

	ruleEngine, err := internal.NewRuleEngine(internal.RulesConfig{
		Rules:  config.Rules,
		Strict: config.RulesStrict,
	})
	if err != nil {
		return fmt.Errorf("compile rules: %w", err)
	}

	publisher, err := internal.NewPublisher(config.Watermill)
	if err != nil {
		return fmt.Errorf("publisher: %w", err)
	}
	defer publisher.Close()

	enqueuer := internal.NewEnqueuer(internal.EnqueuerOptions{
		Publisher: publisher,
		Rules:     ruleEngine,
		Topics:    config.ProviderTopics(),
		Timeout:   time.Duration(config.Enqueue.TimeoutMS) * time.Millisecond,
	})

	broker, err := ghprovider.NewBroker(ghprovider.BrokerConfig{
		IssuerID:        config.App.IssuerID,
		PrivateKey:      config.App.PrivateKey,
		PrivateKeyPath:  config.App.PrivateKeyPath,
		BaseURL:         config.App.BaseURL,
		SafetyMargin:    time.Duration(config.App.SafetyMarginMS) * time.Millisecond,
		ExchangeTimeout: time.Duration(config.App.ExchangeTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("token broker: %w", err)
	}
	if !broker.Configured() {
		logger.Warnw("installation credentials not configured; token requests will fail")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if config.Server.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(internal.AccessLog(internal.NewLogger("http")))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, provider := range config.EnabledProviders() {
		source, err := newSource(provider)
		if err != nil {
			return fmt.Errorf("%s source: %w", provider.Name, err)
		}
		receiver, err := webhook.NewReceiver(webhook.ReceiverOptions{
			Source:        source,
			Secret:        provider.Config.Secret,
			Ledger:        ledger,
			Enqueuer:      enqueuer,
			MaxBody:       config.Server.MaxBodyBytes,
			LedgerTimeout: time.Duration(config.Ledger.WriteTimeoutMS) * time.Millisecond,
		})
		if err != nil {
			return fmt.Errorf("%s receiver: %w", provider.Name, err)
		}
		r.Handle(provider.Config.Path, internal.NewRateLimitHandler(
			receiver,
			config.Server.RateLimitRPS,
			config.Server.RateLimitBurst,
			10*time.Minute,
		))
		logger.Infow("webhook enabled", "provider", provider.Name, "path", provider.Config.Path, "topic", provider.Config.Topic)
	}

	if config.Server.MetricsEnabled {
		r.Handle(config.Server.MetricsPath, internal.MetricsHandler())
	}
	if config.Server.InternalAPIKey != "" {
		r.Mount("/internal", api.Routes(config.Server.InternalAPIKey, broker, ledger, internal.NewLogger("api")))
		logger.Infow("internal api enabled", "path", "/internal")
	}

	if config.Reconcile.Enabled {
		sweeper := internal.NewSweeper(internal.SweeperOptions{
			Ledger:    ledger,
			Enqueuer:  enqueuer,
			Interval:  time.Duration(config.Reconcile.IntervalMS) * time.Millisecond,
			OlderThan: time.Duration(config.Reconcile.OlderThanMS) * time.Millisecond,
			BatchSize: config.Reconcile.BatchSize,
		})
		go func() {
			if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorw("sweeper stopped", "error", err)
			}
		}()
	}

	addr := ":" + strconv.Itoa(config.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadTimeout:       time.Duration(config.Server.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout:      time.Duration(config.Server.WriteTimeoutMS) * time.Millisecond,
		IdleTimeout:       time.Duration(config.Server.IdleTimeoutMS) * time.Millisecond,
		ReadHeaderTimeout: time.Duration(config.Server.ReadHeaderMS) * time.Millisecond,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	logger.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newSource(provider internal.NamedProvider) (webhook.Source, error) {
	cfg := provider.Config
	switch provider.Name {
	case internal.ProviderSourceHost:
		return webhook.NewSourceHost()
	case internal.ProviderTrackerHost:
		return webhook.NewTrackerHost(cfg.EventPath)
	case internal.ProviderMailHost:
		return webhook.NewMailHost(cfg.DeliveryPath, cfg.EventPath, time.Duration(cfg.SignatureToleranceMS)*time.Millisecond)
	case internal.ProviderBillingHost:
		return webhook.NewBillingHost(cfg.DeliveryPath, cfg.EventPath, time.Duration(cfg.SignatureToleranceMS)*time.Millisecond)
	default:
		return nil, fmt.Errorf("unknown provider %q", provider.Name)
	}
}
