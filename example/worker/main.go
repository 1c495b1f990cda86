package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hookgate/internal"
	ghprovider "hookgate/pkg/providers/github"
	"hookgate/pkg/storage/deliveries"
	worker "hookgate/pkg/worker"

	gh "github.com/google/go-github/v57/github"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"go.uber.org/zap"
)

type pullRequestPayload struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Draft bool `json:"draft"`
	} `json:"pull_request"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to app config")
	driver := flag.String("driver", "", "Override subscriber driver (amqp|nats|kafka|sql|http|gochannel)")
	useRiver := flag.Bool("river", false, "Consume River jobs instead of a watermill subscriber")
	comment := flag.Bool("comment", false, "Comment on newly opened pull requests")
	concurrency := flag.Int("concurrency", 5, "Concurrent handlers (River max workers)")
	flag.Parse()

	appCfg, err := internal.LoadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	base, err := internal.SetupLogging(appCfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = base.Sync() }()
	logger := internal.NewLogger("worker-example")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ledger, err := deliveries.Open(deliveries.Config{
		Driver: appCfg.Ledger.Driver,
		DSN:    appCfg.Ledger.DSN,
		Table:  appCfg.Ledger.Table,
	})
	if err != nil {
		logger.Fatalw("open ledger", "error", err)
	}
	defer ledger.Close()

	broker, err := ghprovider.NewBroker(ghprovider.BrokerConfig{
		IssuerID:        appCfg.App.IssuerID,
		PrivateKey:      appCfg.App.PrivateKey,
		PrivateKeyPath:  appCfg.App.PrivateKeyPath,
		BaseURL:         appCfg.App.BaseURL,
		SafetyMargin:    time.Duration(appCfg.App.SafetyMarginMS) * time.Millisecond,
		ExchangeTimeout: time.Duration(appCfg.App.ExchangeTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		logger.Fatalw("token broker", "error", err)
	}

	opts := []worker.Option{
		worker.WithConcurrency(*concurrency),
		worker.WithLogger(logger),
		worker.WithMiddleware(worker.LedgerLoader(ledger)),
		worker.WithListener(worker.Listener{
			OnStart: func(ctx context.Context) { logger.Infow("worker started") },
			OnExit:  func(ctx context.Context) { logger.Infow("worker stopped") },
			OnMessageFinish: func(ctx context.Context, evt *worker.Event, err error) {
				logger.Infow("finished", "provider", evt.Provider, "event", evt.Type, "delivery_id", evt.DeliveryID, "error", err)
			},
		}),
	}
	if broker.Configured() {
		opts = append(opts, worker.WithClientProvider(worker.NewBrokerClientProvider(broker)))
	}

	if *useRiver {
		wk := worker.New(opts...)
		register(wk, logger, *comment)
		if err := runRiver(ctx, appCfg.Watermill.RiverQueue, wk, *concurrency); err != nil {
			logger.Fatalw("river worker", "error", err)
		}
		return
	}

	subCfg, err := worker.LoadSubscriberConfig(*configPath)
	if err != nil {
		logger.Fatalw("load subscriber config", "error", err)
	}
	if *driver != "" {
		subCfg.Driver = *driver
		subCfg.Drivers = nil
	}
	topics, err := worker.LoadTopicsFromConfig(*configPath)
	if err != nil {
		logger.Fatalw("load topics", "error", err)
	}

	sub, err := worker.BuildSubscriber(subCfg)
	if err != nil {
		logger.Fatalw("subscriber", "error", err)
	}
	defer func() {
		if err := sub.Close(); err != nil {
			logger.Warnw("subscriber close", "error", err)
		}
	}()

	opts = append(opts, worker.WithSubscriber(sub), worker.WithTopics(topics...))
	wk := worker.New(opts...)
	register(wk, logger, *comment)

	if err := wk.Run(ctx); err != nil {
		logger.Fatalw("worker", "error", err)
	}
}

// register installs the handlers shared by both transports. Every delivery
// needs some handler so LedgerLoader can mark it processed.
func register(wk *worker.Worker, logger *zap.SugaredLogger, comment bool) {
	wk.HandleDefault(logDelivery(logger))
	wk.HandleType("pull_request", func(ctx context.Context, evt *worker.Event) error {
		var pr pullRequestPayload
		if err := json.Unmarshal(evt.Payload, &pr); err != nil {
			return worker.Permanent(err)
		}
		if pr.Action != "opened" || pr.PullRequest.Draft {
			return nil
		}
		logger.Infow("ready pull request", "repo", pr.Repository.Owner.Login+"/"+pr.Repository.Name, "number", pr.Number)
		client, ok := worker.GitHubClient(evt)
		if !comment || !ok {
			return nil
		}
		body := "Thanks! This pull request was picked up by hookgate."
		_, _, err := client.Issues.CreateComment(ctx, pr.Repository.Owner.Login, pr.Repository.Name, pr.Number, &gh.IssueComment{Body: &body})
		return err
	})
}

func logDelivery(logger *zap.SugaredLogger) worker.Handler {
	return func(ctx context.Context, evt *worker.Event) error {
		logger.Infow("delivery", "topic", evt.Topic, "provider", evt.Provider, "event", evt.Type, "delivery_id", evt.DeliveryID, "bytes", len(evt.Payload))
		return nil
	}
}

func runRiver(ctx context.Context, cfg internal.RiverQueueConfig, wk *worker.Worker, maxWorkers int) error {
	if cfg.DSN == "" {
		return errors.New("watermill.riverqueue.dsn is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer pool.Close()

	workers := river.NewWorkers()
	river.AddWorker(workers, worker.NewRiverWorker(wk))

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
		Queues: map[string]river.QueueConfig{
			cfg.Queue: {MaxWorkers: maxWorkers},
		},
		Workers: workers,
	})
	if err != nil {
		return fmt.Errorf("river client: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("river start: %w", err)
	}

	<-ctx.Done()
	stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStop()
	return client.Stop(stopCtx)
}
