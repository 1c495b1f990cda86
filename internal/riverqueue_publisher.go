package internal

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
)

// RiverJobKind is the River job kind for delivery work items.
const RiverJobKind = "hookgate.delivery"

// DeliveryArgs is the River job payload. Workers load the body from the ledger.
type DeliveryArgs struct {
	Provider   string `json:"provider"`
	DeliveryID string `json:"delivery_id"`
	EventType  string `json:"event_type"`
	Topic      string `json:"topic"`
}

func (DeliveryArgs) Kind() string { return RiverJobKind }

// riverQueuePublisher inserts work items as River jobs. The client is
// insert-only: it has no queues or workers of its own.
type riverQueuePublisher struct {
	pool   *pgxpool.Pool
	client *river.Client[pgx.Tx]
	cfg    RiverQueueConfig
}

func newRiverQueuePublisher(cfg RiverQueueConfig) (*riverQueuePublisher, error) {
	if cfg.DSN == "" {
		return nil, badConfig("riverqueue dsn is required")
	}
	pool, err := pgxpool.New(context.Background(), cfg.DSN)
	if err != nil {
		return nil, err
	}
	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{})
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &riverQueuePublisher{pool: pool, client: client, cfg: cfg}, nil
}

// Publish inserts one job per delivery. Jobs are unique by args, so a
// re-enqueue from the sweeper does not double up a pending job.
func (p *riverQueuePublisher) Publish(ctx context.Context, topic string, event Event) error {
	args := DeliveryArgs{
		Provider:   event.Provider,
		DeliveryID: event.DeliveryID,
		EventType:  event.Name,
		Topic:      topic,
	}
	_, err := p.client.Insert(ctx, args, p.insertOpts())
	return err
}

func (p *riverQueuePublisher) insertOpts() *river.InsertOpts {
	return &river.InsertOpts{
		Queue:       p.cfg.Queue,
		MaxAttempts: p.cfg.MaxAttempts,
		Priority:    p.cfg.Priority,
		Tags:        p.cfg.Tags,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

// Close releases the connection pool.
func (p *riverQueuePublisher) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func (p *riverQueuePublisher) PublishForDrivers(ctx context.Context, topic string, event Event, drivers []string) error {
	return p.Publish(ctx, topic, event)
}
