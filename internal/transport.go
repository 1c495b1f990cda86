package internal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmamaqp "github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	wmhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	wmkafka "github.com/ThreeDotsLabs/watermill-kafka/pkg/kafka"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/pkg/nats"
	wmsql "github.com/ThreeDotsLabs/watermill-sql/pkg/sql"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	stan "github.com/nats-io/stan.go"
)

// PublisherFactory builds the gateway side of a driver. The returned close
// func releases anything the publisher does not own, such as a *sql.DB.
type PublisherFactory func(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error)

// SubscriberFactory builds the worker side of a driver.
type SubscriberFactory func(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Subscriber, func() error, error)

// transport pairs both ends of one driver so the gateway and its workers
// agree on marshaling and configuration.
type transport struct {
	publisher  PublisherFactory
	subscriber SubscriberFactory
}

var transports = map[string]transport{
	"gochannel": {publisher: goChannelPublisher, subscriber: goChannelSubscriber},
	"http":      {publisher: httpPublisher, subscriber: httpSubscriber},
	"kafka":     {publisher: kafkaPublisher, subscriber: kafkaSubscriber},
	"nats":      {publisher: natsPublisher, subscriber: natsSubscriber},
	"amqp":      {publisher: amqpPublisher, subscriber: amqpSubscriber},
	"sql":       {publisher: sqlPublisher, subscriber: sqlSubscriber},
}

// RegisterTransport adds or replaces a driver. Either side may be nil when a
// driver only publishes or only consumes.
func RegisterTransport(name string, publisher PublisherFactory, subscriber SubscriberFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || (publisher == nil && subscriber == nil) {
		return
	}
	transports[name] = transport{publisher: publisher, subscriber: subscriber}
}

// ErrUnsupportedDriver is returned for driver names with no transport.
var ErrUnsupportedDriver = errors.New("unsupported watermill driver")

// errTransportConfig marks errors that no amount of waiting for the broker
// can fix.
var errTransportConfig = errors.New("invalid transport config")

func badConfig(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{errTransportConfig}, args...)...)
}

// Brokers often come up after the gateway and its workers.
var (
	buildAttempts = 10
	buildDelay    = 2 * time.Second
)

// withRetry retries build until it succeeds or attempts run out. Unsupported
// drivers and bad config fail at once.
func withRetry[T any](build func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := 0; i < buildAttempts; i++ {
		v, err := build()
		if err == nil {
			return v, nil
		}
		if errors.Is(err, ErrUnsupportedDriver) || errors.Is(err, errTransportConfig) {
			return zero, err
		}
		lastErr = err
		if i < buildAttempts-1 {
			time.Sleep(buildDelay)
		}
	}
	return zero, lastErr
}

// DriverNames returns the configured drivers, lowercased and deduplicated.
// Drivers wins over Driver; gochannel is used when neither is set.
func (c WatermillConfig) DriverNames() []string {
	names := c.Drivers
	if len(names) == 0 && c.Driver != "" {
		names = []string{c.Driver}
	}
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	if len(out) == 0 {
		out = append(out, "gochannel")
	}
	return out
}

// NewSubscriber builds the worker side of one driver, retrying while the
// broker is unreachable.
func NewSubscriber(cfg WatermillConfig, driver string) (message.Subscriber, error) {
	logger := NewWatermillLogger(NewLogger("subscriber").With("driver", driver))
	t, ok := transports[strings.ToLower(driver)]
	if !ok || t.subscriber == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}
	return withRetry(func() (message.Subscriber, error) {
		sub, closeFn, err := t.subscriber(cfg, logger)
		if err != nil {
			return nil, err
		}
		if closeFn == nil {
			return sub, nil
		}
		return &closingSubscriber{Subscriber: sub, closeFn: closeFn}, nil
	})
}

type closingSubscriber struct {
	message.Subscriber
	closeFn func() error
}

func (c *closingSubscriber) Close() error {
	return errors.Join(c.Subscriber.Close(), c.closeFn())
}

func goChannelConfig(cfg WatermillConfig) gochannel.Config {
	return gochannel.Config{
		OutputChannelBuffer:            cfg.GoChannel.OutputChannelBuffer,
		Persistent:                     cfg.GoChannel.Persistent,
		BlockPublishUntilSubscriberAck: cfg.GoChannel.BlockPublishUntilSubscriberAck,
	}
}

func goChannelPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	return gochannel.NewGoChannel(goChannelConfig(cfg), logger), nil, nil
}

func goChannelSubscriber(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Subscriber, func() error, error) {
	return gochannel.NewGoChannel(goChannelConfig(cfg), logger), nil, nil
}

func httpPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	switch strings.ToLower(cfg.HTTP.Mode) {
	case "topic_url":
	case "base_url":
		if cfg.HTTP.BaseURL == "" {
			return nil, nil, badConfig("http base_url is required for base_url mode")
		}
	default:
		return nil, nil, badConfig("unsupported http mode: %s", cfg.HTTP.Mode)
	}
	pub, err := wmhttp.NewPublisher(wmhttp.PublisherConfig{
		MarshalMessageFunc: func(topic string, msg *message.Message) (*http.Request, error) {
			target, err := httpTargetURL(cfg.HTTP, topic)
			if err != nil {
				return nil, err
			}
			return wmhttp.DefaultMarshalMessageFunc(target, msg)
		},
	}, logger)
	return pub, nil, err
}

// httpSubscriber serves one POST route per topic on ListenAddr, matching the
// publisher's base_url layout.
func httpSubscriber(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Subscriber, func() error, error) {
	if cfg.HTTP.ListenAddr == "" {
		return nil, nil, badConfig("http listen_addr is required")
	}
	sub, err := wmhttp.NewSubscriber(cfg.HTTP.ListenAddr, wmhttp.SubscriberConfig{
		UnmarshalMessageFunc: wmhttp.DefaultUnmarshalMessageFunc,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return &routeSubscriber{Subscriber: sub}, nil, nil
}

// routeSubscriber maps topics onto URL paths. StartHTTPServer must be called
// once every topic is subscribed.
type routeSubscriber struct {
	*wmhttp.Subscriber
}

func (s *routeSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.Subscriber.Subscribe(ctx, "/"+strings.TrimLeft(topic, "/"))
}

func kafkaPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, nil, badConfig("kafka brokers are required")
	}
	pub, err := wmkafka.NewPublisher(cfg.Kafka.Brokers, wmkafka.DefaultMarshaler{}, nil, logger)
	return pub, nil, err
}

func kafkaSubscriber(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Subscriber, func() error, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, nil, badConfig("kafka brokers are required")
	}
	sub, err := wmkafka.NewSubscriber(wmkafka.SubscriberConfig{
		Brokers:       cfg.Kafka.Brokers,
		ConsumerGroup: cfg.Kafka.ConsumerGroup,
	}, nil, wmkafka.DefaultMarshaler{}, logger)
	return sub, nil, err
}

func natsOptions(cfg NATSConfig) ([]stan.Option, error) {
	if cfg.ClusterID == "" || cfg.ClientID == "" {
		return nil, badConfig("nats cluster_id and client_id are required")
	}
	if cfg.URL == "" {
		return nil, nil
	}
	return []stan.Option{stan.NatsURL(cfg.URL)}, nil
}

func natsPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	opts, err := natsOptions(cfg.NATS)
	if err != nil {
		return nil, nil, err
	}
	pub, err := wmnats.NewStreamingPublisher(wmnats.StreamingPublisherConfig{
		ClusterID:   cfg.NATS.ClusterID,
		ClientID:    cfg.NATS.ClientID,
		StanOptions: opts,
		Marshaler:   wmnats.GobMarshaler{},
	}, logger)
	return pub, nil, err
}

func natsSubscriber(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Subscriber, func() error, error) {
	opts, err := natsOptions(cfg.NATS)
	if err != nil {
		return nil, nil, err
	}
	sub, err := wmnats.NewStreamingSubscriber(wmnats.StreamingSubscriberConfig{
		ClusterID:   cfg.NATS.ClusterID,
		ClientID:    cfg.NATS.ClientID + cfg.NATS.ClientIDSuffix,
		DurableName: cfg.NATS.Durable,
		StanOptions: opts,
		Unmarshaler: wmnats.GobMarshaler{},
	}, logger)
	return sub, nil, err
}

func amqpConfig(cfg AMQPConfig) (wmamaqp.Config, error) {
	if cfg.URL == "" {
		return wmamaqp.Config{}, badConfig("amqp url is required")
	}
	switch strings.ToLower(cfg.Mode) {
	case "", "durable_queue":
		return wmamaqp.NewDurableQueueConfig(cfg.URL), nil
	case "nondurable_queue":
		return wmamaqp.NewNonDurableQueueConfig(cfg.URL), nil
	case "durable_pubsub":
		return wmamaqp.NewDurablePubSubConfig(cfg.URL, nil), nil
	case "nondurable_pubsub":
		return wmamaqp.NewNonDurablePubSubConfig(cfg.URL, nil), nil
	default:
		return wmamaqp.Config{}, badConfig("unsupported amqp mode: %s", cfg.Mode)
	}
}

func amqpPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	amqpCfg, err := amqpConfig(cfg.AMQP)
	if err != nil {
		return nil, nil, err
	}
	pub, err := wmamaqp.NewPublisher(amqpCfg, logger)
	return pub, nil, err
}

func amqpSubscriber(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Subscriber, func() error, error) {
	amqpCfg, err := amqpConfig(cfg.AMQP)
	if err != nil {
		return nil, nil, err
	}
	sub, err := wmamaqp.NewSubscriber(amqpCfg, logger)
	return sub, nil, err
}

type sqlDialect struct {
	schema  wmsql.SchemaAdapter
	offsets wmsql.OffsetsAdapter
}

// openSQL validates the section before opening, so a bad dialect never
// leaks a connection pool.
func openSQL(cfg SQLConfig) (*sql.DB, sqlDialect, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, sqlDialect{}, badConfig("sql driver and dsn are required")
	}
	var dialect sqlDialect
	switch strings.ToLower(cfg.Dialect) {
	case "postgres", "postgresql":
		dialect = sqlDialect{schema: wmsql.DefaultPostgreSQLSchema{}, offsets: wmsql.DefaultPostgreSQLOffsetsAdapter{}}
	case "mysql":
		dialect = sqlDialect{schema: wmsql.DefaultMySQLSchema{}, offsets: wmsql.DefaultMySQLOffsetsAdapter{}}
	default:
		return nil, sqlDialect{}, badConfig("unsupported sql dialect: %s", cfg.Dialect)
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, sqlDialect{}, err
	}
	return db, dialect, nil
}

func sqlPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	db, dialect, err := openSQL(cfg.SQL)
	if err != nil {
		return nil, nil, err
	}
	pub, err := wmsql.NewPublisher(db, wmsql.PublisherConfig{
		SchemaAdapter:        dialect.schema,
		AutoInitializeSchema: cfg.SQL.AutoInitializeSchema || cfg.SQL.InitializeSchema,
	}, logger)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return pub, db.Close, nil
}

func sqlSubscriber(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Subscriber, func() error, error) {
	db, dialect, err := openSQL(cfg.SQL)
	if err != nil {
		return nil, nil, err
	}
	sub, err := wmsql.NewSubscriber(db, wmsql.SubscriberConfig{
		ConsumerGroup:    cfg.SQL.ConsumerGroup,
		SchemaAdapter:    dialect.schema,
		OffsetsAdapter:   dialect.offsets,
		InitializeSchema: cfg.SQL.InitializeSchema || cfg.SQL.AutoInitializeSchema,
	}, logger)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return sub, db.Close, nil
}

func httpTargetURL(cfg HTTPConfig, topic string) (string, error) {
	switch strings.ToLower(cfg.Mode) {
	case "topic_url":
		if topic == "" {
			return "", errors.New("http topic url is empty")
		}
		return topic, nil
	case "base_url":
		if cfg.BaseURL == "" {
			return "", errors.New("http base_url is empty")
		}
		base := strings.TrimRight(cfg.BaseURL, "/")
		if topic == "" {
			return base, nil
		}
		return base + "/" + strings.TrimLeft(topic, "/"), nil
	default:
		return "", badConfig("unsupported http mode: %s", cfg.Mode)
	}
}
