package internal

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider identifiers used as ledger keys and metric labels.
const (
	ProviderSourceHost  = "source_host"
	ProviderTrackerHost = "tracker_host"
	ProviderMailHost    = "mail_host"
	ProviderBillingHost = "billing_host"
)

// AppConfig represents the main application configuration.
type AppConfig struct {
	// Server holds server-specific configuration.
	Server struct {
		Port           int    `yaml:"port"`
		ReadTimeoutMS  int64  `yaml:"read_timeout_ms"`
		WriteTimeoutMS int64  `yaml:"write_timeout_ms"`
		IdleTimeoutMS  int64  `yaml:"idle_timeout_ms"`
		ReadHeaderMS   int64  `yaml:"read_header_timeout_ms"`
		MaxBodyBytes   int64  `yaml:"max_body_bytes"`
		RateLimitRPS   int64  `yaml:"rate_limit_rps"`
		RateLimitBurst int64  `yaml:"rate_limit_burst"`
		MetricsEnabled bool   `yaml:"metrics_enabled"`
		MetricsPath    string `yaml:"metrics_path"`
		InternalAPIKey string `yaml:"internal_api_key"`
		// TrustProxyHeaders lets X-Forwarded-For and X-Real-IP replace the
		// remote address. Enable only behind a proxy that overwrites them.
		TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
	} `yaml:"server"`
	// Logging controls the zap logger.
	Logging LoggingConfig `yaml:"logging"`
	// Providers contains webhook configuration for each provider.
	Providers struct {
		SourceHost  ProviderConfig `yaml:"source_host"`
		TrackerHost ProviderConfig `yaml:"tracker_host"`
		MailHost    ProviderConfig `yaml:"mail_host"`
		BillingHost ProviderConfig `yaml:"billing_host"`
	} `yaml:"providers"`
	// App holds the installation credential settings.
	App CredentialsConfig `yaml:"app"`
	// Ledger holds the delivery ledger database settings.
	Ledger LedgerConfig `yaml:"ledger"`
	// Enqueue bounds the best-effort hand-off to the work queue.
	Enqueue EnqueueConfig `yaml:"enqueue"`
	// Reconcile configures the sweep over unprocessed ledger rows.
	Reconcile ReconcileConfig `yaml:"reconcile"`
	// Watermill holds configuration for the work queue transports.
	Watermill WatermillConfig `yaml:"watermill"`
}

// Config represents the application configuration including rules.
type Config struct {
	AppConfig   `yaml:",inline"`
	Rules       []Rule `yaml:"rules"`
	RulesStrict bool   `yaml:"rules_strict"`
}

// ProviderConfig represents the configuration for a single webhook provider.
type ProviderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Secret  string `yaml:"secret"`
	// Topic is used when no rule matches a delivery.
	Topic string `yaml:"topic"`
	// DeliveryPath and EventPath are JSONPath expressions for providers that
	// carry identifiers in the body.
	DeliveryPath string `yaml:"delivery_path"`
	EventPath    string `yaml:"event_path"`
	// SignatureToleranceMS bounds timestamp skew for timestamped signatures.
	SignatureToleranceMS int64 `yaml:"signature_tolerance_ms"`
}

// LoggingConfig selects the zap level and encoder.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CredentialsConfig holds the issuer identity and key used to mint assertions.
type CredentialsConfig struct {
	IssuerID          string `yaml:"issuer_id"`
	PrivateKey        string `yaml:"private_key"`
	PrivateKeyPath    string `yaml:"private_key_path"`
	BaseURL           string `yaml:"base_url"`
	SafetyMarginMS    int64  `yaml:"safety_margin_ms"`
	ExchangeTimeoutMS int64  `yaml:"exchange_timeout_ms"`
}

// LedgerConfig holds the delivery ledger connection.
type LedgerConfig struct {
	Driver         string `yaml:"driver"`
	DSN            string `yaml:"dsn"`
	Table          string `yaml:"table"`
	AutoMigrate    bool   `yaml:"auto_migrate"`
	WriteTimeoutMS int64  `yaml:"write_timeout_ms"`
}

// EnqueueConfig bounds the enqueue call.
type EnqueueConfig struct {
	TimeoutMS int64 `yaml:"timeout_ms"`
}

// ReconcileConfig configures the sweeper.
type ReconcileConfig struct {
	Enabled     bool  `yaml:"enabled"`
	IntervalMS  int64 `yaml:"interval_ms"`
	OlderThanMS int64 `yaml:"older_than_ms"`
	BatchSize   int   `yaml:"batch_size"`
}

// WatermillConfig holds the configuration for Watermill, which carries work items.
type WatermillConfig struct {
	Driver     string           `yaml:"driver"`
	Drivers    []string         `yaml:"drivers"`
	GoChannel  GoChannelConfig  `yaml:"gochannel"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	NATS       NATSConfig       `yaml:"nats"`
	AMQP       AMQPConfig       `yaml:"amqp"`
	SQL        SQLConfig        `yaml:"sql"`
	HTTP       HTTPConfig       `yaml:"http"`
	RiverQueue RiverQueueConfig `yaml:"riverqueue"`
}

// GoChannelConfig holds configuration for the GoChannel pub/sub.
type GoChannelConfig struct {
	OutputChannelBuffer            int64 `yaml:"output_buffer"`
	Persistent                     bool  `yaml:"persistent"`
	BlockPublishUntilSubscriberAck bool  `yaml:"block_publish_until_subscriber_ack"`
}

// KafkaConfig holds configuration for the Kafka pub/sub.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

// NATSConfig holds configuration for the NATS pub/sub.
type NATSConfig struct {
	ClusterID string `yaml:"cluster_id"`
	ClientID  string `yaml:"client_id"`
	// ClientIDSuffix keeps a worker's streaming client id distinct from the
	// gateway's when both read the same section.
	ClientIDSuffix string `yaml:"client_id_suffix"`
	URL            string `yaml:"url"`
	Durable        string `yaml:"durable"`
}

// AMQPConfig holds configuration for the AMQP pub/sub.
type AMQPConfig struct {
	URL  string `yaml:"url"`
	Mode string `yaml:"mode"`
}

// SQLConfig holds configuration for the SQL pub/sub.
type SQLConfig struct {
	Driver               string `yaml:"driver"`
	DSN                  string `yaml:"dsn"`
	Dialect              string `yaml:"dialect"`
	ConsumerGroup        string `yaml:"consumer_group"`
	InitializeSchema     bool   `yaml:"initialize_schema"`
	AutoInitializeSchema bool   `yaml:"auto_initialize_schema"`
}

// HTTPConfig holds configuration for the HTTP transport. The gateway posts
// work items to BaseURL (or to the topic itself in topic_url mode); a worker
// receives them on ListenAddr, one route per topic.
type HTTPConfig struct {
	BaseURL    string `yaml:"base_url"`
	Mode       string `yaml:"mode"`
	ListenAddr string `yaml:"listen_addr"`
}

// RiverQueueConfig holds configuration for the River job publisher.
type RiverQueueConfig struct {
	DSN         string   `yaml:"dsn"`
	Queue       string   `yaml:"queue"`
	MaxAttempts int      `yaml:"max_attempts"`
	Priority    int      `yaml:"priority"`
	Tags        []string `yaml:"tags"`
}

// LoadAppConfig loads the main application configuration from a YAML file.
// It expands environment variables and applies default values.
func LoadAppConfig(path string) (AppConfig, error) {
	var cfg AppConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, err
	}

	applyDefaults(&cfg)
	return cfg, nil
}

// LoadConfig loads the full application configuration, including rules, from a YAML file.
// It expands environment variables, applies defaults, and normalizes rules.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, err
	}

	applyDefaults(&cfg.AppConfig)
	normalized, err := normalizeRules(cfg.Rules)
	if err != nil {
		return cfg, err
	}
	cfg.Rules = normalized
	if err := validate(cfg.AppConfig); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// RulesConfig represents the rule-specific parts of the configuration.
type RulesConfig struct {
	Rules  []Rule `yaml:"rules"`
	Strict bool   `yaml:"rules_strict"`
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeoutMS == 0 {
		cfg.Server.ReadTimeoutMS = 5000
	}
	if cfg.Server.WriteTimeoutMS == 0 {
		cfg.Server.WriteTimeoutMS = 10000
	}
	if cfg.Server.IdleTimeoutMS == 0 {
		cfg.Server.IdleTimeoutMS = 60000
	}
	if cfg.Server.ReadHeaderMS == 0 {
		cfg.Server.ReadHeaderMS = 5000
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	providerDefaults(&cfg.Providers.SourceHost, ProviderSourceHost, "", "")
	providerDefaults(&cfg.Providers.TrackerHost, ProviderTrackerHost, "", "$.webhookEvent")
	providerDefaults(&cfg.Providers.MailHost, ProviderMailHost, "", "")
	providerDefaults(&cfg.Providers.BillingHost, ProviderBillingHost, "$.notification_id", "$.event_type")
	for _, provider := range []*ProviderConfig{&cfg.Providers.MailHost, &cfg.Providers.BillingHost} {
		if provider.SignatureToleranceMS == 0 {
			provider.SignatureToleranceMS = 5 * 60 * 1000
		}
	}
	if cfg.App.BaseURL == "" {
		cfg.App.BaseURL = "https://api.github.com"
	}
	if cfg.App.SafetyMarginMS == 0 {
		cfg.App.SafetyMarginMS = 5 * 60 * 1000
	}
	if cfg.App.ExchangeTimeoutMS == 0 {
		cfg.App.ExchangeTimeoutMS = 10000
	}
	if cfg.Ledger.Driver == "" {
		cfg.Ledger.Driver = "sqlite"
	}
	if cfg.Ledger.DSN == "" {
		cfg.Ledger.DSN = "hookgate.db"
	}
	if cfg.Ledger.Table == "" {
		cfg.Ledger.Table = "hookgate_deliveries"
	}
	if cfg.Ledger.WriteTimeoutMS == 0 {
		cfg.Ledger.WriteTimeoutMS = 5000
	}
	if cfg.Enqueue.TimeoutMS == 0 {
		cfg.Enqueue.TimeoutMS = 2000
	}
	if cfg.Reconcile.IntervalMS == 0 {
		cfg.Reconcile.IntervalMS = 60000
	}
	if cfg.Reconcile.OlderThanMS == 0 {
		cfg.Reconcile.OlderThanMS = 5 * 60 * 1000
	}
	if cfg.Reconcile.BatchSize == 0 {
		cfg.Reconcile.BatchSize = 100
	}
	if cfg.Watermill.Driver == "" {
		cfg.Watermill.Driver = "gochannel"
	}
	if cfg.Watermill.GoChannel.OutputChannelBuffer == 0 {
		cfg.Watermill.GoChannel.OutputChannelBuffer = 64
	}
	if cfg.Watermill.HTTP.Mode == "" {
		cfg.Watermill.HTTP.Mode = "topic_url"
	}
	if cfg.Watermill.RiverQueue.Queue == "" {
		cfg.Watermill.RiverQueue.Queue = "default"
	}
	if cfg.Watermill.RiverQueue.MaxAttempts == 0 {
		cfg.Watermill.RiverQueue.MaxAttempts = 25
	}
	if cfg.Watermill.RiverQueue.Priority == 0 {
		cfg.Watermill.RiverQueue.Priority = 1
	}
}

func providerDefaults(cfg *ProviderConfig, name, deliveryPath, eventPath string) {
	if cfg.Path == "" {
		cfg.Path = "/webhooks/" + strings.ReplaceAll(name, "_", "-")
	}
	if cfg.Topic == "" {
		cfg.Topic = "deliveries." + name
	}
	if cfg.DeliveryPath == "" {
		cfg.DeliveryPath = deliveryPath
	}
	if cfg.EventPath == "" {
		cfg.EventPath = eventPath
	}
}

// validate rejects configurations that can never serve a request correctly.
// An enabled provider without a secret would reject every delivery.
func validate(cfg AppConfig) error {
	providers := map[string]ProviderConfig{
		ProviderSourceHost:  cfg.Providers.SourceHost,
		ProviderTrackerHost: cfg.Providers.TrackerHost,
		ProviderMailHost:    cfg.Providers.MailHost,
		ProviderBillingHost: cfg.Providers.BillingHost,
	}
	for name, provider := range providers {
		if provider.Enabled && strings.TrimSpace(provider.Secret) == "" {
			return fmt.Errorf("providers.%s.secret is required when the provider is enabled", name)
		}
	}
	if cfg.App.ExchangeTimeoutMS >= 600000 {
		return fmt.Errorf("app.exchange_timeout_ms must be shorter than the 600s assertion lifetime")
	}
	return nil
}

func normalizeRules(rules []Rule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for i := range rules {
		rule := rules[i]
		rule.When = strings.TrimSpace(rule.When)
		rule.Emit = strings.TrimSpace(rule.Emit)
		if rule.When == "" || rule.Emit == "" {
			return nil, fmt.Errorf("rule %d is missing when or emit", i)
		}
		if len(rule.Drivers) > 0 {
			drivers := make([]string, 0, len(rule.Drivers))
			for _, driver := range rule.Drivers {
				trimmed := strings.TrimSpace(driver)
				if trimmed != "" {
					drivers = append(drivers, trimmed)
				}
			}
			rule.Drivers = drivers
		}
		out = append(out, rule)
	}
	return out, nil
}

// NamedProvider pairs a provider name with its config section.
type NamedProvider struct {
	Name   string
	Config ProviderConfig
}

// EnabledProviders lists enabled providers in a stable order.
func (c AppConfig) EnabledProviders() []NamedProvider {
	all := []NamedProvider{
		{Name: ProviderSourceHost, Config: c.Providers.SourceHost},
		{Name: ProviderTrackerHost, Config: c.Providers.TrackerHost},
		{Name: ProviderMailHost, Config: c.Providers.MailHost},
		{Name: ProviderBillingHost, Config: c.Providers.BillingHost},
	}
	out := make([]NamedProvider, 0, len(all))
	for _, p := range all {
		if p.Config.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// ProviderTopics maps each enabled provider to its fallback topic.
func (c AppConfig) ProviderTopics() map[string]string {
	topics := make(map[string]string)
	for _, p := range c.EnabledProviders() {
		topics[p.Name] = p.Config.Topic
	}
	return topics
}
