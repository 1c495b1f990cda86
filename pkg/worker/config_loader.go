package worker

import (
	"os"
	"sort"
	"strings"

	"hookgate/internal"

	"gopkg.in/yaml.v3"
)

// LoadSubscriberConfig reads the watermill section of the gateway config so
// the worker consumes exactly what the gateway enqueues. The NATS client id
// gets a suffix to keep it distinct from the gateway's connection.
func LoadSubscriberConfig(path string) (internal.WatermillConfig, error) {
	app, err := internal.LoadAppConfig(path)
	if err != nil {
		return internal.WatermillConfig{}, err
	}
	cfg := app.Watermill
	if cfg.NATS.ClientIDSuffix == "" {
		cfg.NATS.ClientIDSuffix = "-worker"
	}
	return cfg, nil
}

// LoadTopicsFromConfig returns every topic the gateway can publish to: rule
// emit topics plus the fallback topic of each enabled provider. Rules are
// read without validation; the worker holds no provider secrets.
func LoadTopicsFromConfig(path string) ([]string, error) {
	app, err := internal.LoadAppConfig(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rules struct {
		Rules []struct {
			Emit string `yaml:"emit"`
		} `yaml:"rules"`
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &rules); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	topics := make([]string, 0, len(rules.Rules))
	add := func(topic string) {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			return
		}
		if _, ok := seen[topic]; ok {
			return
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	for _, rule := range rules.Rules {
		add(rule.Emit)
	}
	fallback := make([]string, 0)
	for _, topic := range app.ProviderTopics() {
		fallback = append(fallback, topic)
	}
	sort.Strings(fallback)
	for _, topic := range fallback {
		add(topic)
	}
	return topics, nil
}
