package internal

import (
	"fmt"

	"github.com/Knetic/govaluate"
	"go.uber.org/zap"
)

// Rule routes work items to a topic. When is a govaluate expression over
// provider, event and delivery_id.
type Rule struct {
	When    string   `yaml:"when"`
	Emit    string   `yaml:"emit"`
	Drivers []string `yaml:"drivers"`
}

// RuleMatch is a topic selected for an event, optionally pinned to drivers.
type RuleMatch struct {
	Topic   string
	Drivers []string
}

type compiledRule struct {
	emit    string
	drivers []string
	expr    *govaluate.EvaluableExpression
}

type RuleEngine struct {
	rules  []compiledRule
	strict bool
	logger *zap.SugaredLogger
}

var ruleVars = map[string]struct{}{
	"provider":    {},
	"event":       {},
	"delivery_id": {},
}

// NewRuleEngine compiles the rules. In strict mode a rule referencing a
// variable other than provider, event or delivery_id is a configuration error.
func NewRuleEngine(cfg RulesConfig) (*RuleEngine, error) {
	rules := make([]compiledRule, 0, len(cfg.Rules))
	for i, rule := range cfg.Rules {
		expr, err := govaluate.NewEvaluableExpression(rule.When)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if cfg.Strict {
			for _, name := range expr.Vars() {
				if _, ok := ruleVars[name]; !ok {
					return nil, fmt.Errorf("rule %d: unknown variable %q", i, name)
				}
			}
		}
		rules = append(rules, compiledRule{emit: rule.Emit, drivers: rule.Drivers, expr: expr})
	}

	return &RuleEngine{rules: rules, strict: cfg.Strict, logger: NewLogger("rules")}, nil
}

func (r *RuleEngine) Evaluate(event Event) []RuleMatch {
	if r == nil || len(r.rules) == 0 {
		return nil
	}

	vars := event.Vars()
	matches := make([]RuleMatch, 0, 1)
	for _, rule := range r.rules {
		result, err := rule.expr.Evaluate(vars)
		if err != nil {
			r.logger.Warnw("rule eval failed", "emit", rule.emit, "error", err)
			continue
		}
		ok, _ := result.(bool)
		if ok {
			matches = append(matches, RuleMatch{Topic: rule.emit, Drivers: rule.drivers})
		}
	}
	return matches
}
