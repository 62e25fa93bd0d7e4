package router

import (
	"time"

	"github.com/stackabletech/trino-lb/internal/lberrors"
)

// Config is the discriminated configuration for one chain entry,
// decoupled from internal/config so this package never imports it.
type Config struct {
	Type string // "header" | "clientTags" | "script" | "explainCosts"

	HeaderName string

	ClientTagsOneOf  []string
	ClientTagsAllOf  []string
	ClientTagsTarget string

	ScriptEvaluator ScriptEvaluator
	ScriptPoolSize  int
	ScriptTimeout   time.Duration

	ExplainCostsDSN        string
	ExplainCostsThresholds []CostThreshold
	ExplainCostsTimeout    time.Duration
}

// BuildChain constructs a Chain from an ordered list of router configs,
// the discriminated-constructor resolution named in spec.md §9's router
// polymorphism note. configuredGroups/fallback are passed straight
// through to NewChain.
func BuildChain(configs []Config, configuredGroups map[string]bool, fallback string) (*Chain, error) {
	routers := make([]Router, 0, len(configs))
	for _, c := range configs {
		r, err := build(c)
		if err != nil {
			return nil, err
		}
		routers = append(routers, r)
	}
	return NewChain(routers, configuredGroups, fallback), nil
}

func build(c Config) (Router, error) {
	switch c.Type {
	case "header":
		return NewHeaderRouter(c.HeaderName), nil
	case "clientTags":
		return NewClientTagsRouter(c.ClientTagsOneOf, c.ClientTagsAllOf, c.ClientTagsTarget), nil
	case "script":
		if c.ScriptEvaluator == nil {
			return nil, lberrors.New(lberrors.KindConfig, "router: script router configured without an evaluator")
		}
		return NewScriptRouter(c.ScriptEvaluator, c.ScriptPoolSize, c.ScriptTimeout), nil
	case "explainCosts":
		return NewExplainCostsRouter(c.ExplainCostsDSN, c.ExplainCostsThresholds, c.ExplainCostsTimeout)
	default:
		return nil, lberrors.New(lberrors.KindConfig, "router: unknown router type "+c.Type)
	}
}
