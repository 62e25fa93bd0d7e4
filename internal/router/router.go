// Package router classifies an incoming statement into a cluster group.
// A Router is a strategy with signature classify(statement, headers) ->
// group-or-abstain; Chain walks an ordered list of them, first decisive
// match wins, generalizing the teacher's engine-selection registry
// (internal/router/router.go's Router/Engine pair) from "pick an engine
// by capability" to "pick a cluster group by header/tags/script/cost".
package router

import (
	"context"
)

// Request is the routing-relevant subset of an inbound statement
// submission; spec.md's "QueryFingerprint" is exactly this pair, derived
// per request and never persisted.
type Request struct {
	Statement string
	Headers   map[string][]string
}

// Router classifies a request into a cluster group name, or abstains.
type Router interface {
	// Name identifies the router for logging.
	Name() string
	// Classify returns (group, true) on a decision, ("", false) to abstain.
	Classify(ctx context.Context, req Request) (string, bool)
}

// Chain walks routers in order; the first decisive match naming a
// configured group wins. A decision naming an unconfigured group is
// discarded and the chain continues, per spec.md §4.E.
type Chain struct {
	routers         []Router
	configuredGroups map[string]bool
	fallback        string
}

// NewChain builds a chain. configuredGroups must contain every valid
// group name so decisions naming unconfigured groups can be discarded.
func NewChain(routers []Router, configuredGroups map[string]bool, fallback string) *Chain {
	return &Chain{routers: routers, configuredGroups: configuredGroups, fallback: fallback}
}

// Decision records which router decided and what it decided, for logging.
type Decision struct {
	Group  string
	Router string
}

// Classify runs the chain, falling back to the configured fallback group
// if no router decides.
func (c *Chain) Classify(ctx context.Context, req Request) Decision {
	for _, r := range c.routers {
		group, ok := r.Classify(ctx, req)
		if !ok {
			continue
		}
		if !c.configuredGroups[group] {
			continue
		}
		return Decision{Group: group, Router: r.Name()}
	}
	return Decision{Group: c.fallback, Router: "fallback"}
}
