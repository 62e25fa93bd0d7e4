package router

import (
	"context"
	"strings"
)

// ClientTagsRouter parses X-Trino-Client-Tags as a comma-separated
// multiset and returns Target if the configured tag condition holds.
type ClientTagsRouter struct {
	HeaderName string
	OneOf      []string // decide Target if any of these tags is present
	AllOf      []string // decide Target if all of these tags are present
	Target     string
}

// NewClientTagsRouter creates a ClientTagsRouter. Exactly one of oneOf or
// allOf should be non-empty; if both are, both conditions must hold.
func NewClientTagsRouter(oneOf, allOf []string, target string) *ClientTagsRouter {
	return &ClientTagsRouter{HeaderName: "X-Trino-Client-Tags", OneOf: oneOf, AllOf: allOf, Target: target}
}

func (c *ClientTagsRouter) Name() string { return "clientTags" }

func (c *ClientTagsRouter) Classify(ctx context.Context, req Request) (string, bool) {
	values := req.Headers[c.HeaderName]
	if len(values) == 0 {
		return "", false
	}

	present := make(map[string]bool)
	for _, tag := range strings.Split(values[0], ",") {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			present[tag] = true
		}
	}

	if len(c.OneOf) > 0 {
		matched := false
		for _, t := range c.OneOf {
			if present[t] {
				matched = true
				break
			}
		}
		if !matched {
			return "", false
		}
	}

	if len(c.AllOf) > 0 {
		for _, t := range c.AllOf {
			if !present[t] {
				return "", false
			}
		}
	}

	if len(c.OneOf) == 0 && len(c.AllOf) == 0 {
		return "", false
	}
	return c.Target, true
}
