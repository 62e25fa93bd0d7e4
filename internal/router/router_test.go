package router

import (
	"context"
	"testing"
)

func TestChainFallsThroughUnconfiguredGroup(t *testing.T) {
	header := NewHeaderRouter("")
	chain := NewChain([]Router{header}, map[string]bool{"etl": true}, "default")

	decision := chain.Classify(context.Background(), Request{
		Headers: map[string][]string{"X-Trino-Routing-Group": {"nonexistent"}},
	})
	if decision.Group != "default" || decision.Router != "fallback" {
		t.Fatalf("expected fallback to default, got %+v", decision)
	}
}

func TestChainFirstDecisiveMatchWins(t *testing.T) {
	header := NewHeaderRouter("")
	tags := NewClientTagsRouter([]string{"etl"}, nil, "etl-group")
	chain := NewChain([]Router{header, tags}, map[string]bool{"etl-group": true, "header-group": true}, "default")

	decision := chain.Classify(context.Background(), Request{
		Headers: map[string][]string{
			"X-Trino-Routing-Group": {"header-group"},
			"X-Trino-Client-Tags":   {"etl"},
		},
	})
	if decision.Group != "header-group" {
		t.Fatalf("expected header router to win, got %+v", decision)
	}
}

func TestClientTagsRouterAllOf(t *testing.T) {
	r := NewClientTagsRouter(nil, []string{"etl", "nightly"}, "batch")

	_, ok := r.Classify(context.Background(), Request{
		Headers: map[string][]string{"X-Trino-Client-Tags": {"etl"}},
	})
	if ok {
		t.Fatal("expected no match with only one of two required tags present")
	}

	group, ok := r.Classify(context.Background(), Request{
		Headers: map[string][]string{"X-Trino-Client-Tags": {"etl, nightly"}},
	})
	if !ok || group != "batch" {
		t.Fatalf("expected match on batch, got group=%q ok=%v", group, ok)
	}
}
