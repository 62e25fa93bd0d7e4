package router

import (
	"context"
	"testing"
)

func TestBuildChainHeaderAndClientTags(t *testing.T) {
	chain, err := BuildChain([]Config{
		{Type: "header"},
		{Type: "clientTags", ClientTagsOneOf: []string{"etl"}, ClientTagsTarget: "etl-group"},
	}, map[string]bool{"etl-group": true, "header-group": true}, "default")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decision := chain.Classify(context.Background(), Request{
		Headers: map[string][]string{"X-Trino-Client-Tags": {"etl"}},
	})
	if decision.Group != "etl-group" {
		t.Fatalf("expected etl-group, got %+v", decision)
	}
}

func TestBuildChainScriptWithoutEvaluatorFails(t *testing.T) {
	_, err := BuildChain([]Config{{Type: "script"}}, map[string]bool{}, "default")
	if err == nil {
		t.Fatal("expected error building a script router without an evaluator")
	}
}

func TestBuildChainUnknownTypeFails(t *testing.T) {
	_, err := BuildChain([]Config{{Type: "bogus"}}, map[string]bool{}, "default")
	if err == nil {
		t.Fatal("expected error building an unknown router type")
	}
}
