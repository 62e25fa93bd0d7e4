package router

import (
	"context"
	"os"
	"testing"
)

// writeScript creates an executable /bin/sh script with the given body
// and returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "script-*.sh")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("#!/bin/sh\n" + body); err != nil {
		t.Fatal(err)
	}
	f.Close()
	if err := os.Chmod(f.Name(), 0o755); err != nil {
		t.Fatal(err)
	}
	return f.Name()
}

func TestProcessScriptEvaluatorReturnsGroup(t *testing.T) {
	path := writeScript(t, "echo etl-group\n")
	eval := NewProcessScriptEvaluator(path)

	group, ok, err := eval.Evaluate(context.Background(), "select 1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || group != "etl-group" {
		t.Fatalf("expected etl-group match, got group=%q ok=%v", group, ok)
	}
}

func TestProcessScriptEvaluatorAbstainsOnEmptyOutput(t *testing.T) {
	path := writeScript(t, "true\n")
	eval := NewProcessScriptEvaluator(path)

	_, ok, err := eval.Evaluate(context.Background(), "select 1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected abstain on empty stdout")
	}
}

func TestProcessScriptEvaluatorSeesHeaderEnv(t *testing.T) {
	path := writeScript(t, `echo "$TRINO_LB_HEADER_X_TRINO_CLIENT_TAGS"`+"\n")
	eval := NewProcessScriptEvaluator(path)

	group, ok, err := eval.Evaluate(context.Background(), "select 1", map[string][]string{
		"X-Trino-Client-Tags": {"nightly"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || group != "nightly" {
		t.Fatalf("expected header env var to surface as nightly, got group=%q ok=%v", group, ok)
	}
}

func TestProcessScriptEvaluatorWrapsNonZeroExit(t *testing.T) {
	path := writeScript(t, "exit 1\n")
	eval := NewProcessScriptEvaluator(path)

	_, _, err := eval.Evaluate(context.Background(), "select 1", nil)
	if err == nil {
		t.Fatal("expected an error on non-zero script exit")
	}
}
