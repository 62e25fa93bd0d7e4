// ScriptRouter defers classification to an external scripting runtime, a
// named collaborator per spec.md §1/§4.E/§9: out of scope to implement
// an interpreter here, in scope to define the contract and to keep
// evaluation off request-handling goroutines.
package router

import (
	"context"
	"time"

	"github.com/stackabletech/trino-lb/internal/lberrors"
)

// ScriptEvaluator is the contract a scripting runtime must satisfy:
// string-in (statement, headers map), string-or-abstain-out. It is
// intentionally narrow so any embeddable interpreter (Lua, Starlark,
// JavaScript) can be adapted to it without this package knowing which.
type ScriptEvaluator interface {
	Evaluate(ctx context.Context, statement string, headers map[string][]string) (group string, decided bool, err error)
}

// ScriptRouter runs a ScriptEvaluator on a bounded worker pool so script
// execution never blocks the goroutines handling concurrent client
// requests; per spec.md §5, scripting work is shunted to a dedicated
// pool rather than run inline.
type ScriptRouter struct {
	evaluator ScriptEvaluator
	timeout   time.Duration
	work      chan scriptJob
}

type scriptJob struct {
	ctx       context.Context
	statement string
	headers   map[string][]string
	result    chan scriptResult
}

type scriptResult struct {
	group   string
	decided bool
	err     error
}

// NewScriptRouter creates a router with poolSize worker goroutines and a
// per-evaluation timeout.
func NewScriptRouter(evaluator ScriptEvaluator, poolSize int, timeout time.Duration) *ScriptRouter {
	if poolSize <= 0 {
		poolSize = 4
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	s := &ScriptRouter{evaluator: evaluator, timeout: timeout, work: make(chan scriptJob, poolSize*4)}
	for i := 0; i < poolSize; i++ {
		go s.worker()
	}
	return s
}

func (s *ScriptRouter) worker() {
	for job := range s.work {
		group, decided, err := s.evaluator.Evaluate(job.ctx, job.statement, job.headers)
		job.result <- scriptResult{group: group, decided: decided, err: err}
	}
}

func (s *ScriptRouter) Name() string { return "script" }

// Classify submits the request to the worker pool and waits up to
// timeout. A scripting error or timeout is treated as "router abstained"
// per spec.md §7's KindScripting policy, never as a hard failure.
func (s *ScriptRouter) Classify(ctx context.Context, req Request) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	job := scriptJob{ctx: ctx, statement: req.Statement, headers: req.Headers, result: make(chan scriptResult, 1)}
	select {
	case s.work <- job:
	case <-ctx.Done():
		return "", false
	}

	select {
	case res := <-job.result:
		if res.err != nil {
			return "", false
		}
		return res.group, res.decided
	case <-ctx.Done():
		return "", false
	}
}

// ScriptError wraps an evaluator failure as a KindScripting error, for
// callers that want to log the underlying cause even though routing
// treats it as an abstention.
func ScriptError(cause error) error {
	return lberrors.Wrap(lberrors.KindScripting, "script router evaluation failed", cause)
}
