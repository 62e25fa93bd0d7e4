// ExplainCostsRouter runs EXPLAIN (FORMAT JSON) through database/sql
// against github.com/trinodb/trino-go-client, the one place in trino-lb
// that genuinely fits a SQL driver's row-at-a-time model: a single
// bounded scalar query, not a protocol the proxy plane needs to stream
// verbatim. Grounded on internal/adapters/trino/adapter.go's connection
// pool defaults and health-check pattern.
package router

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/trinodb/trino-go-client/trino"

	"github.com/stackabletech/trino-lb/internal/lberrors"
)

// CostThreshold is one {thresholds -> group} rule, evaluated in
// declaration order; the first whose thresholds all dominate the
// estimate wins.
type CostThreshold struct {
	Group          string
	MaxCPUCost     float64
	MaxMemoryCost  float64
	MaxNetworkCost float64
	MaxRowCount    float64
	MaxOutputSize  float64
}

// costEstimate is the summed cost across an EXPLAIN plan's stages.
type costEstimate struct {
	CPUCost     float64
	MemoryCost  float64
	NetworkCost float64
	RowCount    float64
	OutputSize  float64
}

func (c costEstimate) dominatedBy(t CostThreshold) bool {
	return c.CPUCost <= t.MaxCPUCost &&
		c.MemoryCost <= t.MaxMemoryCost &&
		c.NetworkCost <= t.MaxNetworkCost &&
		c.RowCount <= t.MaxRowCount &&
		c.OutputSize <= t.MaxOutputSize
}

// ExplainCostsRouter estimates a statement's cost on a designated
// coordinator and maps it to a group via an ordered threshold list.
type ExplainCostsRouter struct {
	db         *sql.DB
	thresholds []CostThreshold
	timeout    time.Duration
}

// NewExplainCostsRouter opens a connection pool against coordinatorDSN
// (host:port/catalog/schema encoded per trino-go-client conventions).
// Connection pool sizing mirrors internal/adapters/trino/adapter.go's
// defaults since this is the same "bounded pool of scalar queries"
// shape, just against a different catalog of statements.
func NewExplainCostsRouter(coordinatorDSN string, thresholds []CostThreshold, timeout time.Duration) (*ExplainCostsRouter, error) {
	db, err := sql.Open("trino", coordinatorDSN)
	if err != nil {
		return nil, lberrors.Wrap(lberrors.KindConfig, "explaincosts: open trino connection", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ExplainCostsRouter{db: db, thresholds: thresholds, timeout: timeout}, nil
}

func (e *ExplainCostsRouter) Name() string { return "explainCosts" }

func (e *ExplainCostsRouter) Classify(ctx context.Context, req Request) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	estimate, err := e.explain(ctx, req.Statement)
	if err != nil {
		return "", false // spec.md §7: a failed cost estimate is a router abstention, not a hard error
	}

	for _, t := range e.thresholds {
		if estimate.dominatedBy(t) {
			return t.Group, true
		}
	}
	return "", false
}

func (e *ExplainCostsRouter) explain(ctx context.Context, statement string) (costEstimate, error) {
	var planJSON string
	row := e.db.QueryRowContext(ctx, fmt.Sprintf("EXPLAIN (FORMAT JSON) %s", statement))
	if err := row.Scan(&planJSON); err != nil {
		return costEstimate{}, lberrors.Wrap(lberrors.KindRouting, "explaincosts: run EXPLAIN", err)
	}

	var plan explainPlan
	if err := json.Unmarshal([]byte(planJSON), &plan); err != nil {
		return costEstimate{}, lberrors.Wrap(lberrors.KindProtocol, "explaincosts: decode EXPLAIN output", err)
	}

	return sumStages(plan), nil
}

// explainPlan is the minimal shape of Trino's EXPLAIN (FORMAT JSON)
// output this router needs: a tree of stages, each carrying an estimate.
type explainPlan struct {
	Estimate []stageEstimate `json:"estimate"`
	Children []explainPlan   `json:"children"`
}

type stageEstimate struct {
	CPUCost     float64 `json:"cpuCost"`
	MemoryCost  float64 `json:"memoryCost"`
	NetworkCost float64 `json:"networkCost"`
	OutputRowCount float64 `json:"outputRowCount"`
	OutputSizeInBytes float64 `json:"outputSizeInBytes"`
}

func sumStages(p explainPlan) costEstimate {
	var total costEstimate
	for _, e := range p.Estimate {
		total.CPUCost += e.CPUCost
		total.MemoryCost += e.MemoryCost
		total.NetworkCost += e.NetworkCost
		total.RowCount += e.OutputRowCount
		total.OutputSize += e.OutputSizeInBytes
	}
	for _, child := range p.Children {
		c := sumStages(child)
		total.CPUCost += c.CPUCost
		total.MemoryCost += c.MemoryCost
		total.NetworkCost += c.NetworkCost
		total.RowCount += c.RowCount
		total.OutputSize += c.OutputSize
	}
	return total
}

func (e *ExplainCostsRouter) Close() error {
	return e.db.Close()
}
