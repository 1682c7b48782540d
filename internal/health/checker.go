// Package health runs a non-fatal preflight pass over the orchestrator's
// two external dependencies before a run starts, so connectivity problems
// surface as a clear warning rather than as a confusing failure deep
// inside the fetch or sink stage.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pinger is satisfied by *sink.Sink (MySQL) and by *fetcher.Client
// (ClickHouse).
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckResult represents the health of a single dependency.
type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Result is the outcome of one preflight pass.
type Result struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// Checker pings the configured dependencies and records a gauge per
// dependency. A failed check is logged and reflected in Result but never
// aborts the run by itself; callers decide whether to proceed.
type Checker struct {
	mysql      Pinger
	clickhouse Pinger
	logger     *slog.Logger
	gauge      *prometheus.GaugeVec
}

// NewChecker creates a preflight checker and registers its gauge.
func NewChecker(mysql, clickhouse Pinger, logger *slog.Logger, reg prometheus.Registerer) *Checker {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "audit",
		Name:      "health_check_up",
		Help:      "Whether a dependency was reachable during preflight. 1 = up, 0 = down.",
	}, []string{"dependency"})
	reg.MustRegister(gauge)

	return &Checker{
		mysql:      mysql,
		clickhouse: clickhouse,
		logger:     logger.With("component", "health"),
		gauge:      gauge,
	}
}

// Run pings both dependencies with a short timeout and returns the
// combined result. Status is "down" if either dependency is unreachable.
func (c *Checker) Run(ctx context.Context) Result {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result := Result{
		Status: "up",
		Checks: make(map[string]CheckResult, 2),
	}

	c.check(checkCtx, &result, "mysql", c.mysql)
	c.check(checkCtx, &result, "clickhouse", c.clickhouse)

	return result
}

func (c *Checker) check(ctx context.Context, result *Result, name string, p Pinger) {
	if err := p.Ping(ctx); err != nil {
		c.logger.Warn("preflight check failed", "dependency", name, "error", err)
		result.Status = "down"
		result.Checks[name] = CheckResult{Status: "down", Error: err.Error()}
		c.gauge.WithLabelValues(name).Set(0)
		return
	}
	result.Checks[name] = CheckResult{Status: "up"}
	c.gauge.WithLabelValues(name).Set(1)
}
