package health_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/dataplatform/hdfs-audit-orchestrator/internal/health"
	"github.com/prometheus/client_golang/prometheus"
)

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(_ context.Context) error { return m.err }

func newTestChecker(mysql, clickhouse health.Pinger) (*health.Checker, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	logger := slog.Default()
	return health.NewChecker(mysql, clickhouse, logger, reg), reg
}

func TestRun_BothUp(t *testing.T) {
	c, reg := newTestChecker(&mockPinger{}, &mockPinger{})

	result := c.Run(context.Background())
	if result.Status != "up" {
		t.Fatalf("expected status up, got %s", result.Status)
	}
	for _, dep := range []string{"mysql", "clickhouse"} {
		if result.Checks[dep].Status != "up" {
			t.Fatalf("expected %s up, got %+v", dep, result.Checks[dep])
		}
		if g := testGauge(t, reg, "audit_health_check_up", dep); g != 1 {
			t.Fatalf("expected %s gauge 1, got %f", dep, g)
		}
	}
}

func TestRun_MySQLDown(t *testing.T) {
	c, reg := newTestChecker(&mockPinger{err: errors.New("connection refused")}, &mockPinger{})

	result := c.Run(context.Background())
	if result.Status != "down" {
		t.Fatalf("expected status down, got %s", result.Status)
	}
	if result.Checks["mysql"].Status != "down" {
		t.Fatalf("expected mysql down, got %+v", result.Checks["mysql"])
	}
	if result.Checks["mysql"].Error == "" {
		t.Fatal("expected error message")
	}
	if result.Checks["clickhouse"].Status != "up" {
		t.Fatalf("expected clickhouse unaffected, got %+v", result.Checks["clickhouse"])
	}

	if g := testGauge(t, reg, "audit_health_check_up", "mysql"); g != 0 {
		t.Fatalf("expected mysql gauge 0, got %f", g)
	}
}

func TestRun_ClickHouseDown(t *testing.T) {
	c, reg := newTestChecker(&mockPinger{}, &mockPinger{err: errors.New("no hosts reachable")})

	result := c.Run(context.Background())
	if result.Status != "down" {
		t.Fatalf("expected status down, got %s", result.Status)
	}
	if result.Checks["clickhouse"].Status != "down" {
		t.Fatalf("expected clickhouse down, got %+v", result.Checks["clickhouse"])
	}

	if g := testGauge(t, reg, "audit_health_check_up", "clickhouse"); g != 0 {
		t.Fatalf("expected clickhouse gauge 0, got %f", g)
	}
}

func testGauge(t *testing.T, reg *prometheus.Registry, name, depLabel string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "dependency" && lp.GetValue() == depLabel {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{dependency=%q} not found", name, depLabel)
	return 0
}
