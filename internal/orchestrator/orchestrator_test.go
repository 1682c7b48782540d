package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dataplatform/hdfs-audit-orchestrator/internal/catalog"
	"github.com/dataplatform/hdfs-audit-orchestrator/internal/domain"
	"github.com/dataplatform/hdfs-audit-orchestrator/internal/fetcher"
	"github.com/dataplatform/hdfs-audit-orchestrator/internal/sink"
)

func mustLoc(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}

func testCatalog() *catalog.Catalog {
	return &catalog.Catalog{
		Defaults: catalog.Defaults{
			PythonConcurrency: 4,
			JarOptions:        catalog.JarOptions{Threads: 2},
			Limits:            catalog.Limits{MaxPythonConcurrency: 8, MaxJarThreads: 4, MaxEffectiveParallelism: 16},
		},
		Schedules: map[string]domain.ScheduleEntry{
			"T1": {
				TaskName: "T1", InterfaceID: "I1", PlatformID: "P1", PartnerID: "PR1",
				PeriodType: domain.PeriodDaily,
				Tables: []domain.TableSpec{
					{TableName: "orders", HDFSBasePath: "/warehouse/orders", Format: domain.FormatORC, PartitionTemplate: "dt=${data_date}"},
				},
			},
			"T2": {
				TaskName: "T2", InterfaceID: "I2", PlatformID: "P2", PartnerID: "PR2",
				PeriodType: domain.PeriodHourly,
				Tables: []domain.TableSpec{
					{TableName: "events", HDFSBasePath: "/warehouse/events", Format: domain.FormatParquet, PartitionTemplate: "dt=${data_date}/hr=${data_hour}"},
				},
			},
		},
	}
}

type fakeFetcher struct {
	records []domain.CompletionRecord
	err     error
	window  fetcher.Window
}

func (f *fakeFetcher) Fetch(_ context.Context, window fetcher.Window, _ string) ([]domain.CompletionRecord, error) {
	f.window = window
	if f.err != nil {
		return nil, f.err
	}
	return fetcher.Dedupe(f.records), nil
}

type fakeCounter struct {
	mu      sync.Mutex
	reports map[string]domain.CountReport
	calls   int
}

func (c *fakeCounter) Count(_ context.Context, job domain.AuditJob, _ time.Duration) domain.CountReport {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if r, ok := c.reports[job.TaskName+"/"+job.TableName]; ok {
		return r
	}
	return domain.CountReport{Status: domain.StatusSuccess, RowCount: 1}
}

type fakeSink struct {
	mu   sync.Mutex
	rows []sink.Row
}

func (s *fakeSink) Append(_ context.Context, row sink.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, row)
	return nil
}

type fakeWatermark struct {
	mu         sync.Mutex
	loaded     *domain.Watermark
	saved      *time.Time
	resetCalls int
	initCalls  int
}

func (w *fakeWatermark) Load() (*domain.Watermark, error) { return w.loaded, nil }
func (w *fakeWatermark) Save(end time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.saved = &end
	return nil
}
func (w *fakeWatermark) InitializeTo(now time.Time) error {
	w.initCalls++
	w.loaded = &domain.Watermark{LastEndTime: now, UpdatedAt: now}
	return nil
}
func (w *fakeWatermark) Reset() error { w.resetCalls++; w.loaded = nil; return nil }

func TestRun_NormalUpstream(t *testing.T) {
	loc := mustLoc(t)
	now := time.Date(2026, 1, 17, 13, 5, 0, 0, loc)
	wm := &fakeWatermark{loaded: &domain.Watermark{LastEndTime: time.Date(2026, 1, 17, 12, 0, 0, 0, loc)}}
	f := &fakeFetcher{records: []domain.CompletionRecord{
		{TaskName: "T1", PeriodType: domain.PeriodDaily, BatchNo: "20260116", CompleteDt: time.Date(2026, 1, 17, 13, 2, 0, 0, loc)},
	}}
	c := &fakeCounter{reports: map[string]domain.CountReport{}}
	s := &fakeSink{}

	o := New(testCatalog(), f, c, s, wm, discardLogger())

	res, err := o.Run(context.Background(), Options{
		Now: now, ResolvedDate: "20260116", Timezone: loc,
		WatermarkEnabled: true, OverlapSeconds: 600, MaxWindowHours: 24, FallbackLookbackHours: 24,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", res.ExitCode)
	}
	if res.JobsTotal != 1 || res.JobsSucceeded != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(s.rows) != 1 || s.rows[0].HDFSPath != "/warehouse/orders/dt=20260116" {
		t.Fatalf("unexpected sink rows: %+v", s.rows)
	}
	if wm.saved == nil || !wm.saved.Equal(now) {
		t.Fatalf("expected watermark advanced to %v, got %v", now, wm.saved)
	}
}

func TestRun_SubprocessFailureDoesNotAdvanceWatermark(t *testing.T) {
	loc := mustLoc(t)
	now := time.Date(2026, 1, 17, 13, 0, 0, 0, loc)
	wm := &fakeWatermark{loaded: &domain.Watermark{LastEndTime: now.Add(-time.Hour)}}
	f := &fakeFetcher{records: []domain.CompletionRecord{
		{TaskName: "T1", PeriodType: domain.PeriodDaily, BatchNo: "20260116", CompleteDt: now},
	}}
	c := &fakeCounter{reports: map[string]domain.CountReport{
		"T1/orders": domain.FailedReport("subprocess exited 1"),
	}}
	s := &fakeSink{}

	o := New(testCatalog(), f, c, s, wm, discardLogger())
	res, err := o.Run(context.Background(), Options{
		Now: now, ResolvedDate: "20260117", Timezone: loc,
		WatermarkEnabled: true, OverlapSeconds: 600, MaxWindowHours: 24,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 1 {
		t.Fatal("expected exit 1 on job failure")
	}
	if wm.saved != nil {
		t.Fatal("watermark must not advance when a job fails")
	}
	if len(s.rows) != 1 || s.rows[0].Status != "failed" {
		t.Fatalf("expected one failed ledger row, got %+v", s.rows)
	}
}

func TestRun_FetchFailureDoesNotAdvanceWatermark(t *testing.T) {
	loc := mustLoc(t)
	now := time.Date(2026, 1, 17, 13, 0, 0, 0, loc)
	wm := &fakeWatermark{loaded: &domain.Watermark{LastEndTime: now.Add(-time.Hour)}}
	f := &fakeFetcher{err: errors.New("all hosts unreachable")}
	c := &fakeCounter{reports: map[string]domain.CountReport{}}
	s := &fakeSink{}

	o := New(testCatalog(), f, c, s, wm, discardLogger())
	res, err := o.Run(context.Background(), Options{
		Now: now, ResolvedDate: "20260117", Timezone: loc,
		WatermarkEnabled: true, OverlapSeconds: 600, MaxWindowHours: 24,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if res.ExitCode != 1 || !res.FetchFailed {
		t.Fatalf("unexpected result: %+v", res)
	}
	if wm.saved != nil {
		t.Fatal("watermark must not advance on fetch failure")
	}
	if len(s.rows) != 0 {
		t.Fatal("expected no ledger writes on fetch failure")
	}
}

func TestRun_SkipClickhouse(t *testing.T) {
	loc := mustLoc(t)
	now := time.Date(2026, 1, 17, 13, 0, 0, 0, loc)
	wm := &fakeWatermark{}
	f := &fakeFetcher{}
	c := &fakeCounter{reports: map[string]domain.CountReport{}}
	s := &fakeSink{}

	o := New(testCatalog(), f, c, s, wm, discardLogger())
	res, err := o.Run(context.Background(), Options{
		Now: now, ResolvedDate: "20260116", Timezone: loc,
		SkipClickhouse: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.JobsTotal != 2 {
		t.Fatalf("expected one job per schedule entry (2), got %d", res.JobsTotal)
	}
	if wm.saved != nil {
		t.Fatal("skip-clickhouse mode must never touch the watermark")
	}
}

func TestRun_ExplicitList(t *testing.T) {
	loc := mustLoc(t)
	now := time.Date(2026, 1, 17, 13, 0, 0, 0, loc)
	wm := &fakeWatermark{}
	f := &fakeFetcher{}
	c := &fakeCounter{reports: map[string]domain.CountReport{}}
	s := &fakeSink{}

	o := New(testCatalog(), f, c, s, wm, discardLogger())
	res, err := o.Run(context.Background(), Options{
		Now: now, ResolvedDate: "20260116", Timezone: loc,
		Tasks: []string{"T1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.JobsTotal != 1 {
		t.Fatalf("expected 1 job for explicit task T1, got %d", res.JobsTotal)
	}
}

func TestRun_DryRunIsSideEffectFree(t *testing.T) {
	loc := mustLoc(t)
	now := time.Date(2026, 1, 17, 13, 0, 0, 0, loc)
	wm := &fakeWatermark{loaded: &domain.Watermark{LastEndTime: now.Add(-time.Hour)}}
	f := &fakeFetcher{records: []domain.CompletionRecord{
		{TaskName: "T1", PeriodType: domain.PeriodDaily, BatchNo: "20260116", CompleteDt: now},
	}}
	c := &fakeCounter{reports: map[string]domain.CountReport{}}
	s := &fakeSink{}

	o := New(testCatalog(), f, c, s, wm, discardLogger())
	res, err := o.Run(context.Background(), Options{
		Now: now, ResolvedDate: "20260117", Timezone: loc,
		WatermarkEnabled: true, OverlapSeconds: 600, MaxWindowHours: 24, DryRun: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", res.ExitCode)
	}
	if len(s.rows) != 0 {
		t.Fatal("dry-run must not write to the sink")
	}
	if wm.saved != nil {
		t.Fatal("dry-run must not advance the watermark")
	}
	if c.calls != 0 {
		t.Fatal("dry-run must not invoke the counter")
	}
}

func TestRun_WatermarkInitNowZeroWork(t *testing.T) {
	loc := mustLoc(t)
	now := time.Date(2026, 1, 17, 12, 0, 0, 0, loc)
	wm := &fakeWatermark{}
	f := &fakeFetcher{}
	c := &fakeCounter{reports: map[string]domain.CountReport{}}
	s := &fakeSink{}

	o := New(testCatalog(), f, c, s, wm, discardLogger())
	res, err := o.Run(context.Background(), Options{
		Now: now, ResolvedDate: "20260117", Timezone: loc,
		WatermarkEnabled: true, WatermarkInitNow: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 0 || res.JobsTotal != 0 {
		t.Fatalf("expected zero-work success, got %+v", res)
	}
	if wm.initCalls != 1 {
		t.Fatal("expected watermark InitializeTo to be called once")
	}
	if c.calls != 0 {
		t.Fatal("expected no counter invocations on cold-start init")
	}
}

func TestRun_DedupCorrectness(t *testing.T) {
	loc := mustLoc(t)
	now := time.Date(2026, 1, 17, 13, 0, 0, 0, loc)
	wm := &fakeWatermark{loaded: &domain.Watermark{LastEndTime: now.Add(-time.Hour)}}
	older := now.Add(-10 * time.Minute)
	f := &fakeFetcher{records: []domain.CompletionRecord{
		{TaskName: "T1", PeriodType: domain.PeriodDaily, BatchNo: "20260116", CompleteDt: older},
		{TaskName: "T1", PeriodType: domain.PeriodDaily, BatchNo: "20260116", CompleteDt: now},
	}}
	c := &fakeCounter{reports: map[string]domain.CountReport{}}
	s := &fakeSink{}

	o := New(testCatalog(), f, c, s, wm, discardLogger())
	res, err := o.Run(context.Background(), Options{
		Now: now, ResolvedDate: "20260117", Timezone: loc,
		WatermarkEnabled: true, OverlapSeconds: 600, MaxWindowHours: 24,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.JobsTotal != 1 {
		t.Fatalf("expected duplicates collapsed into one job, got %d", res.JobsTotal)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
