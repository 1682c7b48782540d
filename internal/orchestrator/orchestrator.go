// Package orchestrator drives one end-to-end orchestrator invocation: mode
// selection, window planning, job expansion, bounded-concurrency counting,
// ledger writes, and watermark advancement.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dataplatform/hdfs-audit-orchestrator/internal/catalog"
	"github.com/dataplatform/hdfs-audit-orchestrator/internal/domain"
	"github.com/dataplatform/hdfs-audit-orchestrator/internal/fetcher"
	"github.com/dataplatform/hdfs-audit-orchestrator/internal/metrics"
	"github.com/dataplatform/hdfs-audit-orchestrator/internal/sink"
)

// maxErrorMsgBytes bounds the ledger's error_msg column, matching the
// truncation bound the counter package applies to its own synthetic
// failure messages.
const maxErrorMsgBytes = 4 << 10

// Mode is the orchestrator's task-source selection for one run.
type Mode string

const (
	ModeExplicitList Mode = "explicit-list"
	ModeSkipUpstream Mode = "skip-upstream"
	ModeUpstream     Mode = "upstream"
)

// Fetcher is satisfied by *fetcher.Client.
type Fetcher interface {
	Fetch(ctx context.Context, window fetcher.Window, dataDate string) ([]domain.CompletionRecord, error)
}

// Counter is satisfied by *counter.Driver.
type Counter interface {
	Count(ctx context.Context, job domain.AuditJob, timeout time.Duration) domain.CountReport
}

// Sink is satisfied by *sink.Sink.
type Sink interface {
	Append(ctx context.Context, row sink.Row) error
}

// WatermarkStore is satisfied by *watermark.Store.
type WatermarkStore interface {
	Load() (*domain.Watermark, error)
	Save(end time.Time) error
	InitializeTo(now time.Time) error
	Reset() error
}

// Options are the resolved inputs of one run, assembled by cmd/auditctl
// from CLI flags, the catalog, and the ambient config.
type Options struct {
	Now          time.Time
	ResolvedDate string // YYYYMMDD
	Timezone     *time.Location

	Tasks          []string // non-empty → explicit-list mode
	SkipClickhouse bool

	Concurrency int // 0 → catalog default
	DryRun      bool

	WatermarkEnabled bool
	WatermarkReset   bool
	WatermarkInitNow bool

	OverlapSeconds        int
	MaxWindowHours        float64
	FallbackLookbackHours float64
	AdvanceOnFailure      bool

	CounterTimeout time.Duration
}

// Result summarizes one run for logging and exit-code computation.
type Result struct {
	ExitCode          int
	Mode              Mode
	JobsTotal         int
	JobsSucceeded     int
	JobsFailed        int
	Cancelled         bool
	FetchFailed       bool
	WatermarkAdvanced bool
}

type Orchestrator struct {
	catalog   *catalog.Catalog
	fetcher   Fetcher
	counter   Counter
	sink      Sink
	watermark WatermarkStore
	logger    *slog.Logger
}

func New(cat *catalog.Catalog, f Fetcher, c Counter, s Sink, wm WatermarkStore, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		catalog:   cat,
		fetcher:   f,
		counter:   c,
		sink:      s,
		watermark: wm,
		logger:    logger.With("component", "orchestrator"),
	}
}

func resolveMode(opts Options) Mode {
	if len(opts.Tasks) > 0 {
		return ModeExplicitList
	}
	if opts.SkipClickhouse {
		return ModeSkipUpstream
	}
	return ModeUpstream
}

// Run executes one orchestrator invocation end to end.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (Result, error) {
	start := time.Now()
	mode := resolveMode(opts)
	result := Result{Mode: mode}

	if opts.WatermarkReset && !opts.DryRun {
		if err := o.watermark.Reset(); err != nil {
			result.ExitCode = 1
			return o.finish(result, fmt.Errorf("reset watermark: %w", err), start)
		}
	}

	var window fetcher.Window
	if mode == ModeUpstream && opts.WatermarkEnabled {
		wm, err := o.watermark.Load()
		if err != nil {
			result.ExitCode = 1
			return o.finish(result, fmt.Errorf("load watermark: %w", err), start)
		}
		if wm == nil && opts.WatermarkInitNow {
			if !opts.DryRun {
				if err := o.watermark.InitializeTo(opts.Now); err != nil {
					result.ExitCode = 1
					return o.finish(result, fmt.Errorf("initialize watermark: %w", err), start)
				}
			}
			result.ExitCode = 0
			o.logger.Info("watermark initialized, no work performed", "last_end_time", opts.Now)
			return o.finish(result, nil, start)
		}
		window = fetcher.PlanWindow(opts.Now, wm, fetcher.WindowConfig{
			Enabled:               true,
			OverlapSeconds:        opts.OverlapSeconds,
			MaxWindowHours:        opts.MaxWindowHours,
			FallbackLookbackHours: opts.FallbackLookbackHours,
		})
	} else if mode == ModeUpstream {
		window = fetcher.PlanWindow(opts.Now, nil, fetcher.WindowConfig{
			Enabled:               false,
			FallbackLookbackHours: opts.FallbackLookbackHours,
		})
	}

	if mode == ModeUpstream {
		metrics.FetchWindowHours.Set(window.End.Sub(window.Start).Hours())
	}

	records, fetchErr := o.collectRecords(ctx, mode, opts, window)
	if fetchErr != nil {
		metrics.FetchFailuresTotal.Inc()
		result.FetchFailed = true
		result.ExitCode = 1
		return o.finish(result, fmt.Errorf("fetch completion records: %w", fetchErr), start)
	}
	metrics.CompletionRecordsFetched.Set(float64(len(records)))

	jobs := o.buildJobs(records, opts)
	result.JobsTotal = len(jobs)

	n, t := catalog.ClampParallelism(o.effectiveConcurrency(opts), o.catalog.Defaults.JarOptions.Threads, o.catalog.Defaults.Limits)
	for i := range jobs {
		jobs[i].JarThreads = t
	}

	if opts.DryRun {
		o.logger.Info("dry run: job list built, no execution", "job_count", len(jobs), "concurrency", n, "threads", t)
		for _, j := range jobs {
			o.logger.Info("dry run job", "task_name", j.TaskName, "table_name", j.TableName,
				"hdfs_path", j.HDFSPath, "format", j.Format, "threads", j.JarThreads)
		}
		result.ExitCode = 0
		return o.finish(result, nil, start)
	}

	reports := o.dispatch(ctx, jobs, n, opts.CounterTimeout)

	succeeded, failed := 0, 0
	for _, r := range reports {
		if r.report.Status == domain.StatusSuccess {
			succeeded++
		} else {
			failed++
		}
	}
	result.JobsSucceeded = succeeded
	result.JobsFailed = failed
	result.Cancelled = ctx.Err() != nil

	if result.Cancelled || failed > 0 {
		result.ExitCode = 1
	}

	if mode == ModeUpstream && opts.WatermarkEnabled && !result.Cancelled && !result.FetchFailed &&
		(failed == 0 || opts.AdvanceOnFailure) {
		if err := o.watermark.Save(window.End); err != nil {
			o.logger.Error("watermark save failed", "error", err)
			result.ExitCode = 1
			return o.finish(result, fmt.Errorf("save watermark: %w", err), start)
		}
		result.WatermarkAdvanced = true
		metrics.WatermarkAdvancedTotal.Inc()
		metrics.WatermarkLastEndTime.Set(float64(window.End.Unix()))
	}

	return o.finish(result, nil, start)
}

func (o *Orchestrator) finish(result Result, err error, start time.Time) (Result, error) {
	metrics.RunDuration.Observe(time.Since(start).Seconds())
	outcome := "success"
	switch {
	case result.Cancelled:
		outcome = "cancelled"
	case result.ExitCode != 0:
		outcome = "failure"
	}
	metrics.RunsTotal.WithLabelValues(outcome).Inc()
	return result, err
}

func (o *Orchestrator) effectiveConcurrency(opts Options) int {
	if opts.Concurrency > 0 {
		return opts.Concurrency
	}
	return o.catalog.Defaults.PythonConcurrency
}

// collectRecords resolves the completion-record source per mode: a real
// fetch in upstream mode, or synthetic records built straight from the
// catalog in the other two modes (no completion timestamp available).
func (o *Orchestrator) collectRecords(ctx context.Context, mode Mode, opts Options, window fetcher.Window) ([]domain.CompletionRecord, error) {
	switch mode {
	case ModeUpstream:
		return o.fetcher.Fetch(ctx, window, opts.ResolvedDate)

	case ModeExplicitList:
		records := make([]domain.CompletionRecord, 0, len(opts.Tasks))
		for _, taskName := range opts.Tasks {
			entry, ok := o.catalog.Schedules[taskName]
			if !ok {
				o.logger.Warn("explicit task not found in catalog, skipping", "task_name", taskName)
				continue
			}
			records = append(records, domain.CompletionRecord{
				TaskName:   taskName,
				PeriodType: entry.PeriodType,
				BatchNo:    opts.ResolvedDate,
			})
		}
		return records, nil

	default: // ModeSkipUpstream
		names := o.catalog.TaskNames()
		records := make([]domain.CompletionRecord, 0, len(names))
		for _, name := range names {
			entry := o.catalog.Schedules[name]
			records = append(records, domain.CompletionRecord{
				TaskName:   name,
				PeriodType: entry.PeriodType,
				BatchNo:    opts.ResolvedDate,
			})
		}
		return records, nil
	}
}

// buildJobs expands each completion record against its catalog entry into
// zero or more audit jobs; per-job placeholder errors become synthetic
// failed jobs rather than aborting the batch.
func (o *Orchestrator) buildJobs(records []domain.CompletionRecord, opts Options) []domain.AuditJob {
	var jobs []domain.AuditJob

	for _, rec := range records {
		entry, ok := o.catalog.Schedules[rec.TaskName]
		if !ok {
			o.logger.Warn("completion record references unknown task, skipping", "task_name", rec.TaskName)
			continue
		}

		hasCompleteDt := !rec.CompleteDt.IsZero()
		period := fetcher.PeriodFor(rec.PeriodType, opts.ResolvedDate, rec.CompleteDt, hasCompleteDt, opts.Timezone, opts.Now)

		built, jobErrs := catalog.BuildJobs(entry, period, rec.BatchNo, o.catalog.Defaults.JarOptions.Threads)
		for _, je := range jobErrs {
			metrics.JobsBuiltTotal.WithLabelValues("placeholder_error").Inc()
			o.logger.Error("job construction failed", "task_name", je.TaskName, "table_name", je.TableName, "error", je.Err)
		}
		metrics.JobsBuiltTotal.WithLabelValues("ok").Add(float64(len(built)))
		jobs = append(jobs, built...)
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].TaskName != jobs[j].TaskName {
			return jobs[i].TaskName < jobs[j].TaskName
		}
		return jobs[i].TableName < jobs[j].TableName
	})
	return jobs
}

type jobOutcome struct {
	job    domain.AuditJob
	report domain.CountReport
}

// dispatch runs jobs under bounded concurrency n. Ordering among
// completions is not guaranteed; aggregation is commutative. On
// cancellation, workers finish the job they're holding (Counter.Count
// observes ctx cancellation and kills its subprocess) but no new job is
// started.
func (o *Orchestrator) dispatch(ctx context.Context, jobs []domain.AuditJob, n int, timeout time.Duration) []jobOutcome {
	if n < 1 {
		n = 1
	}

	jobCh := make(chan domain.AuditJob)
	resultCh := make(chan jobOutcome, len(jobs))

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				resultCh <- o.runOne(ctx, job, timeout)
			}
		}()
	}

	go func() {
		defer close(jobCh)
		for _, job := range jobs {
			select {
			case jobCh <- job:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	outcomes := make([]jobOutcome, 0, len(jobs))
	for r := range resultCh {
		outcomes = append(outcomes, r)
	}
	return outcomes
}

func (o *Orchestrator) runOne(ctx context.Context, job domain.AuditJob, timeout time.Duration) jobOutcome {
	start := time.Now()
	report := o.counter.Count(ctx, job, timeout)
	metrics.CounterDuration.WithLabelValues(string(report.Status)).Observe(time.Since(start).Seconds())
	metrics.JobsCountedTotal.WithLabelValues(string(report.Status)).Inc()

	row := rowFromReport(job, report)
	if err := o.sink.Append(ctx, row); err != nil {
		metrics.SinkWritesTotal.WithLabelValues("error").Inc()
		o.logger.Error("ledger write failed", "task_name", job.TaskName, "table_name", job.TableName, "error", err)
	} else {
		metrics.SinkWritesTotal.WithLabelValues("ok").Inc()
	}

	return jobOutcome{job: job, report: report}
}

func rowFromReport(job domain.AuditJob, report domain.CountReport) sink.Row {
	errMsg := ""
	if len(report.Errors) > 0 {
		if encoded, err := json.Marshal(report.Errors); err == nil {
			errMsg = truncate(string(encoded), maxErrorMsgBytes)
		} else {
			errMsg = truncate(fmt.Sprintf("%v", report.Errors), maxErrorMsgBytes)
		}
	}

	return sink.Row{
		TaskName:       job.TaskName,
		InterfaceID:    job.InterfaceID,
		PlatformID:     job.PlatformID,
		PartnerID:      job.PartnerID,
		TableName:      job.TableName,
		HDFSPath:       job.HDFSPath,
		PeriodType:     string(job.PeriodType),
		BatchNo:        job.BatchNo,
		DataDate:       job.Period.Date,
		DataMonth:      job.Period.Month,
		DataHour:       job.Period.Hour,
		RowCount:       report.RowCount,
		FileCount:      report.FileCount,
		TotalSizeBytes: report.TotalSizeBytes,
		Status:         string(report.Status),
		ErrorMsg:       errMsg,
		DurationMS:     report.DurationMS,
		CreatedAt:      time.Now(),
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
