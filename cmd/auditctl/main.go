package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dataplatform/hdfs-audit-orchestrator/internal/catalog"
	"github.com/dataplatform/hdfs-audit-orchestrator/internal/config"
	"github.com/dataplatform/hdfs-audit-orchestrator/internal/counter"
	"github.com/dataplatform/hdfs-audit-orchestrator/internal/dbconfig"
	"github.com/dataplatform/hdfs-audit-orchestrator/internal/fetcher"
	"github.com/dataplatform/hdfs-audit-orchestrator/internal/health"
	"github.com/dataplatform/hdfs-audit-orchestrator/internal/metrics"
	"github.com/dataplatform/hdfs-audit-orchestrator/internal/orchestrator"
	"github.com/dataplatform/hdfs-audit-orchestrator/internal/runid"
	"github.com/dataplatform/hdfs-audit-orchestrator/internal/runlog"
	"github.com/dataplatform/hdfs-audit-orchestrator/internal/sink"
	"github.com/dataplatform/hdfs-audit-orchestrator/internal/watermark"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// runFlags mirrors the CLI surface; no global mutable flag variables are
// read outside this package.
type runFlags struct {
	date           string
	tasks          []string
	skipClickhouse bool
	concurrency    int
	dryRun         bool

	hoursLookback          float64
	watermarkPath          string
	watermarkOverlapSec    int
	watermarkMaxWindowHrs  float64
	watermarkInitNow       bool
	watermarkReset         bool
	disableWatermark       bool

	catalogPath   string
	dbConfigPath  string
	jarPath       string
	javaHome      string
	hadoopConfDir string

	metricsAddr    string
	timeoutSeconds int
	logFormat      string
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(cfg).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:   "auditctl",
		Short: "Scheduled data-audit orchestrator for the HDFS warehouse",
	}

	var flags runFlags
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one audit orchestration pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), cfg, flags)
		},
	}
	registerFlags(runCmd, &flags, cfg)
	root.AddCommand(runCmd)
	return root
}

func registerFlags(cmd *cobra.Command, f *runFlags, cfg *config.Config) {
	fl := cmd.Flags()
	fl.StringVarP(&f.date, "date", "d", "", "Override resolved business date (YYYYMMDD, default yesterday)")
	fl.StringSliceVarP(&f.tasks, "tasks", "t", nil, "Explicit-list mode: comma-separated task names")
	fl.BoolVar(&f.skipClickhouse, "skip-clickhouse", false, "Skip-upstream mode: build jobs from every catalog entry")
	fl.IntVarP(&f.concurrency, "concurrency", "n", 0, "Override effective concurrency N (still clamped)")
	fl.BoolVar(&f.dryRun, "dry-run", false, "Build and print the job list; perform no work")

	fl.Float64Var(&f.hoursLookback, "hours-lookback", cfg.HoursLookback, "Cold-start/fallback window size in hours")
	fl.StringVar(&f.watermarkPath, "watermark-path", "", "Override watermark file path")
	fl.IntVar(&f.watermarkOverlapSec, "watermark-overlap-seconds", cfg.WatermarkOverlapSeconds, "Overlap for rescan, in seconds")
	fl.Float64Var(&f.watermarkMaxWindowHrs, "watermark-max-window-hours", cfg.WatermarkMaxWindowHours, "Catch-up cap, in hours")
	fl.BoolVar(&f.watermarkInitNow, "watermark-init-now", false, "On first use, write now and exit")
	fl.BoolVar(&f.watermarkReset, "watermark-reset", false, "Delete the watermark file before running")
	fl.BoolVar(&f.disableWatermark, "disable-watermark", false, "Ignore watermark for this run")

	fl.StringVarP(&f.catalogPath, "config", "c", "", "Audit catalog path")
	fl.StringVar(&f.dbConfigPath, "db-config", "", "DB/upstream config path")
	fl.StringVar(&f.jarPath, "jar", "", "Counter subprocess artifact path (overrides db-config)")
	fl.StringVar(&f.javaHome, "java-home", "", "JAVA_HOME passed through to the subprocess")
	fl.StringVar(&f.hadoopConfDir, "hadoop-conf-dir", "", "HADOOP_CONF_DIR passed through to the subprocess")

	fl.StringVar(&f.metricsAddr, "metrics-addr", cfg.MetricsAddr, "If set, serve Prometheus metrics on this address for the run")
	fl.IntVar(&f.timeoutSeconds, "timeout-seconds", 0, "Per-job counter subprocess wall-clock timeout in seconds; 0 = use COUNTER_TIMEOUT_SECONDS (unbounded when that is 0 too)")
	fl.StringVar(&f.logFormat, "log-format", "", "Force log encoding: text|json (default auto-selects by environment)")

	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("db-config")
}

func runOnce(ctx context.Context, cfg *config.Config, f runFlags) error {
	logger := newLogger(cfg.Env, cfg.SlogLevel(), f.logFormat)

	id := runid.New()
	ctx = runid.WithRunID(ctx, id)
	logger = logger.With("run_id", id)

	metrics.Register()

	var metricsSrv *http.Server
	if f.metricsAddr != "" {
		metricsSrv = metrics.NewServer(f.metricsAddr)
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	dbCfg, err := dbconfig.Load(f.dbConfigPath)
	if err != nil {
		return fmt.Errorf("load db config: %w", err)
	}
	if f.jarPath != "" {
		dbCfg.Counter.JarPath = f.jarPath
	}
	if f.javaHome != "" {
		dbCfg.Counter.JavaHome = f.javaHome
	}
	if f.hadoopConfDir != "" {
		dbCfg.Counter.HadoopConfDir = f.hadoopConfDir
	}

	loc, err := time.LoadLocation(dbCfg.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone %s: %w", dbCfg.Timezone, err)
	}

	cat, err := catalog.Load(f.catalogPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	now := time.Now().In(loc)
	resolvedDate := f.date
	if resolvedDate == "" {
		resolvedDate = now.AddDate(0, 0, -1).Format("20060102")
	}

	wmPath := watermark.Path(f.watermarkPath, f.catalogPath)
	wmStore := watermark.New(wmPath, logger)

	sinkClient, err := sink.Open(ctx, dbCfg.MySQL.DSN(), logger)
	if err != nil {
		return fmt.Errorf("open mysql sink: %w", err)
	}
	defer sinkClient.Close()

	fetcherClient := fetcher.NewClient(dbCfg.ClickHouse.Hosts, dbCfg.ClickHouse.Database,
		dbCfg.ClickHouse.User, dbCfg.ClickHouse.Password, dbCfg.ClickHouse.Query, loc, logger)

	counterDriver := counter.NewDriver(dbCfg.Counter.JarPath, dbCfg.Counter.JavaHome, dbCfg.Counter.HadoopConfDir, logger)

	skippingUpstream := f.skipClickhouse || len(f.tasks) > 0
	if !skippingUpstream {
		checker := health.NewChecker(sinkClient, fetcherClient, logger, prometheus.DefaultRegisterer)
		checker.Run(ctx)
	}

	orch := orchestrator.New(cat, fetcherClient, counterDriver, sinkClient, wmStore, logger)

	opts := orchestrator.Options{
		Now:                   now,
		ResolvedDate:          resolvedDate,
		Timezone:              loc,
		Tasks:                 f.tasks,
		SkipClickhouse:        f.skipClickhouse,
		Concurrency:           f.concurrency,
		DryRun:                f.dryRun,
		WatermarkEnabled:      !f.disableWatermark,
		WatermarkReset:        f.watermarkReset,
		WatermarkInitNow:      f.watermarkInitNow,
		OverlapSeconds:        f.watermarkOverlapSec,
		MaxWindowHours:        f.watermarkMaxWindowHrs,
		FallbackLookbackHours: f.hoursLookback,
		AdvanceOnFailure:      cfg.AdvanceOnFailure,
		CounterTimeout:        timeoutFrom(f.timeoutSeconds, cfg.CounterTimeoutSeconds),
	}

	result, runErr := orch.Run(ctx, opts)
	logger.Info("run complete",
		"mode", result.Mode,
		"jobs_total", result.JobsTotal,
		"jobs_succeeded", result.JobsSucceeded,
		"jobs_failed", result.JobsFailed,
		"cancelled", result.Cancelled,
		"watermark_advanced", result.WatermarkAdvanced,
		"exit_code", result.ExitCode,
	)
	if runErr != nil {
		logger.Error("run failed", "error", runErr)
		return runErr
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("run exited with failures (exit_code=%d)", result.ExitCode)
	}
	return nil
}

func timeoutFrom(flagSeconds, cfgSeconds int) time.Duration {
	seconds := flagSeconds
	if seconds == 0 {
		seconds = cfgSeconds
	}
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func newLogger(env string, level slog.Level, forceFormat string) *slog.Logger {
	useJSON := env != "local"
	switch forceFormat {
	case "json":
		useJSON = true
	case "text":
		useJSON = false
	}

	var inner slog.Handler
	if useJSON {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	}
	return slog.New(runlog.NewContextHandler(inner))
}
