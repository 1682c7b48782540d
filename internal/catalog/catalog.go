// Package catalog is the Config Resolver: it parses the audit catalog
// (defaults + schedule entries), expands partition-template placeholders
// into fully-resolved audit jobs, and clamps the concurrency/thread knobs
// to the catalog's declared limits.
package catalog

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/dataplatform/hdfs-audit-orchestrator/internal/domain"
	"gopkg.in/yaml.v3"
)

// Limits bounds the orchestrator's effective parallelism.
type Limits struct {
	MaxPythonConcurrency   int `yaml:"max_python_concurrency"`
	MaxJarThreads          int `yaml:"max_jar_threads"`
	MaxEffectiveParallelism int `yaml:"max_effective_parallelism"`
}

// Defaults are the catalog-wide fallbacks applied when the CLI does not
// override concurrency/threads.
type Defaults struct {
	PythonConcurrency int        `yaml:"python_concurrency"`
	JarOptions        JarOptions `yaml:"jar_options"`
	Limits            Limits     `yaml:"limits"`
}

type JarOptions struct {
	Threads int `yaml:"threads"`
}

type yamlTableSpec struct {
	TableName         string `yaml:"table_name"`
	HDFSBasePath      string `yaml:"hdfs_base_path"`
	Format            string `yaml:"format"`
	Delimiter         string `yaml:"delimiter"`
	PartitionTemplate string `yaml:"partition_template"`
}

type yamlScheduleEntry struct {
	TaskName    string          `yaml:"task_name"`
	InterfaceID string          `yaml:"interface_id"`
	PlatformID  string          `yaml:"platform_id"`
	PartnerID   string          `yaml:"partner_id"`
	PeriodType  string          `yaml:"period_type"`
	Tables      []yamlTableSpec `yaml:"tables"`
}

type yamlCatalog struct {
	Defaults  Defaults            `yaml:"defaults"`
	Schedules []yamlScheduleEntry `yaml:"schedules"`
}

// Catalog is the parsed audit catalog, indexed by task name for O(1)
// lookup during task → job expansion.
type Catalog struct {
	Defaults  Defaults
	Schedules map[string]domain.ScheduleEntry
}

var placeholderRe = regexp.MustCompile(`\$\{(data_date|data_month|data_hour)\}`)

// Load parses the catalog at path and validates that every schedule
// entry's period_type is consistent with the placeholders its partition
// templates reference.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}

	var raw yamlCatalog
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}

	schedules := make(map[string]domain.ScheduleEntry, len(raw.Schedules))
	for _, s := range raw.Schedules {
		entry, err := toScheduleEntry(s)
		if err != nil {
			return nil, fmt.Errorf("catalog entry %q: %w", s.TaskName, err)
		}
		schedules[entry.TaskName] = entry
	}

	return &Catalog{Defaults: raw.Defaults, Schedules: schedules}, nil
}

func toScheduleEntry(s yamlScheduleEntry) (domain.ScheduleEntry, error) {
	periodType := domain.PeriodType(s.PeriodType)

	tables := make([]domain.TableSpec, 0, len(s.Tables))
	for _, t := range s.Tables {
		if err := validatePeriodAlignment(periodType, t.PartitionTemplate); err != nil {
			return domain.ScheduleEntry{}, fmt.Errorf("table %q: %w", t.TableName, err)
		}
		tables = append(tables, domain.TableSpec{
			TableName:         t.TableName,
			HDFSBasePath:      t.HDFSBasePath,
			Format:            domain.Format(t.Format),
			Delimiter:         t.Delimiter,
			PartitionTemplate: t.PartitionTemplate,
		})
	}

	return domain.ScheduleEntry{
		TaskName:    s.TaskName,
		InterfaceID: s.InterfaceID,
		PlatformID:  s.PlatformID,
		PartnerID:   s.PartnerID,
		PeriodType:  periodType,
		Tables:      tables,
	}, nil
}

// validatePeriodAlignment enforces: daily → ${data_date}; monthly →
// ${data_month}; hourly → both ${data_date} and ${data_hour}.
func validatePeriodAlignment(periodType domain.PeriodType, template string) error {
	placeholders := placeholdersIn(template)

	var required []string
	switch periodType {
	case domain.PeriodDaily:
		required = []string{"data_date"}
	case domain.PeriodMonthly:
		required = []string{"data_month"}
	case domain.PeriodHourly:
		required = []string{"data_date", "data_hour"}
	default:
		return fmt.Errorf("%w: unknown period_type %q", domain.ErrInconsistentPeriod, periodType)
	}

	for _, r := range required {
		if !placeholders[r] {
			return fmt.Errorf("%w: period_type %s requires ${%s} in partition_template %q",
				domain.ErrInconsistentPeriod, periodType, r, template)
		}
	}
	return nil
}

func placeholdersIn(template string) map[string]bool {
	found := map[string]bool{}
	for _, m := range placeholderRe.FindAllStringSubmatch(template, -1) {
		found[m[1]] = true
	}
	return found
}

// BuildJobs substitutes period fields into every table spec's partition
// template, producing one AuditJob per table. An unresolved placeholder is
// reported as a job-construction error for that table alone — it never
// aborts the rest of the batch.
func BuildJobs(entry domain.ScheduleEntry, period domain.Period, batchNo string, jarThreads int) ([]domain.AuditJob, []JobError) {
	jobs := make([]domain.AuditJob, 0, len(entry.Tables))
	var errs []JobError

	for _, t := range entry.Tables {
		partition, err := substitute(t.PartitionTemplate, period)
		if err != nil {
			errs = append(errs, JobError{TaskName: entry.TaskName, TableName: t.TableName, Err: err})
			continue
		}

		jobs = append(jobs, domain.AuditJob{
			TaskName:    entry.TaskName,
			InterfaceID: entry.InterfaceID,
			PlatformID:  entry.PlatformID,
			PartnerID:   entry.PartnerID,
			PeriodType:  entry.PeriodType,
			BatchNo:     batchNo,
			TableName:   t.TableName,
			HDFSPath:    joinHDFSPath(t.HDFSBasePath, partition),
			Format:      t.Format,
			Delimiter:   t.Delimiter,
			Period:      period,
			JarThreads:  jarThreads,
		})
	}

	return jobs, errs
}

// JobError is a per-job construction failure; the orchestrator turns each
// of these into a synthetic failed ledger row rather than aborting the run.
type JobError struct {
	TaskName  string
	TableName string
	Err       error
}

func (e JobError) Error() string {
	return fmt.Sprintf("task %s table %s: %v", e.TaskName, e.TableName, e.Err)
}

func substitute(template string, period domain.Period) (string, error) {
	// Only fields the period actually carries are substituted, so a
	// placeholder whose field is empty stays in place and is reported below.
	var pairs []string
	for _, p := range [][2]string{
		{"${data_date}", period.Date},
		{"${data_month}", period.Month},
		{"${data_hour}", period.Hour},
	} {
		if p[1] != "" {
			pairs = append(pairs, p[0], p[1])
		}
	}
	resolved := strings.NewReplacer(pairs...).Replace(template)

	if loc := placeholderRe.FindStringIndex(resolved); loc != nil {
		return "", fmt.Errorf("%w: %s", domain.ErrUnresolvedPlaceholder, resolved[loc[0]:loc[1]])
	}
	return resolved, nil
}

func joinHDFSPath(base, partition string) string {
	base = strings.TrimRight(base, "/")
	partition = strings.TrimLeft(partition, "/")
	return base + "/" + partition
}

// ClampParallelism enforces N ≤ max_python_concurrency, T ≤ max_jar_threads,
// and N × T ≤ max_effective_parallelism, reducing concurrency before
// threads so the result is deterministic for a given input.
func ClampParallelism(requestedN, requestedT int, limits Limits) (n, t int) {
	n, t = requestedN, requestedT
	if n <= 0 {
		n = 1
	}
	if t <= 0 {
		t = 1
	}

	if limits.MaxPythonConcurrency > 0 && n > limits.MaxPythonConcurrency {
		n = limits.MaxPythonConcurrency
	}
	if limits.MaxJarThreads > 0 && t > limits.MaxJarThreads {
		t = limits.MaxJarThreads
	}

	if limits.MaxEffectiveParallelism <= 0 {
		return n, t
	}

	for n > 1 && n*t > limits.MaxEffectiveParallelism {
		n--
	}
	for t > 1 && n*t > limits.MaxEffectiveParallelism {
		t--
	}
	return n, t
}

// TaskNames returns the catalog's task names in a stable, sorted order —
// used by skip-upstream mode so the resulting job list is deterministic.
func (c *Catalog) TaskNames() []string {
	names := make([]string, 0, len(c.Schedules))
	for name := range c.Schedules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
