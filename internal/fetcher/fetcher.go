// Package fetcher is the Task Fetcher: it plans the upstream query window
// against the watermark, executes the completion-log query against
// ClickHouse with host-to-host fallback, deduplicates the result, and
// assigns the period fields each schedule entry needs.
package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/dataplatform/hdfs-audit-orchestrator/internal/domain"
)

// WindowConfig carries the knobs window planning depends on.
type WindowConfig struct {
	Enabled                bool
	OverlapSeconds         int
	MaxWindowHours         float64
	FallbackLookbackHours  float64
}

// Window is the half-open [Start, End) range the query executes against.
// ColdStart is set when the watermark is enabled but nothing is persisted
// yet, so callers can distinguish a genuine cold start from a disabled
// watermark before logging or deciding on --watermark-init-now.
type Window struct {
	Start     time.Time
	End       time.Time
	ColdStart bool
}

// PlanWindow computes the query window per the watermark/overlap/max-window
// rules. now and wm.LastEndTime are assumed to already carry the configured
// timezone's offset.
func PlanWindow(now time.Time, wm *domain.Watermark, cfg WindowConfig) Window {
	end := now

	if cfg.Enabled && wm != nil {
		rawStart := wm.LastEndTime.Add(-time.Duration(cfg.OverlapSeconds) * time.Second)
		if cfg.MaxWindowHours > 0 {
			maxDur := time.Duration(cfg.MaxWindowHours * float64(time.Hour))
			if end.Sub(rawStart) > maxDur {
				end = rawStart.Add(maxDur)
			}
		}
		return Window{Start: rawStart, End: end}
	}

	lookback := time.Duration(cfg.FallbackLookbackHours * float64(time.Hour))
	return Window{
		Start:     now.Add(-lookback),
		End:       end,
		ColdStart: cfg.Enabled && wm == nil,
	}
}

// PeriodFor assigns a Period to a completion record. For hourly records with
// a completion timestamp, both date and hour are taken from completeDt (in
// loc), whatever resolvedDate is; when no real completion timestamp exists
// (explicit-list mode, hasCompleteDt=false) the date is forced to
// resolvedDate and the hour falls back to now's hour, since the period must
// be fully resolved before a job can be built.
func PeriodFor(periodType domain.PeriodType, resolvedDate string, completeDt time.Time, hasCompleteDt bool, loc *time.Location, now time.Time) domain.Period {
	switch periodType {
	case domain.PeriodMonthly:
		month := resolvedDate
		if len(resolvedDate) >= 6 {
			month = resolvedDate[:6]
		}
		return domain.NewMonthlyPeriod(month)
	case domain.PeriodHourly:
		if hasCompleteDt {
			ts := completeDt.In(loc)
			return domain.NewHourlyPeriod(ts.Format("20060102"), ts.Format("15"))
		}
		return domain.NewHourlyPeriod(resolvedDate, now.In(loc).Format("15"))
	default:
		return domain.NewDailyPeriod(resolvedDate)
	}
}

// Client queries the completion log over a list of HA ClickHouse hosts.
type Client struct {
	hosts    []string
	database string
	user     string
	password string
	query    string
	loc      *time.Location
	logger   *slog.Logger
}

func NewClient(hosts []string, database, user, password, query string, loc *time.Location, logger *slog.Logger) *Client {
	return &Client{
		hosts:    hosts,
		database: database,
		user:     user,
		password: password,
		query:    query,
		loc:      loc,
		logger:   logger.With("component", "fetcher"),
	}
}

// Ping attempts the first reachable host, used by the preflight checker.
func (c *Client) Ping(ctx context.Context) error {
	var lastErr error
	for _, host := range c.hosts {
		conn, err := c.dial(ctx, host)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		return nil
	}
	return fmt.Errorf("no clickhouse host reachable: %w", lastErr)
}

// Fetch renders the query template for window/dataDate, runs it against the
// first reachable host, and returns the deduplicated completion records.
func (c *Client) Fetch(ctx context.Context, window Window, dataDate string) ([]domain.CompletionRecord, error) {
	rendered := renderQuery(c.query, window.Start, window.End, dataDate, c.loc)

	var lastErr error
	for _, host := range c.hosts {
		conn, err := c.dial(ctx, host)
		if err != nil {
			c.logger.Warn("clickhouse host unreachable, trying next", "host", host, "error", err)
			lastErr = err
			continue
		}

		records, err := queryRecords(ctx, conn, rendered)
		conn.Close()
		if err != nil {
			return nil, fmt.Errorf("query clickhouse host %s: %w", host, err)
		}
		return Dedupe(records), nil
	}

	return nil, fmt.Errorf("all clickhouse hosts unreachable: %w", lastErr)
}

// openConn is a package-level variable so a test can replace the ClickHouse
// connection and exercise Fetch/Ping without a live cluster; the package's
// own tests do not replace it.
var openConn = func(opts *clickhouse.Options) (clickhouse.Conn, error) {
	return clickhouse.Open(opts)
}

func (c *Client) dial(ctx context.Context, host string) (clickhouse.Conn, error) {
	conn, err := openConn(&clickhouse.Options{
		Addr: []string{host},
		Auth: clickhouse.Auth{
			Database: c.database,
			Username: c.user,
			Password: c.password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", host, err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping %s: %w", host, err)
	}
	return conn, nil
}

func queryRecords(ctx context.Context, conn clickhouse.Conn, query string) ([]domain.CompletionRecord, error) {
	rows, err := conn.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.CompletionRecord
	for rows.Next() {
		var (
			taskName   string
			periodType string
			batchNo    string
			completeDt time.Time
		)
		if err := rows.Scan(&taskName, &periodType, &batchNo, &completeDt); err != nil {
			return nil, fmt.Errorf("scan completion row: %w", err)
		}
		records = append(records, domain.CompletionRecord{
			TaskName:   taskName,
			PeriodType: domain.PeriodType(periodType),
			BatchNo:    batchNo,
			CompleteDt: completeDt,
		})
	}
	return records, rows.Err()
}

// Dedupe collapses duplicates on (task_name, period_type, batch_no),
// keeping the record with the latest complete_dt, and returns a
// deterministically ordered slice.
func Dedupe(records []domain.CompletionRecord) []domain.CompletionRecord {
	best := make(map[domain.CompletionKey]domain.CompletionRecord, len(records))
	for _, r := range records {
		key := r.Key()
		if cur, ok := best[key]; !ok || r.CompleteDt.After(cur.CompleteDt) {
			best[key] = r
		}
	}

	out := make([]domain.CompletionRecord, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskName != out[j].TaskName {
			return out[i].TaskName < out[j].TaskName
		}
		if out[i].BatchNo != out[j].BatchNo {
			return out[i].BatchNo < out[j].BatchNo
		}
		return out[i].PeriodType < out[j].PeriodType
	})
	return out
}

const clickhouseDateTimeLayout = "2006-01-02 15:04:05"

// renderQuery substitutes {start_time}, {end_time}, and {data_date} with
// quoted ClickHouse literals. Substitution is purely textual, matching the
// catalog's ${...} placeholder convention used elsewhere in the system.
func renderQuery(template string, start, end time.Time, dataDate string, loc *time.Location) string {
	replacer := strings.NewReplacer(
		"{start_time}", "'"+start.In(loc).Format(clickhouseDateTimeLayout)+"'",
		"{end_time}", "'"+end.In(loc).Format(clickhouseDateTimeLayout)+"'",
		"{data_date}", "'"+dataDate+"'",
	)
	return replacer.Replace(template)
}
