// Package sink is the Result Sink: it appends audit result rows to the
// MySQL ledger over a small connection pool. The table is append-only, so
// writes never need transactional grouping across rows.
package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

const insertStmt = `INSERT INTO audit_results
	(task_name, interface_id, platform_id, partner_id, table_name, hdfs_path,
	 period_type, batch_no, data_date, data_month, data_hour,
	 row_count, file_count, total_size_bytes, status, error_msg, duration_ms, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Row mirrors domain.AuditResultRow without importing the domain package,
// so the sink only depends on the shapes it actually writes.
type Row struct {
	TaskName       string
	InterfaceID    string
	PlatformID     string
	PartnerID      string
	TableName      string
	HDFSPath       string
	PeriodType     string
	BatchNo        string
	DataDate       string
	DataMonth      string
	DataHour       string
	RowCount       int64
	FileCount      int
	TotalSizeBytes int64
	Status         string
	ErrorMsg       string
	DurationMS     int
	CreatedAt      time.Time
}

// Sink is a pooled MySQL append sink.
type Sink struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open connects with a conservative pool (spec calls for a small pool,
// e.g. size 5) and verifies connectivity.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Sink, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(60 * time.Second)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	return &Sink{db: db, logger: logger.With("component", "sink")}, nil
}

func (s *Sink) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Sink) Close() error {
	return s.db.Close()
}

// Append writes a single row. A write failure is returned to the caller,
// which attaches it to the job's run outcome; it never aborts other rows.
func (s *Sink) Append(ctx context.Context, row Row) error {
	_, err := s.db.ExecContext(ctx, insertStmt,
		row.TaskName, row.InterfaceID, row.PlatformID, row.PartnerID,
		row.TableName, row.HDFSPath, row.PeriodType, row.BatchNo,
		nullableString(row.DataDate), nullableString(row.DataMonth), nullableString(row.DataHour),
		row.RowCount, row.FileCount, row.TotalSizeBytes,
		row.Status, row.ErrorMsg, row.DurationMS, row.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append audit row for task %s table %s: %w", row.TaskName, row.TableName, err)
	}
	return nil
}

// AppendMany writes each row independently, continuing past individual
// failures and returning one error that aggregates every row that failed.
func (s *Sink) AppendMany(ctx context.Context, rows []Row) error {
	var failures []string
	for _, row := range rows {
		if err := s.Append(ctx, row); err != nil {
			s.logger.Error("sink write failed", "task_name", row.TaskName, "table_name", row.TableName, "error", err)
			failures = append(failures, err.Error())
		}
	}
	if len(failures) == 0 {
		return nil
	}
	payload, _ := json.Marshal(failures)
	return fmt.Errorf("%d of %d ledger writes failed: %s", len(failures), len(rows), payload)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
