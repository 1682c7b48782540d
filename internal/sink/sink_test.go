package sink

import (
	"context"
	"log/slog"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newTestSink(t *testing.T) (*Sink, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Sink{db: db, logger: slog.Default()}, mock
}

func TestAppend_Success(t *testing.T) {
	s, mock := newTestSink(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_results")).
		WithArgs("T1", "I1", "P1", "PR1", "orders", "/warehouse/orders/dt=20260117",
			"daily", "20260116", "20260116", nil, nil,
			int64(100), 3, int64(2048), "success", "", 500, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	row := Row{
		TaskName: "T1", InterfaceID: "I1", PlatformID: "P1", PartnerID: "PR1",
		TableName: "orders", HDFSPath: "/warehouse/orders/dt=20260117",
		PeriodType: "daily", BatchNo: "20260116", DataDate: "20260116",
		RowCount: 100, FileCount: 3, TotalSizeBytes: 2048,
		Status: "success", DurationMS: 500, CreatedAt: time.Now(),
	}

	if err := s.Append(context.Background(), row); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppend_Failure(t *testing.T) {
	s, mock := newTestSink(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_results")).
		WillReturnError(context.DeadlineExceeded)

	row := Row{TaskName: "T1", TableName: "orders", Status: "success", CreatedAt: time.Now()}
	if err := s.Append(context.Background(), row); err == nil {
		t.Fatal("expected error")
	}
}

func TestAppendMany_ContinuesPastFailure(t *testing.T) {
	s, mock := newTestSink(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_results")).
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_results")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	rows := []Row{
		{TaskName: "T1", TableName: "a", Status: "failed", CreatedAt: time.Now()},
		{TaskName: "T2", TableName: "b", Status: "success", CreatedAt: time.Now()},
	}

	err := s.AppendMany(context.Background(), rows)
	if err == nil {
		t.Fatal("expected aggregate error for the one failed row")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
