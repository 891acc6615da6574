package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/face-lookup/internal/logging"
	"github.com/example/face-lookup/internal/retry"
)

type transientTestError struct{}

func (transientTestError) Error() string   { return "transient" }
func (transientTestError) Timeout() bool   { return true }
func (transientTestError) Temporary() bool { return true }

func newTestRepository(attempts int) *LookupRepository {
	return &LookupRepository{
		logger: zap.NewNop(),
		policy: retry.Policy{Attempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	}
}

func TestExecuteWithRetryRetriesTransientErrors(t *testing.T) {
	repo := newTestRepository(3)

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "req-1", func() error {
		attempts++
		if attempts < 2 {
			return transientTestError{}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestExecuteWithRetryReturnsOperationError(t *testing.T) {
	repo := newTestRepository(2)

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "req-2", func() error {
		attempts++
		return errors.New("boom")
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}

	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "test.operation" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
	if opErr.RequestID != "req-2" {
		t.Fatalf("unexpected request id: %s", opErr.RequestID)
	}
}

func TestLookupLogTableName(t *testing.T) {
	if got := (LookupLog{}).TableName(); got != "lookup_logs" {
		t.Fatalf("unexpected table name %q", got)
	}
}

func newDryRunDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{DSN: "host=127.0.0.1 user=lookup dbname=lookup sslmode=disable"}), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
		Logger:               gormlogger.Discard,
	})
	if err != nil {
		t.Fatalf("failed to open dry-run db: %v", err)
	}
	return db
}

func TestDuplicatesQueryExcludesRequestAndOrdersNewestFirst(t *testing.T) {
	db := newDryRunDB(t)

	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		var logs []*LookupLog
		return duplicatesQuery(tx, "3f786850e387550fdab836ed7e6dc881de23001b", "req-1").Find(&logs)
	})

	for _, want := range []string{
		`FROM "lookup_logs"`,
		`sha1_hash = '3f786850e387550fdab836ed7e6dc881de23001b'`,
		`request_id <> 'req-1'`,
		"ORDER BY created_at DESC",
		"LIMIT 100",
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("duplicates query is missing %q: %s", want, sql)
		}
	}
}

func TestMetricsQueryCountsRecognizedLookups(t *testing.T) {
	db := newDryRunDB(t)

	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		var aggregation MetricsAggregation
		return metricsQuery(tx).Find(&aggregation)
	})

	for _, want := range []string{
		"COUNT(*) AS total_count",
		"SUM(CASE WHEN not_found THEN 0 ELSE 1 END), 0) AS recognized_count",
		"AVG(top_confidence), 0) AS average_top_confidence",
		"AVG(latency_ms), 0) AS average_latency_ms",
		`FROM "lookup_logs"`,
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("metrics query is missing %q: %s", want, sql)
		}
	}
	if strings.Contains(sql, "WHERE") {
		t.Fatalf("metrics must cover every lookup: %s", sql)
	}
}
