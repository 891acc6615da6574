package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/face-lookup/internal/retry"
)

const maxDuplicates = 100

// LookupLog is the audit record of one face lookup.
type LookupLog struct {
	ID             uint      `gorm:"primaryKey"`
	RequestID      string    `gorm:"column:request_id;uniqueIndex;size:64"`
	OperatorID     string    `gorm:"column:operator_id;index;size:64"`
	Source         string    `gorm:"column:source;size:16"`
	SHA1Hash       string    `gorm:"column:sha1_hash;index;size:40"`
	CandidateCount int       `gorm:"column:candidate_count"`
	ResolvedCount  int       `gorm:"column:resolved_count"`
	NotFound       bool      `gorm:"column:not_found"`
	Outcome        string    `gorm:"column:outcome;size:32"`
	TopConfidence  float64   `gorm:"column:top_confidence"`
	LatencyMs      int64     `gorm:"column:latency_ms"`
	Matches        string    `gorm:"column:matches;type:text"`
	CreatedAt      time.Time `gorm:"column:created_at;index"`
}

func (LookupLog) TableName() string {
	return "lookup_logs"
}

// MetricsAggregation holds raw totals computed by the database.
type MetricsAggregation struct {
	TotalCount           int64
	RecognizedCount      int64
	AverageTopConfidence float64
	AverageLatencyMs     float64
}

// LookupRepository persists lookup audit records in PostgreSQL.
type LookupRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	policy retry.Policy
}

func NewLookupRepository(db *gorm.DB, logger *zap.Logger) *LookupRepository {
	return &LookupRepository{db: db, logger: logger.Named("lookup_repository"), policy: retry.DefaultPolicy}
}

// AutoMigrate ensures the schema is available.
func (r *LookupRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&LookupLog{})
	})
}

func (r *LookupRepository) SaveLog(ctx context.Context, log *LookupLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

func (r *LookupRepository) FindByRequestID(ctx context.Context, requestID string) (*LookupLog, error) {
	var log LookupLog
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// FindDuplicatesByHash lists other lookups that submitted the same image, newest first.
func (r *LookupRepository) FindDuplicatesByHash(ctx context.Context, hash, excludeRequestID string) ([]*LookupLog, error) {
	var logs []*LookupLog
	err := r.executeWithRetry(ctx, "repository.find_duplicates", excludeRequestID, func() error {
		return duplicatesQuery(r.db.WithContext(ctx), hash, excludeRequestID).Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func (r *LookupRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var aggregation MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return metricsQuery(r.db.WithContext(ctx)).Scan(&aggregation).Error
	})
	if err != nil {
		return nil, err
	}
	return &aggregation, nil
}

func duplicatesQuery(tx *gorm.DB, hash, excludeRequestID string) *gorm.DB {
	return tx.Model(&LookupLog{}).
		Where("sha1_hash = ? AND request_id <> ?", hash, excludeRequestID).
		Order("created_at DESC").
		Limit(maxDuplicates)
}

// metricsQuery counts a lookup as recognized when at least one candidate resolved to a person.
func metricsQuery(tx *gorm.DB) *gorm.DB {
	return tx.Model(&LookupLog{}).
		Select(`COUNT(*) AS total_count,
			COALESCE(SUM(CASE WHEN not_found THEN 0 ELSE 1 END), 0) AS recognized_count,
			COALESCE(AVG(top_confidence), 0) AS average_top_confidence,
			COALESCE(AVG(latency_ms), 0) AS average_latency_ms`)
}

func (r *LookupRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	return retry.Do(ctx, r.logger, r.policy, operation, requestID, fn)
}

// IsNotFound reports whether err means no row matched.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
