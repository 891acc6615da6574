package usecase

import "context"

// MetricsSummary represents aggregated lookup insights.
type MetricsSummary struct {
	TotalLookups         int64   `json:"total_lookups"`
	RecognizedLookups    int64   `json:"recognized_lookups"`
	RecognitionRate      float64 `json:"recognition_rate"`
	AverageTopConfidence float64 `json:"average_top_confidence"`
	AverageLatencyMs     float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates lookup metrics from the audit log.
func (uc *LookupUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return &MetricsSummary{}, nil
	}
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalLookups:         aggregation.TotalCount,
		RecognizedLookups:    aggregation.RecognizedCount,
		AverageTopConfidence: aggregation.AverageTopConfidence,
		AverageLatencyMs:     aggregation.AverageLatencyMs,
	}
	if aggregation.TotalCount > 0 {
		summary.RecognitionRate = float64(aggregation.RecognizedCount) / float64(aggregation.TotalCount)
	}
	return summary, nil
}
