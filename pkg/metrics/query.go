package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// Stats is an aggregate view of recent orchestrator activity.
type Stats struct {
	Window           time.Duration      `json:"window"`
	FinishedByState  map[string]float64 `json:"finished_by_state"`
	EventsByResult   map[string]float64 `json:"events_by_result"`
	TokensByProvider map[string]float64 `json:"tokens_by_provider"`
	ActiveJobs       float64            `json:"active_jobs"`
}

// QueryService provides methods to query metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetStats aggregates the last window of metrics.
func (q *QueryService) GetStats(ctx context.Context, window time.Duration) (*Stats, error) {
	rng := model.Duration(window).String()
	stats := &Stats{Window: window}

	var err error
	stats.FinishedByState, err = q.sumBy(ctx,
		fmt.Sprintf(`sum by (state) (increase(%s_jobs_finished_total[%s]))`, namespace, rng), "state")
	if err != nil {
		return nil, fmt.Errorf("failed to query finished jobs: %w", err)
	}

	stats.EventsByResult, err = q.sumBy(ctx,
		fmt.Sprintf(`sum by (result) (increase(%s_events_routed_total[%s]))`, namespace, rng), "result")
	if err != nil {
		return nil, fmt.Errorf("failed to query routed events: %w", err)
	}

	stats.TokensByProvider, err = q.sumBy(ctx,
		fmt.Sprintf(`sum by (provider) (increase(%s_workunit_tokens_total[%s]))`, namespace, rng), "provider")
	if err != nil {
		return nil, fmt.Errorf("failed to query token usage: %w", err)
	}

	result, _, err := q.queryAPI.Query(ctx, fmt.Sprintf(`sum(%s_active_jobs)`, namespace), time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query active jobs: %w", err)
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		stats.ActiveJobs = float64(vector[0].Value)
	}

	return stats, nil
}

// sumBy runs an instant query and indexes the resulting vector by label.
func (q *QueryService) sumBy(ctx context.Context, query string, label model.LabelName) (map[string]float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return nil, err //nolint:wrapcheck // wrapped by caller
	}
	out := make(map[string]float64)
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			out[string(sample.Metric[label])] = float64(sample.Value)
		}
	}
	return out, nil
}
