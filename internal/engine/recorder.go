package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"addie/internal/domain"
	"addie/internal/repo"
	"addie/internal/telemetry"
)

// MetricInput describes one phase attempt to record.
type MetricInput struct {
	ProjectID    string
	RunID        string
	Phase        domain.Phase
	Status       string
	Started      time.Time
	Retries      int
	TokenCost    float64
	ComputeCost  float64
	QualityScore *float64
	Metadata     map[string]any
}

// Recorder appends run metrics. Durations are measured on the monotonic
// clock from MetricInput.Started.
type Recorder struct {
	Repo    repo.Repo
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

func (r Recorder) Record(ctx context.Context, tx *sql.Tx, in MetricInput) (domain.RunMetric, error) {
	var elapsed time.Duration
	if !in.Started.IsZero() {
		elapsed = time.Since(in.Started)
	}
	if elapsed < 0 {
		elapsed = 0
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	m := domain.RunMetric{
		ID:           uuid.NewString(),
		ProjectID:    in.ProjectID,
		RunID:        in.RunID,
		Phase:        in.Phase,
		Status:       in.Status,
		DurationMS:   elapsed.Milliseconds(),
		RetryCount:   in.Retries,
		TokenCost:    in.TokenCost,
		ComputeCost:  in.ComputeCost,
		QualityScore: in.QualityScore,
		Metadata:     in.Metadata,
		CreatedAt:    now().UTC().Format(time.RFC3339),
	}
	if err := r.Repo.InsertMetric(ctx, tx, m); err != nil {
		return domain.RunMetric{}, err
	}
	if in.Status != domain.MetricSkipped {
		r.Metrics.ObservePhase(string(in.Phase), in.Status, elapsed)
	}
	return m, nil
}

func (e Engine) recorder() Recorder {
	return Recorder{Repo: e.Repo, Metrics: e.Metrics, Now: e.Now}
}
