package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"addie/internal/domain"
)

// MaxMetricList caps ListMetrics.
const MaxMetricList = 250

// InsertMetric appends a run metric. Rows are never updated.
func (r Repo) InsertMetric(ctx context.Context, tx *sql.Tx, m domain.RunMetric) error {
	meta := "{}"
	if m.Metadata != nil {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return err
		}
		meta = string(b)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO run_metrics(id,project_id,run_id,phase,status,duration_ms,retry_count,token_cost,compute_cost,quality_score,metadata,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ProjectID, m.RunID, string(m.Phase), m.Status, m.DurationMS, m.RetryCount,
		m.TokenCost, m.ComputeCost, nullableFloatPtr(m.QualityScore), meta, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert run metric: %w", err)
	}
	return nil
}

// ListMetrics returns a project's metrics newest first, optionally restricted
// to one run. limit is clamped to MaxMetricList.
func (r Repo) ListMetrics(ctx context.Context, projectID, runID string, limit int) ([]domain.RunMetric, error) {
	if limit <= 0 || limit > MaxMetricList {
		limit = MaxMetricList
	}
	query := `SELECT id,project_id,run_id,phase,status,duration_ms,retry_count,token_cost,compute_cost,quality_score,metadata,created_at
FROM run_metrics WHERE project_id=?`
	args := []any{projectID}
	if runID != "" {
		query += ` AND run_id=?`
		args = append(args, runID)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.RunMetric{}
	for rows.Next() {
		var (
			m       domain.RunMetric
			phase   string
			quality sql.NullFloat64
			meta    string
		)
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.RunID, &phase, &m.Status, &m.DurationMS, &m.RetryCount,
			&m.TokenCost, &m.ComputeCost, &quality, &meta, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Phase = domain.Phase(phase)
		m.QualityScore = floatPtr(quality)
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode metric metadata: %w", err)
			}
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
