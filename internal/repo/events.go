package repo

import (
	"context"

	"addie/internal/domain"
)

// ListEvents returns the audit trail of a project oldest first, optionally
// restricted to one run.
func (r Repo) ListEvents(ctx context.Context, projectID, runID string, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(project_id,''),COALESCE(run_id,''),COALESCE(correlation_id,''),actor_id,payload_json FROM events WHERE project_id=?`
	args := []any{projectID}
	if runID != "" {
		query += ` AND run_id=?`
		args = append(args, runID)
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.RunID, &e.CorrelationID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
