package repo

import (
	"context"
	"database/sql"
	"fmt"

	"addie/internal/domain"
)

// MaxExceptionList caps ListExceptions.
const MaxExceptionList = 200

const exceptionColumns = `id,project_id,COALESCE(run_id,''),phase,reason_code,reason_message,confidence_score,risk_score,
status,priority,due_at,COALESCE(resolved_by,''),COALESCE(resolution_notes,''),resolved_at,created_at,updated_at`

func scanException(row rowScanner) (domain.Exception, error) {
	var (
		ex         domain.Exception
		phase      string
		resolvedAt sql.NullString
	)
	err := row.Scan(&ex.ID, &ex.ProjectID, &ex.RunID, &phase, &ex.ReasonCode, &ex.ReasonMessage,
		&ex.ConfidenceScore, &ex.RiskScore, &ex.Status, &ex.Priority, &ex.DueAt,
		&ex.ResolvedBy, &ex.ResolutionNotes, &resolvedAt, &ex.CreatedAt, &ex.UpdatedAt)
	if err == sql.ErrNoRows {
		return ex, ErrNotFound
	}
	if err != nil {
		return ex, err
	}
	ex.Phase = domain.Phase(phase)
	ex.ResolvedAt = stringPtr(resolvedAt)
	return ex, nil
}

func (r Repo) InsertException(ctx context.Context, tx *sql.Tx, ex domain.Exception) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO exceptions(id,project_id,run_id,phase,reason_code,reason_message,confidence_score,risk_score,status,priority,due_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ex.ID, ex.ProjectID, nullable(ex.RunID), string(ex.Phase), ex.ReasonCode, ex.ReasonMessage,
		ex.ConfidenceScore, ex.RiskScore, ex.Status, ex.Priority, ex.DueAt, ex.CreatedAt, ex.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert exception: %w", err)
	}
	return nil
}

func (r Repo) GetException(ctx context.Context, q Querier, projectID, id string) (domain.Exception, error) {
	return scanException(q.QueryRowContext(ctx, `SELECT `+exceptionColumns+` FROM exceptions WHERE id=? AND project_id=?`, id, projectID))
}

// ListExceptions returns the project's exceptions newest first, optionally
// filtered by status. limit is clamped to MaxExceptionList.
func (r Repo) ListExceptions(ctx context.Context, projectID, status string, limit int) ([]domain.Exception, error) {
	if limit <= 0 || limit > MaxExceptionList {
		limit = MaxExceptionList
	}
	query := `SELECT ` + exceptionColumns + ` FROM exceptions WHERE project_id=?`
	args := []any{projectID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Exception{}
	for rows.Next() {
		ex, err := scanException(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ex)
	}
	return res, rows.Err()
}

func (r Repo) CountOpenExceptions(ctx context.Context, q Querier, projectID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM exceptions WHERE project_id=? AND status=?`, projectID, domain.ExceptionOpen).Scan(&n)
	return n, err
}

// ResolveException closes an open exception. It reports false when the
// exception was no longer open.
func (r Repo) ResolveException(ctx context.Context, tx *sql.Tx, ex domain.Exception) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE exceptions SET status=?, resolved_by=?, resolution_notes=?, resolved_at=?, updated_at=?
WHERE id=? AND project_id=? AND status=?`,
		ex.Status, nullable(ex.ResolvedBy), nullable(ex.ResolutionNotes), nullableStringPtr(ex.ResolvedAt), ex.UpdatedAt,
		ex.ID, ex.ProjectID, domain.ExceptionOpen)
	if err != nil {
		return false, fmt.Errorf("resolve exception: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
