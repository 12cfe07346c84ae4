package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"addie/internal/domain"
)

const projectColumns = `id,org_id,name,COALESCE(description,''),status,current_phase,run_state,
COALESCE(current_run_id,''),COALESCE(current_idempotency_key,''),COALESCE(current_correlation_id,''),
run_attempt,run_started_at,run_completed_at,COALESCE(last_error_code,''),COALESCE(last_error_message,''),
autonomous_mode,phases_data,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (domain.Project, error) {
	var (
		p                    domain.Project
		phase, state         string
		startedAt, completed sql.NullString
		autonomous           int
		phasesData           string
	)
	err := row.Scan(&p.ID, &p.OrgID, &p.Name, &p.Description, &p.Status, &phase, &state,
		&p.CurrentRunID, &p.CurrentIdempotencyKey, &p.CurrentCorrelationID,
		&p.RunAttempt, &startedAt, &completed, &p.LastErrorCode, &p.LastErrorMessage,
		&autonomous, &phasesData, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.CurrentPhase = domain.Phase(phase)
	p.RunState = domain.RunState(state)
	p.RunStartedAt = stringPtr(startedAt)
	p.RunCompletedAt = stringPtr(completed)
	p.AutonomousMode = autonomous != 0
	if phasesData != "" {
		if err := json.Unmarshal([]byte(phasesData), &p.PhasesData); err != nil {
			return p, fmt.Errorf("decode phases_data for %s: %w", p.ID, err)
		}
	}
	return p, nil
}

// CreateProject inserts the project and seeds one pending PhaseRecord per phase.
func (r Repo) CreateProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	data, err := json.Marshal(p.PhasesData)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO projects(id,org_id,name,description,status,current_phase,run_state,run_attempt,autonomous_mode,phases_data,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.OrgID, p.Name, nullable(p.Description), p.Status, string(p.CurrentPhase), string(p.RunState),
		p.RunAttempt, boolInt(p.AutonomousMode), string(data), p.CreatedAt, p.UpdatedAt); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	for _, phase := range domain.AllPhases {
		if err := r.UpsertPhase(ctx, tx, domain.PhaseRecord{
			ProjectID:  p.ID,
			Phase:      phase,
			Status:     domain.PhasePending,
			GateResult: domain.GatePending,
			UpdatedAt:  p.CreatedAt,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return r.LoadProject(ctx, r.DB, id)
}

// LoadProject reads a project through q, typically an open transaction.
func (r Repo) LoadProject(ctx context.Context, q Querier, id string) (domain.Project, error) {
	return scanProject(q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context, orgID string) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	var args []any
	if orgID != "" {
		query += ` WHERE org_id=?`
		args = append(args, orgID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateProjectRun writes the run-state columns of p, guarded by a
// compare-and-swap on run_attempt. p.RunAttempt may differ from
// expectedAttempt when a fresh run bumps the counter.
func (r Repo) UpdateProjectRun(ctx context.Context, tx *sql.Tx, p domain.Project, expectedAttempt int) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET current_phase=?, run_state=?, current_run_id=?, current_idempotency_key=?,
current_correlation_id=?, run_attempt=?, run_started_at=?, run_completed_at=?, last_error_code=?, last_error_message=?, updated_at=?
WHERE id=? AND run_attempt=?`,
		string(p.CurrentPhase), string(p.RunState), nullable(p.CurrentRunID), nullable(p.CurrentIdempotencyKey),
		nullable(p.CurrentCorrelationID), p.RunAttempt, nullableStringPtr(p.RunStartedAt), nullableStringPtr(p.RunCompletedAt),
		nullable(p.LastErrorCode), nullable(p.LastErrorMessage), p.UpdatedAt,
		p.ID, expectedAttempt)
	if err != nil {
		return fmt.Errorf("update project run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.LoadProject(ctx, tx, p.ID); err != nil {
			return err
		}
		return ErrStaleRun
	}
	return nil
}

// MutatePhaseResults applies fn to the stored phase results of a project in
// a single read-modify-write.
func (r Repo) MutatePhaseResults(ctx context.Context, tx *sql.Tx, projectID, updatedAt string, fn func(*domain.PhaseResults)) (domain.PhaseResults, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT phases_data FROM projects WHERE id=?`, projectID).Scan(&raw)
	if err == sql.ErrNoRows {
		return domain.PhaseResults{}, ErrNotFound
	}
	if err != nil {
		return domain.PhaseResults{}, err
	}
	var results domain.PhaseResults
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &results); err != nil {
			return results, fmt.Errorf("decode phases_data for %s: %w", projectID, err)
		}
	}
	fn(&results)
	data, err := json.Marshal(results)
	if err != nil {
		return results, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE projects SET phases_data=?, updated_at=? WHERE id=?`, string(data), updatedAt, projectID); err != nil {
		return results, fmt.Errorf("update phases_data: %w", err)
	}
	return results, nil
}

// SetAutonomousMode flips the rollout kill-switch column.
func (r Repo) SetAutonomousMode(ctx context.Context, tx *sql.Tx, projectID string, enabled bool, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET autonomous_mode=?, updated_at=? WHERE id=?`, boolInt(enabled), updatedAt, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProject removes a project and everything that cascades from it.
func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePhaseResults is MutatePhaseResults in its own transaction.
func (r Repo) UpdatePhaseResults(ctx context.Context, projectID, updatedAt string, fn func(*domain.PhaseResults)) error {
	return r.InTx(ctx, func(tx *sql.Tx) error {
		_, err := r.MutatePhaseResults(ctx, tx, projectID, updatedAt, fn)
		return err
	})
}
