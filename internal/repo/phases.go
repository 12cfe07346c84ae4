package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"addie/internal/domain"
)

const phaseColumns = `project_id,phase,status,started_at,completed_at,output_data,confidence_score,risk_score,quality_checks,gate_result,updated_at`

func scanPhase(row rowScanner) (domain.PhaseRecord, error) {
	var (
		rec                  domain.PhaseRecord
		phase, status, gate  string
		startedAt, completed sql.NullString
		output               sql.NullString
		confidence, risk     sql.NullFloat64
		checks               string
	)
	err := row.Scan(&rec.ProjectID, &phase, &status, &startedAt, &completed, &output, &confidence, &risk, &checks, &gate, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.Phase = domain.Phase(phase)
	rec.Status = domain.PhaseStatus(status)
	rec.GateResult = domain.GateResult(gate)
	rec.StartedAt = stringPtr(startedAt)
	rec.CompletedAt = stringPtr(completed)
	rec.ConfidenceScore = floatPtr(confidence)
	rec.RiskScore = floatPtr(risk)
	if output.Valid && output.String != "" && output.String != "null" {
		if err := json.Unmarshal([]byte(output.String), &rec.OutputData); err != nil {
			return rec, fmt.Errorf("decode output_data: %w", err)
		}
	}
	if checks != "" {
		if err := json.Unmarshal([]byte(checks), &rec.QualityChecks); err != nil {
			return rec, fmt.Errorf("decode quality_checks: %w", err)
		}
	}
	if rec.QualityChecks == nil {
		rec.QualityChecks = []domain.QualityCheck{}
	}
	return rec, nil
}

func (r Repo) GetPhase(ctx context.Context, q Querier, projectID string, phase domain.Phase) (domain.PhaseRecord, error) {
	return scanPhase(q.QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM phase_records WHERE project_id=? AND phase=?`, projectID, string(phase)))
}

// ListPhases returns the project's phase records in pipeline order followed by
// the downstream phases.
func (r Repo) ListPhases(ctx context.Context, q Querier, projectID string) ([]domain.PhaseRecord, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+phaseColumns+` FROM phase_records WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byPhase := map[domain.Phase]domain.PhaseRecord{}
	for rows.Next() {
		rec, err := scanPhase(rows)
		if err != nil {
			return nil, err
		}
		byPhase[rec.Phase] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res := make([]domain.PhaseRecord, 0, len(byPhase))
	for _, phase := range domain.AllPhases {
		if rec, ok := byPhase[phase]; ok {
			res = append(res, rec)
		}
	}
	return res, nil
}

// UpsertPhase writes the full record, creating it if absent.
func (r Repo) UpsertPhase(ctx context.Context, tx *sql.Tx, rec domain.PhaseRecord) error {
	var output any
	if rec.OutputData != nil {
		b, err := json.Marshal(rec.OutputData)
		if err != nil {
			return err
		}
		output = string(b)
	}
	checks := rec.QualityChecks
	if checks == nil {
		checks = []domain.QualityCheck{}
	}
	checksJSON, err := marshalJSON(checks, "[]")
	if err != nil {
		return err
	}
	gate := rec.GateResult
	if gate == "" {
		gate = domain.GatePending
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO phase_records(`+phaseColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(project_id, phase) DO UPDATE SET status=excluded.status, started_at=excluded.started_at,
completed_at=excluded.completed_at, output_data=excluded.output_data, confidence_score=excluded.confidence_score,
risk_score=excluded.risk_score, quality_checks=excluded.quality_checks, gate_result=excluded.gate_result,
updated_at=excluded.updated_at`,
		rec.ProjectID, string(rec.Phase), string(rec.Status), nullableStringPtr(rec.StartedAt), nullableStringPtr(rec.CompletedAt),
		output, nullableFloatPtr(rec.ConfidenceScore), nullableFloatPtr(rec.RiskScore), checksJSON, string(gate), rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert phase %s: %w", rec.Phase, err)
	}
	return nil
}
