package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the coordinator.
const (
	TypeProjectCreated    = "project.created"
	TypeRunStarted        = "run.started"
	TypeRunCompleted      = "run.completed"
	TypeRunFailed         = "run.failed"
	TypeRunHalted         = "run.exception_required"
	TypeRunCanceled       = "run.canceled"
	TypeRunBlocked        = "run.blocked"
	TypePhaseStarted      = "phase.started"
	TypePhaseSkipped      = "phase.skipped"
	TypePhaseGated        = "phase.gated"
	TypeExceptionRaised   = "exception.raised"
	TypeExceptionResolved = "exception.resolved"
	TypeRolloutUpdated    = "rollout.updated"
	TypeDocumentAdded     = "document.added"
	TypeLearnerAdded      = "learner.added"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Scope ties an event to a project run.
type Scope struct {
	ProjectID     string
	RunID         string
	CorrelationID string
	ActorID       string
}

// Append writes one audit event inside tx so it commits with the state change
// it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, scope Scope, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	actor := scope.ActorID
	if actor == "" {
		actor = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,run_id,correlation_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(scope.ProjectID), nullable(scope.RunID), nullable(scope.CorrelationID), actor, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
