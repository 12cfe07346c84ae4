package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"addie/internal/domain"
	"addie/internal/events"
	"addie/internal/repo"
	"addie/internal/telemetry"
)

// DefaultExceptionSLA is used when no SLA is configured.
const DefaultExceptionSLA = 48 * time.Hour

// Priorities assigned to routed exceptions.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
)

// Priority derives an exception priority from a gate's risk score. The raise
// flow never assigns low.
func Priority(risk float64) string {
	switch {
	case risk >= 0.85:
		return PriorityCritical
	case risk >= 0.70:
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

// RaiseInput describes a gate outcome that needs human review.
type RaiseInput struct {
	Project       domain.Project
	RunID         string
	CorrelationID string
	Phase         domain.Phase
	ReasonCode    string
	ReasonMessage string
	Confidence    float64
	Risk          float64
}

// Router opens exceptions for human review.
type Router struct {
	Repo    repo.Repo
	Events  events.Writer
	Metrics *telemetry.Metrics
	SLA     time.Duration
	Now     func() time.Time
}

// Raise inserts an open exception inside tx.
func (r Router) Raise(ctx context.Context, tx *sql.Tx, in RaiseInput) (domain.Exception, error) {
	now := time.Now().UTC()
	if r.Now != nil {
		now = r.Now().UTC()
	}
	sla := r.SLA
	if sla <= 0 {
		sla = DefaultExceptionSLA
	}
	ts := now.Format(time.RFC3339)
	ex := domain.Exception{
		ID:              uuid.NewString(),
		ProjectID:       in.Project.ID,
		RunID:           in.RunID,
		Phase:           in.Phase,
		ReasonCode:      in.ReasonCode,
		ReasonMessage:   in.ReasonMessage,
		ConfidenceScore: in.Confidence,
		RiskScore:       in.Risk,
		Status:          domain.ExceptionOpen,
		Priority:        Priority(in.Risk),
		DueAt:           now.Add(sla).Format(time.RFC3339),
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}
	if err := r.Repo.InsertException(ctx, tx, ex); err != nil {
		return domain.Exception{}, err
	}
	scope := events.Scope{ProjectID: ex.ProjectID, RunID: in.RunID, CorrelationID: in.CorrelationID}
	if err := r.Events.Append(ctx, tx, events.TypeExceptionRaised, scope, events.EventPayload{
		"exception_id": ex.ID,
		"phase":        string(ex.Phase),
		"reason_code":  ex.ReasonCode,
		"priority":     ex.Priority,
		"due_at":       ex.DueAt,
	}); err != nil {
		return domain.Exception{}, err
	}
	r.Metrics.ExceptionRaised(ex.Priority)
	return ex, nil
}

func (e Engine) router() Router {
	sla := DefaultExceptionSLA
	if e.Config != nil && e.Config.Orchestrator.ExceptionSLA > 0 {
		sla = e.Config.Orchestrator.ExceptionSLA
	}
	return Router{Repo: e.Repo, Events: e.Events, Metrics: e.Metrics, SLA: sla, Now: e.Now}
}
