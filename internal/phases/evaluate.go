package phases

import (
	"context"
	"time"

	"addie/internal/domain"
)

// Evaluator summarizes the outcome of the run so far.
type Evaluator struct {
	Store Store
	now   func() time.Time
}

func (e *Evaluator) Execute(ctx context.Context, projectID string) (Report, error) {
	project, err := e.Store.GetProject(ctx, projectID)
	if err != nil {
		return missingOr(err)
	}
	data := project.PhasesData
	summary := domain.OutcomeSummary{GeneratedAt: timestamp(clockOf(e.now))}
	if data.Ingest != nil {
		summary.Documents = data.Ingest.Indexed
	}
	if data.Analyze != nil {
		summary.Objectives = len(data.Analyze.Objectives)
	}
	if data.Implement != nil {
		summary.Courses = len(data.Implement.CourseIDs)
		summary.Enrollments = len(data.Implement.EnrollmentIDs)
	}
	err = e.Store.UpdatePhaseResults(ctx, projectID, summary.GeneratedAt, func(r *domain.PhaseResults) {
		r.Evaluate = &domain.EvaluateResult{OutcomeSummary: &summary}
	})
	if err != nil {
		return missingOr(err)
	}
	return Report{Status: StatusCompleted}, nil
}
