package phases

import (
	"context"
	"time"

	"github.com/google/uuid"

	"addie/internal/domain"
)

// Implementer enrolls the organization's learners into every generated course.
type Implementer struct {
	Store Store
	now   func() time.Time
}

func (im *Implementer) Execute(ctx context.Context, projectID string) (Report, error) {
	project, err := im.Store.GetProject(ctx, projectID)
	if err != nil {
		return missingOr(err)
	}
	learners, err := im.Store.ListLearners(ctx, project.OrgID)
	if err != nil {
		return Report{}, err
	}
	result := domain.ImplementResult{CourseIDs: []string{}, EnrollmentIDs: []string{}}
	if project.PhasesData.Develop != nil {
		now := timestamp(clockOf(im.now))
		for _, item := range project.PhasesData.Develop.GeneratedItems {
			result.CourseIDs = append(result.CourseIDs, item.CourseID)
			for _, learner := range learners {
				id, err := im.Store.EnsureEnrollment(ctx, domain.Enrollment{
					ID:        uuid.NewString(),
					ProjectID: projectID,
					CourseID:  item.CourseID,
					LearnerID: learner.ID,
					CreatedAt: now,
				})
				if err != nil {
					return Report{}, err
				}
				result.EnrollmentIDs = append(result.EnrollmentIDs, id)
			}
		}
	}
	err = im.Store.UpdatePhaseResults(ctx, projectID, timestamp(clockOf(im.now)), func(r *domain.PhaseResults) {
		r.Implement = &result
	})
	if err != nil {
		return missingOr(err)
	}
	return Report{Status: StatusCompleted, ComputeCost: float64(len(result.EnrollmentIDs))}, nil
}
