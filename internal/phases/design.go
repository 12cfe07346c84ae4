package phases

import (
	"context"
	"fmt"
	"sort"
	"time"

	"addie/internal/domain"
)

// Designer turns improvement objectives into learning objectives and an
// assessment strategy spanning the observed Bloom levels.
type Designer struct {
	Store Store
	now   func() time.Time
}

func (d *Designer) Execute(ctx context.Context, projectID string) (Report, error) {
	project, err := d.Store.GetProject(ctx, projectID)
	if err != nil {
		return missingOr(err)
	}
	result := domain.DesignResult{LearningObjectives: []domain.LearningObjective{}}
	analysis := project.PhasesData.Analyze
	if analysis != nil && len(analysis.Objectives) > 0 {
		for _, obj := range analysis.Objectives {
			result.LearningObjectives = append(result.LearningObjectives, domain.LearningObjective{
				DocumentID: obj.DocumentID,
				Title:      obj.Title,
				Objective:  obj.Objective,
			})
		}
		result.AssessmentStrategy = &domain.AssessmentStrategy{
			Levels: assessmentLevels(analysis.BloomDistribution),
			Note:   "formative check per module, summative assessment per course",
		}
	}
	err = d.Store.UpdatePhaseResults(ctx, projectID, timestamp(clockOf(d.now)), func(r *domain.PhaseResults) {
		r.Design = &result
	})
	if err != nil {
		return missingOr(err)
	}
	return Report{Status: StatusCompleted, TokenCost: float64(len(result.LearningObjectives))}, nil
}

// assessmentLevels maps the Bloom levels present in dist to L1..L6 labels.
func assessmentLevels(dist map[string]int) []string {
	var levels []int
	for i, name := range bloomLevels {
		if dist[name] > 0 {
			levels = append(levels, i+1)
		}
	}
	if len(levels) == 0 {
		levels = []int{1, 2}
	}
	sort.Ints(levels)
	out := make([]string, 0, len(levels))
	for _, l := range levels {
		out = append(out, fmt.Sprintf("L%d", l))
	}
	return out
}
