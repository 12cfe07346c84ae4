package phases

import (
	"context"
	"fmt"
	"time"

	"addie/internal/domain"
)

// Analyzer classifies the indexed chunks of each document and derives one
// improvement objective per document.
type Analyzer struct {
	Store Store
	now   func() time.Time
}

func (a *Analyzer) Execute(ctx context.Context, projectID string) (Report, error) {
	project, err := a.Store.GetProject(ctx, projectID)
	if err != nil {
		return missingOr(err)
	}
	titles, err := documentTitles(ctx, a.Store, projectID)
	if err != nil {
		return Report{}, err
	}
	result := domain.AnalysisResult{
		Objectives:        []domain.ImprovementObjective{},
		BloomDistribution: map[string]int{},
	}
	report := Report{Status: StatusCompleted}
	for _, docID := range indexedDocuments(project.PhasesData) {
		chunks, err := a.Store.DocumentChunks(ctx, docID)
		if err != nil {
			return missingOr(err)
		}
		if len(chunks) == 0 {
			continue
		}
		top := 0
		for _, chunk := range chunks {
			level := BloomLevel(chunk)
			result.BloomDistribution[BloomName(level)]++
			if level > top {
				top = level
			}
			report.TokenCost += float64(len(chunk)) / 4
		}
		title := titles[docID]
		result.Objectives = append(result.Objectives, domain.ImprovementObjective{
			DocumentID: docID,
			Title:      title,
			Objective:  fmt.Sprintf("Learners can %s the key ideas of %q", BloomName(top), title),
			TargetBand: Band(top),
		})
	}
	err = a.Store.UpdatePhaseResults(ctx, projectID, timestamp(clockOf(a.now)), func(r *domain.PhaseResults) {
		r.Analyze = &result
	})
	if err != nil {
		return missingOr(err)
	}
	return report, nil
}

func indexedDocuments(results domain.PhaseResults) []string {
	if results.Ingest == nil {
		return nil
	}
	var ids []string
	for _, doc := range results.Ingest.Documents {
		if doc.Status == DocIndexed {
			ids = append(ids, doc.DocumentID)
		}
	}
	return ids
}

func documentTitles(ctx context.Context, store Store, projectID string) (map[string]string, error) {
	docs, err := store.ListDocuments(ctx, projectID)
	if err != nil {
		return nil, err
	}
	titles := make(map[string]string, len(docs))
	for _, d := range docs {
		titles[d.ID] = d.Title
	}
	return titles, nil
}

func clockOf(now func() time.Time) time.Time {
	if now != nil {
		return now()
	}
	return time.Now().UTC()
}
