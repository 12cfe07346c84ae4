package phases

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"addie/internal/domain"
)

const (
	defaultCourseDescription = "AI-generated course from uploaded content."
	minCourseDescription     = 24
	questionsPerAssessment   = 3
	lessonsPerModule         = 8
)

// Developer builds a course outline per indexed document and flags content
// that needs human review.
type Developer struct {
	Store Store
	now   func() time.Time
}

func (d *Developer) Execute(ctx context.Context, projectID string) (Report, error) {
	project, err := d.Store.GetProject(ctx, projectID)
	if err != nil {
		return missingOr(err)
	}
	docs, err := d.Store.ListDocuments(ctx, projectID)
	if err != nil {
		return Report{}, err
	}
	byID := make(map[string]domain.Document, len(docs))
	for _, doc := range docs {
		byID[doc.ID] = doc
	}
	result := domain.DevelopResult{GeneratedItems: []domain.GeneratedItem{}}
	report := Report{Status: StatusCompleted}
	for _, docID := range indexedDocuments(project.PhasesData) {
		chunks, err := d.Store.DocumentChunks(ctx, docID)
		if err != nil {
			return missingOr(err)
		}
		item := outline(byID[docID], chunks)
		report.TokenCost += float64(item.Lessons * 200)
		result.GeneratedItems = append(result.GeneratedItems, item)
		if item.ReviewRequired {
			result.ReviewRequired = true
		}
	}
	result.QualityGate = "pass"
	if result.ReviewRequired {
		result.QualityGate = "review"
	}
	err = d.Store.UpdatePhaseResults(ctx, projectID, timestamp(clockOf(d.now)), func(r *domain.PhaseResults) {
		r.Develop = &result
	})
	if err != nil {
		return missingOr(err)
	}
	return report, nil
}

// outline builds one module per Bloom band present in the material, in band
// order. Each module gets a lesson per chunk (up to lessonsPerModule) and an
// assessment drawn from its own chunks.
func outline(doc domain.Document, chunks []string) domain.GeneratedItem {
	byBand := map[string]int{}
	for _, chunk := range chunks {
		byBand[Band(BloomLevel(chunk))]++
	}
	item := domain.GeneratedItem{
		DocumentID:  doc.ID,
		CourseID:    uuid.NewString(),
		CourseTitle: doc.Title,
		Issues:      []string{},
	}
	for _, band := range bandOrder {
		n := byBand[band]
		if n == 0 {
			continue
		}
		item.Modules++
		item.Lessons += min(lessonsPerModule, n)
		questions := min(questionsPerAssessment, n)
		item.Questions += questions
		if questions < questionsPerAssessment {
			item.Issues = append(item.Issues, fmt.Sprintf("assessment for module %q has %d question(s), want at least %d", band, questions, questionsPerAssessment))
		}
	}
	if item.Modules == 0 {
		item.Issues = append(item.Issues, "course has no modules")
	}
	description := doc.Description
	if description == "" {
		description = defaultCourseDescription
	}
	if len(strings.TrimSpace(description)) < minCourseDescription {
		item.Issues = append(item.Issues, fmt.Sprintf("course description shorter than %d characters", minCourseDescription))
	}
	item.ReviewRequired = len(item.Issues) > 0
	return item
}
