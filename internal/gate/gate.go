// Package gate scores a phase's output and decides whether the pipeline may
// advance past it.
package gate

import (
	"fmt"
	"math"

	"addie/internal/domain"
)

// Check failure codes.
const (
	CodeIngestNoDocuments      = "INGEST_NO_DOCUMENTS"
	CodeIngestIndexIncomplete  = "INGEST_INDEX_INCOMPLETE"
	CodeAnalyzeNoObjectives    = "ANALYZE_NO_OBJECTIVES"
	CodeDesignStrategyMissing  = "DESIGN_STRATEGY_MISSING"
	CodeDevelopNoContent       = "DEVELOP_NO_CONTENT"
	CodeDevelopQualityIssues   = "DEVELOP_QUALITY_ISSUES"
	CodeImplementNoEnrollments = "IMPLEMENT_NO_ENROLLMENTS"
	CodeEvaluateSummaryMissing = "EVALUATE_SUMMARY_MISSING"
)

// Scoring weights. Develop failures are clamped to the develop bounds.
const (
	developRiskFloor      = 0.72
	developConfidenceCeil = 0.58
	confidencePerFailure  = 0.2
	riskPerFailure        = 0.15
	minConfidence         = 0.05
	maxRisk               = 1.0
)

// Verdict is the outcome of evaluating one phase.
type Verdict struct {
	Result     domain.GateResult     `json:"gate_result"`
	Confidence float64               `json:"confidence"`
	Risk       float64               `json:"risk"`
	Checks     []domain.QualityCheck `json:"checks"`
	ReasonCode string                `json:"reason_code,omitempty"`
	Reason     string                `json:"reason,omitempty"`
}

// Failed counts the checks that did not pass.
func (v Verdict) Failed() int {
	n := 0
	for _, c := range v.Checks {
		if !c.Passed {
			n++
		}
	}
	return n
}

// Evaluate runs the checks of phase against results. It is pure: the same
// inputs always produce the same verdict.
func Evaluate(results domain.PhaseResults, phase domain.Phase) Verdict {
	checks := checksFor(results, phase)
	failed := 0
	var first *domain.QualityCheck
	for i := range checks {
		if !checks[i].Passed {
			failed++
			if first == nil {
				first = &checks[i]
			}
		}
	}
	v := Verdict{
		Result:     domain.GatePass,
		Confidence: round4(math.Max(minConfidence, 1-confidencePerFailure*float64(failed))),
		Risk:       round4(math.Min(maxRisk, riskPerFailure*float64(failed))),
		Checks:     checks,
	}
	if failed == 0 {
		return v
	}
	v.ReasonCode = first.Code
	v.Reason = first.Details
	if phase == domain.PhaseDevelop {
		v.Result = domain.GateExceptionRequired
		v.Risk = round4(math.Max(v.Risk, developRiskFloor))
		v.Confidence = round4(math.Min(v.Confidence, developConfidenceCeil))
		return v
	}
	v.Result = domain.GateFail
	return v
}

func checksFor(r domain.PhaseResults, phase domain.Phase) []domain.QualityCheck {
	switch phase {
	case domain.PhaseIngest:
		docs, indexed := 0, 0
		present := r.Ingest != nil
		if present {
			docs = len(r.Ingest.Documents)
			indexed = r.Ingest.Indexed
		}
		return []domain.QualityCheck{
			check("documents_present", present && docs > 0, CodeIngestNoDocuments,
				fmt.Sprintf("%d document(s) submitted", docs)),
			check("documents_indexed", present && docs > 0 && indexed == docs, CodeIngestIndexIncomplete,
				fmt.Sprintf("%d of %d document(s) indexed", indexed, docs)),
		}
	case domain.PhaseAnalyze:
		n := 0
		if r.Analyze != nil {
			n = len(r.Analyze.Objectives)
		}
		return []domain.QualityCheck{
			check("improvement_objectives_identified", n > 0, CodeAnalyzeNoObjectives,
				fmt.Sprintf("%d improvement objective(s)", n)),
		}
	case domain.PhaseDesign:
		ok := r.Design != nil && r.Design.AssessmentStrategy != nil
		return []domain.QualityCheck{
			check("assessment_strategy_present", ok, CodeDesignStrategyMissing, "assessment strategy recorded"),
		}
	case domain.PhaseDevelop:
		items, issues := 0, 0
		present := r.Develop != nil
		if present {
			items = len(r.Develop.GeneratedItems)
			issues = r.Develop.OpenIssues()
		}
		return []domain.QualityCheck{
			check("content_generated", present && items > 0, CodeDevelopNoContent,
				fmt.Sprintf("%d item(s) generated", items)),
			check("no_open_quality_issues", present && issues == 0, CodeDevelopQualityIssues,
				fmt.Sprintf("%d open quality issue(s)", issues)),
		}
	case domain.PhaseImplement:
		n := 0
		if r.Implement != nil {
			n = len(r.Implement.EnrollmentIDs)
		}
		return []domain.QualityCheck{
			check("enrollments_created", n > 0, CodeImplementNoEnrollments,
				fmt.Sprintf("%d enrollment(s) created", n)),
		}
	case domain.PhaseEvaluate:
		ok := r.Evaluate != nil && r.Evaluate.OutcomeSummary != nil
		return []domain.QualityCheck{
			check("outcome_summary_present", ok, CodeEvaluateSummaryMissing, "outcome summary recorded"),
		}
	}
	return []domain.QualityCheck{}
}

func check(name string, passed bool, code, details string) domain.QualityCheck {
	c := domain.QualityCheck{Name: name, Passed: passed, Details: details}
	if !passed {
		c.Code = code
	}
	return c
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
