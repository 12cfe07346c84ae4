package gate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"addie/internal/domain"
	"addie/internal/gate"
)

func passingResults() domain.PhaseResults {
	return domain.PhaseResults{
		Ingest: &domain.IngestResult{
			Documents: []domain.DocumentIngest{{DocumentID: "doc-1", Status: "indexed", Attempts: 1, ChunkCount: 3}},
			Indexed:   1,
		},
		Analyze: &domain.AnalysisResult{
			Objectives:        []domain.ImprovementObjective{{DocumentID: "doc-1", Title: "Intro", Objective: "Explain"}},
			BloomDistribution: map[string]int{"understand": 2},
		},
		Design: &domain.DesignResult{
			AssessmentStrategy: &domain.AssessmentStrategy{Levels: []string{"L1", "L2"}},
		},
		Develop: &domain.DevelopResult{
			GeneratedItems: []domain.GeneratedItem{{DocumentID: "doc-1", CourseID: "c-1", Modules: 1, Lessons: 3, Questions: 3, Issues: []string{}}},
		},
		Implement: &domain.ImplementResult{CourseIDs: []string{"c-1"}, EnrollmentIDs: []string{"e-1"}},
		Evaluate:  &domain.EvaluateResult{OutcomeSummary: &domain.OutcomeSummary{Documents: 1}},
	}
}

func TestEvaluatePassesEveryPhase(t *testing.T) {
	results := passingResults()
	for _, phase := range domain.PipelinePhases {
		v := gate.Evaluate(results, phase)
		assert.Equal(t, domain.GatePass, v.Result, phase)
		assert.Equal(t, 1.0, v.Confidence, phase)
		assert.Equal(t, 0.0, v.Risk, phase)
		assert.Empty(t, v.ReasonCode, phase)
		assert.NotEmpty(t, v.Checks, phase)
	}
}

func TestMissingPayloadFailsEveryCheck(t *testing.T) {
	cases := []struct {
		phase domain.Phase
		code  string
		want  domain.GateResult
	}{
		{domain.PhaseIngest, gate.CodeIngestNoDocuments, domain.GateFail},
		{domain.PhaseAnalyze, gate.CodeAnalyzeNoObjectives, domain.GateFail},
		{domain.PhaseDesign, gate.CodeDesignStrategyMissing, domain.GateFail},
		{domain.PhaseDevelop, gate.CodeDevelopNoContent, domain.GateExceptionRequired},
		{domain.PhaseImplement, gate.CodeImplementNoEnrollments, domain.GateFail},
		{domain.PhaseEvaluate, gate.CodeEvaluateSummaryMissing, domain.GateFail},
	}
	for _, tc := range cases {
		t.Run(string(tc.phase), func(t *testing.T) {
			v := gate.Evaluate(domain.PhaseResults{}, tc.phase)
			assert.Equal(t, tc.want, v.Result)
			assert.Equal(t, tc.code, v.ReasonCode)
			assert.Equal(t, len(v.Checks), v.Failed())
		})
	}
}

func TestIngestIndexIncomplete(t *testing.T) {
	results := domain.PhaseResults{Ingest: &domain.IngestResult{
		Documents: []domain.DocumentIngest{
			{DocumentID: "doc-1", Status: "failed", ErrorCode: "CONTENT_MISSING"},
		},
		Failed: 1,
	}}
	v := gate.Evaluate(results, domain.PhaseIngest)
	require.Equal(t, domain.GateFail, v.Result)
	assert.Equal(t, gate.CodeIngestIndexIncomplete, v.ReasonCode)
	assert.Equal(t, 1, v.Failed())
	assert.Equal(t, 0.8, v.Confidence)
	assert.Equal(t, 0.15, v.Risk)
}

func TestDevelopIssuesRequireException(t *testing.T) {
	results := passingResults()
	results.Develop.GeneratedItems[0].Issues = []string{"assessment has fewer than 3 questions"}
	v := gate.Evaluate(results, domain.PhaseDevelop)
	require.Equal(t, domain.GateExceptionRequired, v.Result)
	assert.Equal(t, gate.CodeDevelopQualityIssues, v.ReasonCode)
	assert.GreaterOrEqual(t, v.Risk, 0.72)
	assert.LessOrEqual(t, v.Confidence, 0.58)
}

func TestScoresAreClamped(t *testing.T) {
	v := gate.Evaluate(domain.PhaseResults{}, domain.PhaseDevelop)
	assert.Equal(t, 2, v.Failed())
	assert.Equal(t, 0.58, v.Confidence)
	assert.Equal(t, 0.72, v.Risk)

	v = gate.Evaluate(domain.PhaseResults{}, domain.PhaseIngest)
	assert.Equal(t, 0.6, v.Confidence)
	assert.Equal(t, 0.3, v.Risk)
}
