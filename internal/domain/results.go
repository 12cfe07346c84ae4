package domain

import "encoding/json"

// PhaseResults is the per-phase output store of a project. Each phase owns a
// typed slot; collaborators write their slot and gates read it back.
type PhaseResults struct {
	Ingest    *IngestResult    `json:"ingest,omitempty"`
	Analyze   *AnalysisResult  `json:"analyze,omitempty"`
	Design    *DesignResult    `json:"design,omitempty"`
	Develop   *DevelopResult   `json:"develop,omitempty"`
	Implement *ImplementResult `json:"implement,omitempty"`
	Evaluate  *EvaluateResult  `json:"evaluate,omitempty"`
	Rollout   *RolloutControls `json:"rollout_controls,omitempty"`
}

// Payload returns the slot for p as a generic map, for PhaseRecord.output_data.
func (r PhaseResults) Payload(p Phase) map[string]any {
	v := r.payload(p)
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

func (r PhaseResults) payload(p Phase) any {
	switch p {
	case PhaseIngest:
		if r.Ingest != nil {
			return r.Ingest
		}
	case PhaseAnalyze:
		if r.Analyze != nil {
			return r.Analyze
		}
	case PhaseDesign:
		if r.Design != nil {
			return r.Design
		}
	case PhaseDevelop:
		if r.Develop != nil {
			return r.Develop
		}
	case PhaseImplement:
		if r.Implement != nil {
			return r.Implement
		}
	case PhaseEvaluate:
		if r.Evaluate != nil {
			return r.Evaluate
		}
	}
	return nil
}

type DocumentIngest struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	ChunkCount int    `json:"chunk_count"`
	ErrorCode  string `json:"error_code,omitempty"`
	Message    string `json:"message,omitempty"`
	Retryable  bool   `json:"retryable"`
}

type IngestResult struct {
	Documents []DocumentIngest `json:"documents"`
	Indexed   int              `json:"indexed"`
	Failed    int              `json:"failed"`
}

type ImprovementObjective struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	Objective  string `json:"objective"`
	TargetBand string `json:"target_band"`
}

type AnalysisResult struct {
	Objectives        []ImprovementObjective `json:"objectives"`
	BloomDistribution map[string]int         `json:"bloom_distribution"`
}

type LearningObjective struct {
	DocumentID        string         `json:"document_id"`
	Title             string         `json:"title"`
	Objective         string         `json:"objective"`
	BloomDistribution map[string]int `json:"bloom_distribution,omitempty"`
}

type AssessmentStrategy struct {
	Levels []string `json:"levels"`
	Note   string   `json:"note,omitempty"`
}

type DesignResult struct {
	LearningObjectives []LearningObjective `json:"learning_objectives"`
	AssessmentStrategy *AssessmentStrategy `json:"assessment_strategy,omitempty"`
}

type GeneratedItem struct {
	DocumentID     string   `json:"document_id"`
	CourseID       string   `json:"course_id"`
	CourseTitle    string   `json:"course_title"`
	Modules        int      `json:"modules"`
	Lessons        int      `json:"lessons"`
	Questions      int      `json:"questions"`
	Issues         []string `json:"issues"`
	ReviewRequired bool     `json:"review_required"`
}

type DevelopResult struct {
	GeneratedItems []GeneratedItem `json:"generated_items"`
	ReviewRequired bool            `json:"review_required"`
	QualityGate    string          `json:"quality_gate"`
}

// OpenIssues counts quality issues across all generated items.
func (d DevelopResult) OpenIssues() int {
	n := 0
	for _, item := range d.GeneratedItems {
		n += len(item.Issues)
	}
	return n
}

type ImplementResult struct {
	CourseIDs     []string `json:"course_ids"`
	EnrollmentIDs []string `json:"enrollment_ids"`
}

type OutcomeSummary struct {
	Documents   int    `json:"documents"`
	Objectives  int    `json:"objectives"`
	Courses     int    `json:"courses"`
	Enrollments int    `json:"enrollments"`
	GeneratedAt string `json:"generated_at" format:"date-time"`
}

type EvaluateResult struct {
	OutcomeSummary *OutcomeSummary `json:"outcome_summary,omitempty"`
}

type RolloutControls struct {
	Mode       string         `json:"mode"`
	KillSwitch bool           `json:"kill_switch"`
	Guardrails map[string]any `json:"guardrails,omitempty"`
	UpdatedBy  string         `json:"updated_by,omitempty"`
	UpdatedAt  string         `json:"updated_at" format:"date-time"`
}
