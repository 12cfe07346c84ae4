package domain

type Project struct {
	ID                    string       `json:"id"`
	OrgID                 string       `json:"org_id"`
	Name                  string       `json:"name"`
	Description           string       `json:"description,omitempty"`
	Status                string       `json:"status" enum:"draft,active,archived"`
	CurrentPhase          Phase        `json:"current_phase"`
	RunState              RunState     `json:"run_state"`
	CurrentRunID          string       `json:"current_run_id,omitempty"`
	CurrentIdempotencyKey string       `json:"current_idempotency_key,omitempty"`
	CurrentCorrelationID  string       `json:"current_correlation_id,omitempty"`
	RunAttempt            int          `json:"run_attempt"`
	RunStartedAt          *string      `json:"run_started_at,omitempty" format:"date-time"`
	RunCompletedAt        *string      `json:"run_completed_at,omitempty" format:"date-time"`
	LastErrorCode         string       `json:"last_error_code,omitempty"`
	LastErrorMessage      string       `json:"last_error_message,omitempty"`
	AutonomousMode        bool         `json:"autonomous_mode"`
	PhasesData            PhaseResults `json:"phases_data"`
	CreatedAt             string       `json:"created_at" format:"date-time"`
	UpdatedAt             string       `json:"updated_at" format:"date-time"`
}

// QualityCheck is one named predicate evaluated by a gate.
type QualityCheck struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Details string `json:"details,omitempty"`
	Code    string `json:"code,omitempty"`
}

type PhaseRecord struct {
	ProjectID       string         `json:"project_id"`
	Phase           Phase          `json:"phase"`
	Status          PhaseStatus    `json:"status" enum:"pending,in_progress,completed,failed,exception_required,skipped,canceled"`
	StartedAt       *string        `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     *string        `json:"completed_at,omitempty" format:"date-time"`
	OutputData      map[string]any `json:"output_data,omitempty"`
	ConfidenceScore *float64       `json:"confidence_score,omitempty"`
	RiskScore       *float64       `json:"risk_score,omitempty"`
	QualityChecks   []QualityCheck `json:"quality_checks"`
	GateResult      GateResult     `json:"gate_result" enum:"pending,pass,exception_required,fail"`
	UpdatedAt       string         `json:"updated_at" format:"date-time"`
}

type Exception struct {
	ID              string  `json:"id"`
	ProjectID       string  `json:"project_id"`
	RunID           string  `json:"run_id,omitempty"`
	Phase           Phase   `json:"phase"`
	ReasonCode      string  `json:"reason_code"`
	ReasonMessage   string  `json:"reason_message"`
	ConfidenceScore float64 `json:"confidence_score"`
	RiskScore       float64 `json:"risk_score"`
	Status          string  `json:"status" enum:"open,resolved,rejected,overridden"`
	Priority        string  `json:"priority" enum:"low,medium,high,critical"`
	DueAt           string  `json:"due_at" format:"date-time"`
	ResolvedBy      string  `json:"resolved_by,omitempty"`
	ResolutionNotes string  `json:"resolution_notes,omitempty"`
	ResolvedAt      *string `json:"resolved_at,omitempty" format:"date-time"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

const (
	ExceptionOpen       = "open"
	ExceptionResolved   = "resolved"
	ExceptionRejected   = "rejected"
	ExceptionOverridden = "overridden"
)

type RunMetric struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"project_id"`
	RunID        string         `json:"run_id"`
	Phase        Phase          `json:"phase"`
	Status       string         `json:"status" enum:"success,failed,exception_required,skipped"`
	DurationMS   int64          `json:"duration_ms"`
	RetryCount   int            `json:"retry_count"`
	TokenCost    float64        `json:"token_cost"`
	ComputeCost  float64        `json:"compute_cost"`
	QualityScore *float64       `json:"quality_score,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
}

const (
	MetricSuccess           = "success"
	MetricFailed            = "failed"
	MetricExceptionRequired = "exception_required"
	MetricSkipped           = "skipped"
)

type Event struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts" format:"date-time"`
	Type          string `json:"type"`
	ProjectID     string `json:"project_id,omitempty"`
	RunID         string `json:"run_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ActorID       string `json:"actor_id"`
	Payload       string `json:"payload_json"`
}

// Document is a knowledge source attached to a project.
type Document struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	SourceType   string `json:"source_type" enum:"text,document,url,image,video,audio"`
	SourceURL    string `json:"source_url,omitempty"`
	FilePath     string `json:"file_path,omitempty"`
	ContentText  string `json:"content_text,omitempty"`
	Status       string `json:"status" enum:"pending,processing,indexed,failed"`
	ChunkCount   int    `json:"chunk_count"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

type Learner struct {
	ID        string `json:"id"`
	OrgID     string `json:"org_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Enrollment struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	CourseID  string `json:"course_id"`
	LearnerID string `json:"learner_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
