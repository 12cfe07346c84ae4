package server

import (
	"addie/internal/domain"
	"addie/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string `json:"id,omitempty"`
	OrgID       string `json:"org_id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type AddDocumentRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	SourceType  string `json:"source_type,omitempty" enum:"text,document,url,image,video,audio"`
	SourceURL   string `json:"source_url,omitempty"`
	FilePath    string `json:"file_path,omitempty"`
	ContentText string `json:"content_text,omitempty"`
}

type AddLearnerRequest struct {
	Name string `json:"name"`
}

type RunRequest struct {
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	StartPhase     string `json:"start_phase,omitempty"`
	SkipCompleted  bool   `json:"skip_completed,omitempty"`
}

type ResumeRequest struct {
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RetryStageRequest struct {
	Phase string `json:"phase"`
}

type RolloutRequest struct {
	Mode       string         `json:"mode,omitempty" example:"autonomous"`
	KillSwitch bool           `json:"kill_switch,omitempty"`
	Guardrails map[string]any `json:"guardrails,omitempty"`
}

type ResolveExceptionRequest struct {
	Action string `json:"action,omitempty" enum:"resolve,reject,override"`
	Notes  string `json:"notes,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
	Scopes  []string `json:"scopes,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type ProjectResponse struct {
	ID             string          `json:"id"`
	OrgID          string          `json:"org_id"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Status         string          `json:"status"`
	CurrentPhase   domain.Phase    `json:"current_phase"`
	RunState       domain.RunState `json:"run_state"`
	RunAttempt     int             `json:"run_attempt"`
	AutonomousMode bool            `json:"autonomous_mode"`
	PhasesData     map[string]any  `json:"phases_data"`
	CreatedAt      string          `json:"created_at" format:"date-time"`
	UpdatedAt      string          `json:"updated_at" format:"date-time"`
}

// RunResponse carries a coordinator outcome with the HTTP status it maps to.
type RunResponse struct {
	Status int
	Body   engine.RunResult
}

type CancelResponse struct {
	Status int
	Body   engine.CancelResult
}

type EventResponse struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts" format:"date-time"`
	Type          string `json:"type"`
	RunID         string `json:"run_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ActorID       string `json:"actor_id"`
	Payload       string `json:"payload_json"`
}

func projectResponse(p domain.Project) ProjectResponse {
	data := map[string]any{}
	for _, phase := range domain.PipelinePhases {
		if payload := p.PhasesData.Payload(phase); payload != nil {
			data[string(phase)] = payload
		}
	}
	if p.PhasesData.Rollout != nil {
		data["rollout_controls"] = p.PhasesData.Rollout
	}
	return ProjectResponse{
		ID:             p.ID,
		OrgID:          p.OrgID,
		Name:           p.Name,
		Description:    p.Description,
		Status:         p.Status,
		CurrentPhase:   p.CurrentPhase,
		RunState:       p.RunState,
		RunAttempt:     p.RunAttempt,
		AutonomousMode: p.AutonomousMode,
		PhasesData:     data,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(p))
	}
	return out
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:            evt.ID,
		TS:            evt.TS,
		Type:          evt.Type,
		RunID:         evt.RunID,
		CorrelationID: evt.CorrelationID,
		ActorID:       evt.ActorID,
		Payload:       evt.Payload,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
