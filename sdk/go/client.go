package addiesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Addie HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   30 * time.Second,
	}
}

// RunResult is the outcome of run, resume and retry-stage calls.
type RunResult struct {
	Status      string `json:"status"`
	ProjectID   string `json:"project_id"`
	RunID       string `json:"run_id"`
	RunAttempt  int    `json:"run_attempt"`
	RunState    string `json:"run_state"`
	Phase       string `json:"phase"`
	ExceptionID string `json:"exception_id"`
	ErrorCode   string `json:"error_code"`
	Message     string `json:"message"`
}

// CancelResult is the outcome of a cancel call.
type CancelResult struct {
	Status    string `json:"status"`
	ProjectID string `json:"project_id"`
	RunID     string `json:"run_id"`
	RunState  string `json:"run_state"`
	Phase     string `json:"phase"`
}

// PhaseRecord represents one phase of the run status (partial).
type PhaseRecord struct {
	Phase           string   `json:"phase"`
	Status          string   `json:"status"`
	GateResult      string   `json:"gate_result"`
	ConfidenceScore *float64 `json:"confidence_score"`
	RiskScore       *float64 `json:"risk_score"`
}

// RunStatus represents the pipeline status view.
type RunStatus struct {
	ProjectID      string        `json:"project_id"`
	RunState       string        `json:"run_state"`
	CurrentPhase   string        `json:"current_phase"`
	RunID          string        `json:"run_id"`
	IdempotencyKey string        `json:"idempotency_key"`
	RunAttempt     int           `json:"run_attempt"`
	LastErrorCode  string        `json:"last_error_code"`
	AutonomousMode bool          `json:"autonomous_mode"`
	OpenExceptions int           `json:"open_exceptions"`
	Phases         []PhaseRecord `json:"phases"`
}

// Metric represents one per-phase run metric.
type Metric struct {
	ID           string   `json:"id"`
	RunID        string   `json:"run_id"`
	Phase        string   `json:"phase"`
	Status       string   `json:"status"`
	DurationMS   int64    `json:"duration_ms"`
	RetryCount   int      `json:"retry_count"`
	QualityScore *float64 `json:"quality_score"`
	CreatedAt    string   `json:"created_at"`
}

// Exception represents a human review item.
type Exception struct {
	ID              string  `json:"id"`
	RunID           string  `json:"run_id"`
	Phase           string  `json:"phase"`
	ReasonCode      string  `json:"reason_code"`
	ReasonMessage   string  `json:"reason_message"`
	ConfidenceScore float64 `json:"confidence_score"`
	RiskScore       float64 `json:"risk_score"`
	Status          string  `json:"status"`
	Priority        string  `json:"priority"`
	DueAt           string  `json:"due_at"`
	ResolvedBy      string  `json:"resolved_by"`
}

// Rollout reports the effective autonomy of a project.
type Rollout struct {
	ProjectID       string `json:"project_id"`
	AutonomousMode  bool   `json:"autonomous_mode"`
	RolloutControls struct {
		Mode       string         `json:"mode"`
		KillSwitch bool           `json:"kill_switch"`
		Guardrails map[string]any `json:"guardrails"`
	} `json:"rollout_controls"`
}

// Event represents an audit log entry.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts"`
	Type    string `json:"type"`
	RunID   string `json:"run_id"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RunOptions tune StartRun.
type RunOptions struct {
	IdempotencyKey string
	StartPhase     string
	SkipCompleted  bool
	// Async queues the run and returns immediately with status "queued".
	Async bool
}

// StartRun starts a run, or replays the run holding the same idempotency key.
// Failed, blocked and missing outcomes come back as a RunResult together with
// an *APIError carrying the HTTP status.
func (c *Client) StartRun(ctx context.Context, opts RunOptions) (RunResult, error) {
	body := map[string]any{
		"start_phase":    opts.StartPhase,
		"skip_completed": opts.SkipCompleted,
	}
	endpoint := c.projectPath("pipeline/run")
	if opts.Async {
		endpoint += "?async=true"
	}
	return c.doRun(ctx, endpoint, opts.IdempotencyKey, body)
}

// ResumeRun resumes a run whose exceptions are closed.
func (c *Client) ResumeRun(ctx context.Context, idempotencyKey string) (RunResult, error) {
	return c.doRun(ctx, c.projectPath("pipeline/resume"), idempotencyKey, map[string]any{})
}

// RetryStage re-executes one phase.
func (c *Client) RetryStage(ctx context.Context, phase string) (RunResult, error) {
	return c.doRun(ctx, c.projectPath("pipeline/retry-stage"), "", map[string]any{"phase": phase})
}

// CancelRun cancels the active run.
func (c *Client) CancelRun(ctx context.Context, reason string) (CancelResult, error) {
	var resp CancelResult
	err := c.do(ctx, http.MethodPost, c.projectPath("pipeline/cancel"), "", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Status returns the run state and phase records.
func (c *Client) Status(ctx context.Context) (RunStatus, error) {
	var resp RunStatus
	err := c.do(ctx, http.MethodGet, c.projectPath("pipeline/status"), "", nil, &resp)
	return resp, err
}

// Metrics returns run metrics, newest first. An empty runID lists every run.
func (c *Client) Metrics(ctx context.Context, runID string) ([]Metric, error) {
	var resp []Metric
	err := c.do(ctx, http.MethodGet, withQuery(c.projectPath("pipeline/metrics"), "run_id", runID), "", nil, &resp)
	return resp, err
}

// Exceptions lists exceptions, optionally filtered by status.
func (c *Client) Exceptions(ctx context.Context, status string) ([]Exception, error) {
	var resp []Exception
	err := c.do(ctx, http.MethodGet, withQuery(c.projectPath("exceptions"), "status", status), "", nil, &resp)
	return resp, err
}

// ResolveException closes an exception with action resolve, reject or override.
func (c *Client) ResolveException(ctx context.Context, exceptionID, action, notes string) (Exception, error) {
	body := map[string]any{"action": action, "notes": notes}
	var resp Exception
	endpoint := c.projectPath(fmt.Sprintf("exceptions/%s/resolve", url.PathEscape(exceptionID)))
	err := c.do(ctx, http.MethodPost, endpoint, "", body, &resp)
	return resp, err
}

// UpdateRollout stores rollout controls.
func (c *Client) UpdateRollout(ctx context.Context, mode string, killSwitch bool, guardrails map[string]any) (Rollout, error) {
	body := map[string]any{"mode": mode, "kill_switch": killSwitch, "guardrails": guardrails}
	var resp Rollout
	err := c.do(ctx, http.MethodPost, c.projectPath("pipeline/rollout"), "", body, &resp)
	return resp, err
}

// Events returns the audit trail of the project, optionally for one run.
func (c *Client) Events(ctx context.Context, runID string) ([]Event, error) {
	var resp []Event
	err := c.do(ctx, http.MethodGet, withQuery(c.projectPath("events"), "run_id", runID), "", nil, &resp)
	return resp, err
}

func (c *Client) doRun(ctx context.Context, endpoint, key string, body any) (RunResult, error) {
	var resp RunResult
	err := c.do(ctx, http.MethodPost, endpoint, key, body, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		// Run outcomes keep their result body on non-2xx statuses.
		_ = json.Unmarshal([]byte(apiErr.Body), &resp)
	}
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint, idempotencyKey string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func withQuery(endpoint, key, value string) string {
	if value == "" {
		return endpoint
	}
	return endpoint + "?" + key + "=" + url.QueryEscape(value)
}
