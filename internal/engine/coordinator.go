package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"addie/internal/domain"
	"addie/internal/events"
	"addie/internal/gate"
	"addie/internal/phases"
	"addie/internal/repo"
)

// Outcome statuses returned by the coordinator.
const (
	StatusCompleted         = "completed"
	StatusExisting          = "existing"
	StatusFailed            = "failed"
	StatusExceptionRequired = "exception_required"
	StatusBlocked           = "blocked"
	StatusMissing           = "missing"
	StatusCanceled          = "canceled"
	StatusNoop              = "noop"
	StatusInvalidPhase      = "invalid_phase"
	StatusSuperseded        = "superseded"
	StatusQueued            = "queued"
)

// Error codes surfaced on halted runs.
const (
	CodePhaseExecutionMissing  = "PHASE_EXECUTION_MISSING"
	CodePhaseExecutionError    = "PHASE_EXECUTION_ERROR"
	CodeRunCanceled            = "RUN_CANCELED"
	CodeRunSuperseded          = "RUN_SUPERSEDED"
	CodeOpenExceptionExists    = "OPEN_EXCEPTION_EXISTS"
	CodeAutonomousModeDisabled = "AUTONOMOUS_MODE_DISABLED"
	CodeInvalidPhase           = "INVALID_PHASE"
)

// Run modes recorded in metric metadata.
const (
	ModeRun        = "run"
	ModeResume     = "resume"
	ModeStageRetry = "stage_retry"
)

// RunResult is the outcome of StartRun, ResumeRun and RetryStage.
type RunResult struct {
	Status         string          `json:"status"`
	ProjectID      string          `json:"project_id"`
	RunID          string          `json:"run_id,omitempty"`
	RunAttempt     int             `json:"run_attempt,omitempty"`
	RunState       domain.RunState `json:"run_state,omitempty"`
	Phase          domain.Phase    `json:"phase,omitempty"`
	ExceptionID    string          `json:"exception_id,omitempty"`
	ErrorCode      string          `json:"error_code,omitempty"`
	Message        string          `json:"message,omitempty"`
	OutcomePackage map[string]any  `json:"outcome_package,omitempty"`
}

// StartRunOptions are parameters for starting a run.
type StartRunOptions struct {
	ProjectID      string
	IdempotencyKey string
	StartPhase     string
	SkipCompleted  bool
	RequestedBy    string
}

// SynthesizeKey builds the idempotency key used when a caller supplies none.
// Calls within the same second share a key.
func SynthesizeKey(prefix, projectID string, now time.Time) string {
	return fmt.Sprintf("%s-%s-%d", prefix, projectID, now.Unix())
}

// run identifies the attempt a coordinator loop is driving. Every step
// re-checks it against the stored project before writing.
type run struct {
	projectID     string
	runID         string
	correlationID string
	key           string
	attempt       int
	mode          string
	requestedBy   string
}

func (r run) result(status string, p domain.Project) RunResult {
	return RunResult{
		Status:     status,
		ProjectID:  r.projectID,
		RunID:      r.runID,
		RunAttempt: r.attempt,
		RunState:   p.RunState,
		Phase:      p.CurrentPhase,
	}
}

func (r run) scope() events.Scope {
	return events.Scope{ProjectID: r.projectID, RunID: r.runID, CorrelationID: r.correlationID, ActorID: r.requestedBy}
}

func (r run) metadata(extra map[string]any) map[string]any {
	m := map[string]any{
		"mode":            r.mode,
		"idempotency_key": r.key,
		"correlation_id":  r.correlationID,
		"run_attempt":     r.attempt,
	}
	if r.requestedBy != "" {
		m["requested_by"] = r.requestedBy
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

func (r run) fields(extra ...zap.Field) []zap.Field {
	return append([]zap.Field{
		zap.String("project_id", r.projectID),
		zap.String("run_id", r.runID),
		zap.String("correlation_id", r.correlationID),
		zap.String("mode", r.mode),
	}, extra...)
}

// beginSpec describes how a fresh run is admitted.
type beginSpec struct {
	projectID   string
	key         string
	mode        string
	requestedBy string
	start       func(domain.Project) domain.Phase
	// Stage retries always allocate a new run.
	ignoreKey bool
	// Resume refuses to start while a human review is pending.
	blockOnOpenExceptions bool
}

// StartRun executes the pipeline from opts.StartPhase. An unknown start phase
// falls back to the first phase.
func (e Engine) StartRun(ctx context.Context, opts StartRunOptions) (RunResult, error) {
	if opts.IdempotencyKey == "" {
		opts.IdempotencyKey = SynthesizeKey("auto", opts.ProjectID, e.now())
	}
	start, err := domain.ParsePipelinePhase(opts.StartPhase)
	if err != nil {
		start = domain.FirstPhase
	}
	return e.runPipeline(ctx, beginSpec{
		projectID:   opts.ProjectID,
		key:         opts.IdempotencyKey,
		mode:        ModeRun,
		requestedBy: opts.RequestedBy,
		start:       func(domain.Project) domain.Phase { return start },
	}, opts.SkipCompleted, false)
}

// ResumeRun restarts from the project's current phase, skipping phases that
// already completed. It is refused while any exception is open.
func (e Engine) ResumeRun(ctx context.Context, projectID, idempotencyKey, requestedBy string) (RunResult, error) {
	if idempotencyKey == "" {
		idempotencyKey = SynthesizeKey("resume", projectID, e.now())
	}
	return e.runPipeline(ctx, beginSpec{
		projectID:   projectID,
		key:         idempotencyKey,
		mode:        ModeResume,
		requestedBy: requestedBy,
		start: func(p domain.Project) domain.Phase {
			if p.CurrentPhase.IsPipeline() {
				return p.CurrentPhase
			}
			return domain.FirstPhase
		},
		blockOnOpenExceptions: true,
	}, true, false)
}

// RetryStage re-executes a single phase under a new run.
func (e Engine) RetryStage(ctx context.Context, projectID, phase, requestedBy string) (RunResult, error) {
	target, err := domain.ParsePipelinePhase(phase)
	if err != nil {
		return RunResult{
			Status:    StatusInvalidPhase,
			ProjectID: projectID,
			ErrorCode: CodeInvalidPhase,
			Message:   err.Error(),
		}, nil
	}
	return e.runPipeline(ctx, beginSpec{
		projectID:   projectID,
		key:         fmt.Sprintf("retry-%s-%s-%d", projectID, target, e.now().Unix()),
		mode:        ModeStageRetry,
		requestedBy: requestedBy,
		start:       func(domain.Project) domain.Phase { return target },
		ignoreKey:   true,
	}, false, true)
}

func (e Engine) runPipeline(ctx context.Context, spec beginSpec, skipCompleted, singlePhase bool) (RunResult, error) {
	r, start, early, err := e.beginRun(ctx, spec)
	if err != nil {
		return RunResult{}, err
	}
	if early != nil {
		return *early, nil
	}
	list := domain.PhasesFrom(start)
	if singlePhase {
		list = []domain.Phase{start}
	}
	return e.execute(ctx, r, list, skipCompleted)
}

// beginRun admits a run in one transaction: idempotent replay, admission
// checks, then a compare-and-swap from the observed attempt to attempt+1.
func (e Engine) beginRun(ctx context.Context, spec beginSpec) (run, domain.Phase, *RunResult, error) {
	var (
		r     run
		start domain.Phase
		early *RunResult
	)
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		p, err := e.Repo.LoadProject(ctx, tx, spec.projectID)
		if errors.Is(err, repo.ErrNotFound) {
			early = &RunResult{Status: StatusMissing, ProjectID: spec.projectID}
			return nil
		}
		if err != nil {
			return err
		}
		if spec.blockOnOpenExceptions {
			open, err := e.Repo.CountOpenExceptions(ctx, tx, p.ID)
			if err != nil {
				return err
			}
			if open > 0 {
				early = &RunResult{
					Status:    StatusBlocked,
					ProjectID: p.ID,
					RunID:     p.CurrentRunID,
					RunState:  p.RunState,
					Phase:     p.CurrentPhase,
					ErrorCode: CodeOpenExceptionExists,
					Message:   fmt.Sprintf("%d open exception(s) must be resolved first", open),
				}
				return nil
			}
		}
		if !spec.ignoreKey && p.CurrentIdempotencyKey == spec.key && p.CurrentRunID != "" && p.RunState.HoldsIdempotency() {
			early = &RunResult{
				Status:     StatusExisting,
				ProjectID:  p.ID,
				RunID:      p.CurrentRunID,
				RunAttempt: p.RunAttempt,
				RunState:   p.RunState,
				Phase:      p.CurrentPhase,
				ErrorCode:  p.LastErrorCode,
			}
			return nil
		}
		if !p.AutonomousMode {
			early = &RunResult{
				Status:    StatusBlocked,
				ProjectID: p.ID,
				RunState:  p.RunState,
				Phase:     p.CurrentPhase,
				ErrorCode: CodeAutonomousModeDisabled,
				Message:   "autonomous execution is disabled for this project",
			}
			return nil
		}

		start = spec.start(p)
		now := e.timestamp()
		observed := p.RunAttempt
		r = run{
			projectID:     p.ID,
			runID:         uuid.NewString(),
			correlationID: uuid.NewString(),
			key:           spec.key,
			attempt:       observed + 1,
			mode:          spec.mode,
			requestedBy:   spec.requestedBy,
		}
		p.CurrentRunID = r.runID
		p.CurrentCorrelationID = r.correlationID
		p.CurrentIdempotencyKey = r.key
		p.RunAttempt = r.attempt
		p.RunState = domain.RunQueued
		p.CurrentPhase = start
		p.RunStartedAt = &now
		p.RunCompletedAt = nil
		p.LastErrorCode = ""
		p.LastErrorMessage = ""
		p.UpdatedAt = now
		if err := e.Repo.UpdateProjectRun(ctx, tx, p, observed); err != nil {
			if errors.Is(err, repo.ErrStaleRun) {
				early = &RunResult{Status: StatusSuperseded, ProjectID: p.ID, ErrorCode: CodeRunSuperseded}
				return nil
			}
			return err
		}
		return e.Events.Append(ctx, tx, events.TypeRunStarted, r.scope(), events.EventPayload{
			"mode":            r.mode,
			"start_phase":     string(start),
			"idempotency_key": r.key,
			"run_attempt":     r.attempt,
		})
	})
	if err != nil {
		return run{}, "", nil, fmt.Errorf("begin run: %w", err)
	}
	if early != nil {
		e.logger().Debug("run not started", zap.String("project_id", spec.projectID), zap.String("status", early.Status), zap.String("error_code", early.ErrorCode))
		return run{}, "", early, nil
	}
	e.Metrics.RunStarted(r.mode)
	e.logger().Info("run started", r.fields(zap.String("start_phase", string(start)), zap.Int("run_attempt", r.attempt))...)
	return r, start, nil, nil
}

// execute drives the phases in order. A step returns a non-nil result when
// the run halts.
func (e Engine) execute(ctx context.Context, r run, list []domain.Phase, skipCompleted bool) (res RunResult, err error) {
	defer func() {
		status := res.Status
		if err != nil {
			status = "error"
		}
		e.Metrics.RunFinished(status)
		e.logger().Info("run finished", r.fields(zap.String("status", status), zap.String("error_code", res.ErrorCode))...)
	}()
	for _, phase := range list {
		if ctx.Err() != nil {
			return e.abortRun(context.WithoutCancel(ctx), r, ctx.Err())
		}
		halt, err := e.step(ctx, r, phase, skipCompleted)
		if err != nil && ctx.Err() != nil {
			return e.abortRun(context.WithoutCancel(ctx), r, ctx.Err())
		}
		if err != nil {
			e.logger().Error("phase step failed", r.fields(zap.String("phase", string(phase)), zap.Error(err))...)
			return RunResult{}, fmt.Errorf("run %s phase %s: %w", r.runID, phase, err)
		}
		if halt != nil {
			return *halt, nil
		}
	}
	return e.completeRun(context.WithoutCancel(ctx), r)
}

// guard re-reads the project inside tx and returns a halting result when
// this run no longer owns it.
func (e Engine) guard(ctx context.Context, tx *sql.Tx, r run) (domain.Project, *RunResult, error) {
	p, err := e.Repo.LoadProject(ctx, tx, r.projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return p, &RunResult{
			Status:    StatusFailed,
			ProjectID: r.projectID,
			RunID:     r.runID,
			ErrorCode: CodePhaseExecutionMissing,
			Message:   "project no longer exists",
		}, nil
	}
	if err != nil {
		return p, nil, err
	}
	if p.CurrentRunID != r.runID || p.RunAttempt != r.attempt {
		res := r.result(StatusSuperseded, p)
		res.ErrorCode = CodeRunSuperseded
		res.Message = fmt.Sprintf("run attempt %d superseded by attempt %d", r.attempt, p.RunAttempt)
		return p, &res, nil
	}
	if p.RunState == domain.RunCanceled {
		res := r.result(StatusCanceled, p)
		res.ErrorCode = CodeRunCanceled
		res.Message = p.LastErrorMessage
		return p, &res, nil
	}
	return p, nil, nil
}

func (e Engine) step(ctx context.Context, r run, phase domain.Phase, skipCompleted bool) (*RunResult, error) {
	var (
		halt    *RunResult
		skipped bool
	)
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		p, stop, err := e.guard(ctx, tx, r)
		if err != nil || stop != nil {
			halt = stop
			return err
		}
		rec, err := e.Repo.GetPhase(ctx, tx, r.projectID, phase)
		if err != nil {
			return err
		}
		if skipCompleted && rec.Status == domain.PhaseCompleted {
			skipped = true
			if _, err := e.recorder().Record(ctx, tx, MetricInput{
				ProjectID: r.projectID,
				RunID:     r.runID,
				Phase:     phase,
				Status:    domain.MetricSkipped,
				Metadata:  r.metadata(map[string]any{"reason": "already_completed"}),
			}); err != nil {
				return err
			}
			return e.Events.Append(ctx, tx, events.TypePhaseSkipped, r.scope(), events.EventPayload{"phase": string(phase)})
		}
		now := e.timestamp()
		rec.Status = domain.PhaseInProgress
		if rec.StartedAt == nil {
			rec.StartedAt = &now
		}
		rec.CompletedAt = nil
		rec.GateResult = domain.GatePending
		rec.UpdatedAt = now
		if err := e.Repo.UpsertPhase(ctx, tx, rec); err != nil {
			return err
		}
		p.RunState = domain.InFlightState(phase)
		p.CurrentPhase = phase
		p.UpdatedAt = now
		if err := e.Repo.UpdateProjectRun(ctx, tx, p, r.attempt); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TypePhaseStarted, r.scope(), events.EventPayload{"phase": string(phase)})
	})
	if err != nil || halt != nil || skipped {
		return halt, err
	}

	started := time.Now()
	e.logger().Debug("phase started", r.fields(zap.String("phase", string(phase)))...)
	worker, err := e.Phases.Worker(phase)
	if err != nil {
		return nil, err
	}
	report, werr := worker.Execute(ctx, r.projectID)
	// The outcome of a phase that ran is always recorded, even when the
	// caller has gone away.
	wctx := context.WithoutCancel(ctx)
	switch {
	case werr != nil && ctx.Err() != nil:
		return e.haltPhase(wctx, r, phase, started, report, haltSpec{
			phaseStatus: domain.PhaseCanceled,
			runState:    domain.RunCanceled,
			status:      StatusCanceled,
			code:        CodeRunCanceled,
			message:     "run context canceled: " + ctx.Err().Error(),
		})
	case werr != nil:
		return e.haltPhase(wctx, r, phase, started, report, haltSpec{
			phaseStatus: domain.PhaseFailed,
			runState:    domain.RunFailed,
			status:      StatusFailed,
			code:        CodePhaseExecutionError,
			message:     werr.Error(),
		})
	case report.Status == phases.StatusMissing:
		return e.haltPhase(wctx, r, phase, started, report, haltSpec{
			phaseStatus: domain.PhaseFailed,
			runState:    domain.RunFailed,
			status:      StatusFailed,
			code:        CodePhaseExecutionMissing,
			message:     fmt.Sprintf("%s work function reported the project missing", phase),
		})
	}
	return e.gatePhase(wctx, r, phase, started, report)
}

// haltSpec is a run-ending outcome that did not come from a gate.
type haltSpec struct {
	phaseStatus domain.PhaseStatus
	runState    domain.RunState
	status      string
	code        string
	message     string
}

func (e Engine) haltPhase(ctx context.Context, r run, phase domain.Phase, started time.Time, report phases.Report, h haltSpec) (*RunResult, error) {
	var halt *RunResult
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		p, stop, err := e.guard(ctx, tx, r)
		if err != nil || stop != nil {
			halt = stop
			return err
		}
		now := e.timestamp()
		rec, err := e.Repo.GetPhase(ctx, tx, r.projectID, phase)
		if err != nil {
			return err
		}
		rec.Status = h.phaseStatus
		rec.CompletedAt = &now
		rec.UpdatedAt = now
		if err := e.Repo.UpsertPhase(ctx, tx, rec); err != nil {
			return err
		}
		if _, err := e.recorder().Record(ctx, tx, MetricInput{
			ProjectID:   r.projectID,
			RunID:       r.runID,
			Phase:       phase,
			Status:      domain.MetricFailed,
			Started:     started,
			Retries:     report.Retries,
			TokenCost:   report.TokenCost,
			ComputeCost: report.ComputeCost,
			Metadata:    r.metadata(map[string]any{"error_code": h.code}),
		}); err != nil {
			return err
		}
		p.RunState = h.runState
		p.RunCompletedAt = &now
		p.LastErrorCode = h.code
		p.LastErrorMessage = h.message
		p.UpdatedAt = now
		if err := e.Repo.UpdateProjectRun(ctx, tx, p, r.attempt); err != nil {
			return err
		}
		evt := events.TypeRunFailed
		if h.runState == domain.RunCanceled {
			evt = events.TypeRunCanceled
		}
		if err := e.Events.Append(ctx, tx, evt, r.scope(), events.EventPayload{
			"phase":      string(phase),
			"error_code": h.code,
			"message":    h.message,
		}); err != nil {
			return err
		}
		res := r.result(h.status, p)
		res.ErrorCode = h.code
		res.Message = h.message
		halt = &res
		return nil
	})
	return halt, err
}

// abortRun ends the run as canceled after the caller's context went away
// between phases. A phase left in progress is marked canceled.
func (e Engine) abortRun(ctx context.Context, r run, cause error) (RunResult, error) {
	var res RunResult
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		p, stop, err := e.guard(ctx, tx, r)
		if err != nil {
			return err
		}
		if stop != nil {
			res = *stop
			return nil
		}
		now := e.timestamp()
		if p.CurrentPhase.IsPipeline() {
			rec, err := e.Repo.GetPhase(ctx, tx, r.projectID, p.CurrentPhase)
			if err != nil {
				return err
			}
			if rec.Status == domain.PhaseInProgress {
				rec.Status = domain.PhaseCanceled
				rec.CompletedAt = &now
				rec.UpdatedAt = now
				if err := e.Repo.UpsertPhase(ctx, tx, rec); err != nil {
					return err
				}
			}
		}
		msg := "run context canceled: " + cause.Error()
		p.RunState = domain.RunCanceled
		p.RunCompletedAt = &now
		p.LastErrorCode = CodeRunCanceled
		p.LastErrorMessage = msg
		p.UpdatedAt = now
		if err := e.Repo.UpdateProjectRun(ctx, tx, p, r.attempt); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, events.TypeRunCanceled, r.scope(), events.EventPayload{
			"phase":      string(p.CurrentPhase),
			"error_code": CodeRunCanceled,
			"message":    msg,
		}); err != nil {
			return err
		}
		res = r.result(StatusCanceled, p)
		res.ErrorCode = CodeRunCanceled
		res.Message = msg
		return nil
	})
	if err != nil {
		return RunResult{}, fmt.Errorf("run %s cancel: %w", r.runID, err)
	}
	e.logger().Warn("run canceled by caller", r.fields(zap.Error(cause))...)
	return res, nil
}

// gatePhase evaluates the quality gate and applies its verdict in one
// transaction. A nil result means the run continues.
func (e Engine) gatePhase(ctx context.Context, r run, phase domain.Phase, started time.Time, report phases.Report) (*RunResult, error) {
	var halt *RunResult
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		p, stop, err := e.guard(ctx, tx, r)
		if err != nil || stop != nil {
			halt = stop
			return err
		}
		verdict := gate.Evaluate(p.PhasesData, phase)
		now := e.timestamp()
		rec, err := e.Repo.GetPhase(ctx, tx, r.projectID, phase)
		if err != nil {
			return err
		}
		confidence, risk := verdict.Confidence, verdict.Risk
		rec.Status = domain.PhaseStatusFor(verdict.Result)
		rec.CompletedAt = &now
		rec.OutputData = p.PhasesData.Payload(phase)
		rec.ConfidenceScore = &confidence
		rec.RiskScore = &risk
		rec.QualityChecks = verdict.Checks
		rec.GateResult = verdict.Result
		rec.UpdatedAt = now
		if err := e.Repo.UpsertPhase(ctx, tx, rec); err != nil {
			return err
		}
		if _, err := e.recorder().Record(ctx, tx, MetricInput{
			ProjectID:    r.projectID,
			RunID:        r.runID,
			Phase:        phase,
			Status:       metricStatus(verdict.Result),
			Started:      started,
			Retries:      report.Retries,
			TokenCost:    report.TokenCost,
			ComputeCost:  report.ComputeCost,
			QualityScore: &confidence,
			Metadata: r.metadata(map[string]any{
				"gate_result": string(verdict.Result),
				"checks":      verdict.Checks,
				"reason_code": verdict.ReasonCode,
				"risk":        risk,
			}),
		}); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, events.TypePhaseGated, r.scope(), events.EventPayload{
			"phase":       string(phase),
			"gate_result": string(verdict.Result),
			"confidence":  confidence,
			"risk":        risk,
			"reason_code": verdict.ReasonCode,
		}); err != nil {
			return err
		}
		e.Metrics.GateVerdict(string(phase), string(verdict.Result))
		e.logger().Info("phase gated", r.fields(
			zap.String("phase", string(phase)),
			zap.String("gate_result", string(verdict.Result)),
			zap.Float64("confidence", confidence),
			zap.Float64("risk", risk),
		)...)

		switch verdict.Result {
		case domain.GatePass:
			return nil
		case domain.GateExceptionRequired:
			ex, err := e.router().Raise(ctx, tx, RaiseInput{
				Project:       p,
				RunID:         r.runID,
				CorrelationID: r.correlationID,
				Phase:         phase,
				ReasonCode:    verdict.ReasonCode,
				ReasonMessage: verdict.Reason,
				Confidence:    confidence,
				Risk:          risk,
			})
			if err != nil {
				return err
			}
			p.RunState = domain.RunExceptionRequired
			p.RunCompletedAt = &now
			p.LastErrorCode = verdict.ReasonCode
			p.LastErrorMessage = verdict.Reason
			p.UpdatedAt = now
			if err := e.Repo.UpdateProjectRun(ctx, tx, p, r.attempt); err != nil {
				return err
			}
			if err := e.Events.Append(ctx, tx, events.TypeRunHalted, r.scope(), events.EventPayload{
				"phase":        string(phase),
				"exception_id": ex.ID,
				"reason_code":  verdict.ReasonCode,
			}); err != nil {
				return err
			}
			res := r.result(StatusExceptionRequired, p)
			res.ExceptionID = ex.ID
			res.ErrorCode = verdict.ReasonCode
			res.Message = verdict.Reason
			halt = &res
			return nil
		default:
			p.RunState = domain.RunFailed
			p.RunCompletedAt = &now
			p.LastErrorCode = verdict.ReasonCode
			p.LastErrorMessage = verdict.Reason
			p.UpdatedAt = now
			if err := e.Repo.UpdateProjectRun(ctx, tx, p, r.attempt); err != nil {
				return err
			}
			if err := e.Events.Append(ctx, tx, events.TypeRunFailed, r.scope(), events.EventPayload{
				"phase":       string(phase),
				"reason_code": verdict.ReasonCode,
			}); err != nil {
				return err
			}
			res := r.result(StatusFailed, p)
			res.ErrorCode = verdict.ReasonCode
			res.Message = verdict.Reason
			halt = &res
			return nil
		}
	})
	return halt, err
}

func metricStatus(g domain.GateResult) string {
	switch g {
	case domain.GatePass:
		return domain.MetricSuccess
	case domain.GateExceptionRequired:
		return domain.MetricExceptionRequired
	default:
		return domain.MetricFailed
	}
}

func (e Engine) completeRun(ctx context.Context, r run) (RunResult, error) {
	var res RunResult
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		p, stop, err := e.guard(ctx, tx, r)
		if err != nil {
			return err
		}
		if stop != nil {
			res = *stop
			return nil
		}
		now := e.timestamp()
		p.RunState = domain.RunCompleted
		p.RunCompletedAt = &now
		p.UpdatedAt = now
		if err := e.Repo.UpdateProjectRun(ctx, tx, p, r.attempt); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, events.TypeRunCompleted, r.scope(), events.EventPayload{
			"phase": string(p.CurrentPhase),
		}); err != nil {
			return err
		}
		res = r.result(StatusCompleted, p)
		res.OutcomePackage = p.PhasesData.Payload(domain.PhaseEvaluate)
		return nil
	})
	if err != nil {
		return RunResult{}, fmt.Errorf("complete run %s: %w", r.runID, err)
	}
	return res, nil
}

// CancelResult is the outcome of CancelRun.
type CancelResult struct {
	Status    string          `json:"status"`
	ProjectID string          `json:"project_id"`
	RunID     string          `json:"run_id,omitempty"`
	RunState  domain.RunState `json:"run_state,omitempty"`
	Phase     domain.Phase    `json:"phase,omitempty"`
}

// CancelRun marks the active run canceled. The loop driving it notices at its
// next step; an executing work function is not interrupted.
func (e Engine) CancelRun(ctx context.Context, projectID, reason, actorID string) (CancelResult, error) {
	if reason == "" {
		reason = "Canceled by operator"
	}
	var res CancelResult
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		p, err := e.Repo.LoadProject(ctx, tx, projectID)
		if errors.Is(err, repo.ErrNotFound) {
			res = CancelResult{Status: StatusMissing, ProjectID: projectID}
			return nil
		}
		if err != nil {
			return err
		}
		res = CancelResult{ProjectID: p.ID, RunID: p.CurrentRunID, RunState: p.RunState, Phase: p.CurrentPhase}
		if p.RunState.IsTerminal() {
			res.Status = StatusNoop
			return nil
		}
		now := e.timestamp()
		rec, err := e.Repo.GetPhase(ctx, tx, p.ID, p.CurrentPhase)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		// A phase that already has a verdict keeps it.
		if err == nil && rec.GateResult == domain.GatePending {
			rec.Status = domain.PhaseCanceled
			rec.CompletedAt = &now
			rec.UpdatedAt = now
			if err := e.Repo.UpsertPhase(ctx, tx, rec); err != nil {
				return err
			}
		}
		p.RunState = domain.RunCanceled
		p.RunCompletedAt = &now
		p.LastErrorCode = CodeRunCanceled
		p.LastErrorMessage = reason
		p.UpdatedAt = now
		if err := e.Repo.UpdateProjectRun(ctx, tx, p, p.RunAttempt); err != nil {
			return err
		}
		scope := events.Scope{ProjectID: p.ID, RunID: p.CurrentRunID, CorrelationID: p.CurrentCorrelationID, ActorID: actorID}
		if err := e.Events.Append(ctx, tx, events.TypeRunCanceled, scope, events.EventPayload{
			"phase":  string(p.CurrentPhase),
			"reason": reason,
		}); err != nil {
			return err
		}
		res.Status = StatusCanceled
		res.RunState = p.RunState
		return nil
	})
	if err != nil {
		return CancelResult{}, err
	}
	if res.Status == StatusCanceled {
		e.logger().Info("run canceled", zap.String("project_id", projectID), zap.String("run_id", res.RunID), zap.String("phase", string(res.Phase)))
	}
	return res, nil
}

// RunStatusView is the read model returned by GetRunStatus.
type RunStatusView struct {
	ProjectID      string               `json:"project_id"`
	RunState       domain.RunState      `json:"run_state"`
	CurrentPhase   domain.Phase         `json:"current_phase"`
	RunID          string               `json:"run_id"`
	IdempotencyKey string               `json:"idempotency_key"`
	CorrelationID  string               `json:"correlation_id"`
	RunAttempt     int                  `json:"run_attempt"`
	RunStartedAt   *string              `json:"run_started_at,omitempty"`
	RunCompletedAt *string              `json:"run_completed_at,omitempty"`
	LastErrorCode  string               `json:"last_error_code"`
	LastErrorMsg   string               `json:"last_error_message"`
	AutonomousMode bool                 `json:"autonomous_mode"`
	OpenExceptions int                  `json:"open_exceptions"`
	Phases         []domain.PhaseRecord `json:"phases"`
}

func (e Engine) GetRunStatus(ctx context.Context, projectID string) (RunStatusView, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return RunStatusView{}, err
	}
	records, err := e.Repo.ListPhases(ctx, e.DB, projectID)
	if err != nil {
		return RunStatusView{}, err
	}
	open, err := e.Repo.CountOpenExceptions(ctx, e.DB, projectID)
	if err != nil {
		return RunStatusView{}, err
	}
	return RunStatusView{
		ProjectID:      p.ID,
		RunState:       p.RunState,
		CurrentPhase:   p.CurrentPhase,
		RunID:          p.CurrentRunID,
		IdempotencyKey: p.CurrentIdempotencyKey,
		CorrelationID:  p.CurrentCorrelationID,
		RunAttempt:     p.RunAttempt,
		RunStartedAt:   p.RunStartedAt,
		RunCompletedAt: p.RunCompletedAt,
		LastErrorCode:  p.LastErrorCode,
		LastErrorMsg:   p.LastErrorMessage,
		AutonomousMode: p.AutonomousMode,
		OpenExceptions: open,
		Phases:         records,
	}, nil
}

// ListMetrics returns run metrics newest first, capped at repo.MaxMetricList.
func (e Engine) ListMetrics(ctx context.Context, projectID, runID string) ([]domain.RunMetric, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListMetrics(ctx, projectID, runID, repo.MaxMetricList)
}

// ListExceptions returns exceptions newest first, capped at
// repo.MaxExceptionList.
func (e Engine) ListExceptions(ctx context.Context, projectID, status string) ([]domain.Exception, error) {
	switch status {
	case "", domain.ExceptionOpen, domain.ExceptionResolved, domain.ExceptionRejected, domain.ExceptionOverridden:
	default:
		return nil, ValidationError{Message: fmt.Sprintf("unknown exception status %q", status)}
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListExceptions(ctx, projectID, status, repo.MaxExceptionList)
}

// Resolution actions and the exception status each one sets.
var resolutionStatus = map[string]string{
	"resolve":  domain.ExceptionResolved,
	"reject":   domain.ExceptionRejected,
	"override": domain.ExceptionOverridden,
}

// ResolveOptions are parameters for closing an exception.
type ResolveOptions struct {
	ProjectID   string
	ExceptionID string
	Action      string
	Notes       string
	ResolvedBy  string
}

// ResolveException moves an open exception to its terminal status.
func (e Engine) ResolveException(ctx context.Context, opts ResolveOptions) (domain.Exception, error) {
	if opts.Action == "" {
		opts.Action = "resolve"
	}
	status, ok := resolutionStatus[opts.Action]
	if !ok {
		return domain.Exception{}, ValidationError{Message: fmt.Sprintf("action must be one of resolve, reject, override; got %q", opts.Action)}
	}
	var ex domain.Exception
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		ex, err = e.Repo.GetException(ctx, tx, opts.ProjectID, opts.ExceptionID)
		if err != nil {
			return err
		}
		if ex.Status != domain.ExceptionOpen {
			return ConflictError{Message: fmt.Sprintf("exception %s is already %s", ex.ID, ex.Status)}
		}
		now := e.timestamp()
		ex.Status = status
		ex.ResolvedBy = opts.ResolvedBy
		ex.ResolutionNotes = opts.Notes
		ex.ResolvedAt = &now
		ex.UpdatedAt = now
		updated, err := e.Repo.ResolveException(ctx, tx, ex)
		if err != nil {
			return err
		}
		if !updated {
			return ConflictError{Message: fmt.Sprintf("exception %s is no longer open", ex.ID)}
		}
		return e.Events.Append(ctx, tx, events.TypeExceptionResolved,
			events.Scope{ProjectID: ex.ProjectID, RunID: ex.RunID, ActorID: opts.ResolvedBy},
			events.EventPayload{"exception_id": ex.ID, "action": opts.Action, "status": status})
	})
	if err != nil {
		return domain.Exception{}, err
	}
	e.logger().Info("exception resolved", zap.String("project_id", ex.ProjectID), zap.String("exception_id", ex.ID), zap.String("status", ex.Status))
	return ex, nil
}

// RolloutOptions are parameters for UpdateRolloutControls.
type RolloutOptions struct {
	ProjectID  string
	Mode       string
	KillSwitch bool
	Guardrails map[string]any
	UpdatedBy  string
}

// RolloutResult reports the effective autonomy of a project.
type RolloutResult struct {
	ProjectID       string                 `json:"project_id"`
	AutonomousMode  bool                   `json:"autonomous_mode"`
	RolloutControls domain.RolloutControls `json:"rollout_controls"`
}

// UpdateRolloutControls stores the rollout controls. Autonomous execution is
// enabled only in autonomous mode with the kill switch off.
func (e Engine) UpdateRolloutControls(ctx context.Context, opts RolloutOptions) (RolloutResult, error) {
	if opts.Mode == "" {
		opts.Mode = "autonomous"
	}
	if opts.Guardrails == nil {
		opts.Guardrails = map[string]any{}
	}
	controls := domain.RolloutControls{
		Mode:       opts.Mode,
		KillSwitch: opts.KillSwitch,
		Guardrails: opts.Guardrails,
		UpdatedBy:  opts.UpdatedBy,
		UpdatedAt:  e.timestamp(),
	}
	autonomous := opts.Mode == "autonomous" && !opts.KillSwitch
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.MutatePhaseResults(ctx, tx, opts.ProjectID, controls.UpdatedAt, func(r *domain.PhaseResults) {
			r.Rollout = &controls
		}); err != nil {
			return err
		}
		if err := e.Repo.SetAutonomousMode(ctx, tx, opts.ProjectID, autonomous, controls.UpdatedAt); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TypeRolloutUpdated, events.Scope{ProjectID: opts.ProjectID, ActorID: opts.UpdatedBy},
			events.EventPayload{"mode": opts.Mode, "kill_switch": opts.KillSwitch, "autonomous_mode": autonomous})
	})
	if err != nil {
		return RolloutResult{}, err
	}
	return RolloutResult{ProjectID: opts.ProjectID, AutonomousMode: autonomous, RolloutControls: controls}, nil
}
