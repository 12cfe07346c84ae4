package engine_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"addie/internal/config"
	"addie/internal/db"
	"addie/internal/domain"
	"addie/internal/engine"
	"addie/internal/gate"
	"addie/internal/migrate"
	"addie/internal/phases"
	"addie/internal/repo"
)

const healthyText = "Photosynthesis converts light into chemical energy.\n\n" +
	"Chlorophyll absorbs red and blue wavelengths.\n\n" +
	"Oxygen is released as a byproduct of the reaction."

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	cfg := config.Default()
	cfg.Orchestrator.IngestRetry.Backoff = []time.Duration{0, 0, 0}
	eng := engine.New(conn, cfg, zap.NewNop(), nil)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: ctx}
}

// seedProject creates a project in org-1 with one learner and one text
// document per content string.
func seedProject(t *testing.T, env testEnv, contents ...string) domain.Project {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{OrgID: "org-1", Name: "Biology 101", ActorID: "tester"})
	require.NoError(t, err)
	_, err = env.Engine.AddLearner(env.Ctx, "org-1", "Ada", "tester")
	require.NoError(t, err)
	for i, content := range contents {
		_, err := env.Engine.AddDocument(env.Ctx, engine.DocumentAddOptions{
			ProjectID:   p.ID,
			Title:       fmt.Sprintf("Doc %d", i+1),
			SourceType:  phases.SourceText,
			ContentText: content,
			ActorID:     "tester",
		})
		require.NoError(t, err)
	}
	return p
}

func phaseRecords(t *testing.T, env testEnv, projectID string) map[domain.Phase]domain.PhaseRecord {
	t.Helper()
	status, err := env.Engine.GetRunStatus(env.Ctx, projectID)
	require.NoError(t, err)
	out := map[domain.Phase]domain.PhaseRecord{}
	for _, rec := range status.Phases {
		out[rec.Phase] = rec
	}
	return out
}

func TestCreateProjectSeedsPhaseRecords(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env)
	status, err := env.Engine.GetRunStatus(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunIdle, status.RunState)
	assert.True(t, status.AutonomousMode)
	require.Len(t, status.Phases, len(domain.AllPhases))
	for i, rec := range status.Phases {
		assert.Equal(t, domain.AllPhases[i], rec.Phase)
		assert.Equal(t, domain.PhasePending, rec.Status)
		assert.Equal(t, domain.GatePending, rec.GateResult)
	}
}

func TestStartRunCompletesHealthyProject(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, healthyText)

	res, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProjectID: p.ID, IdempotencyKey: "K1", RequestedBy: "tester"})
	require.NoError(t, err)
	require.Equal(t, engine.StatusCompleted, res.Status, res.Message)
	assert.Equal(t, 1, res.RunAttempt)
	require.NotNil(t, res.OutcomePackage)
	assert.Contains(t, res.OutcomePackage, "outcome_summary")

	recs := phaseRecords(t, env, p.ID)
	for _, phase := range domain.PipelinePhases {
		assert.Equal(t, domain.PhaseCompleted, recs[phase].Status, phase)
		assert.Equal(t, domain.GatePass, recs[phase].GateResult, phase)
		require.NotNil(t, recs[phase].ConfidenceScore, phase)
		assert.Equal(t, 1.0, *recs[phase].ConfidenceScore, phase)
	}
	assert.Equal(t, domain.PhasePending, recs[domain.PhasePortal].Status)

	metrics, err := env.Engine.ListMetrics(env.Ctx, p.ID, res.RunID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(metrics), 6)
	assert.Equal(t, domain.PhaseEvaluate, metrics[0].Phase, "newest first")
	for _, m := range metrics {
		assert.Equal(t, domain.MetricSuccess, m.Status)
		assert.Equal(t, "run", m.Metadata["mode"])
		assert.Equal(t, "tester", m.Metadata["requested_by"])
	}

	status, err := env.Engine.GetRunStatus(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, status.RunState)
	assert.Equal(t, domain.PhaseEvaluate, status.CurrentPhase)
	assert.NotNil(t, status.RunCompletedAt)
	assert.Empty(t, status.LastErrorCode)

	evts, err := env.Engine.ListEvents(env.Ctx, p.ID, res.RunID)
	require.NoError(t, err)
	require.NotEmpty(t, evts)
	assert.Equal(t, "run.started", evts[0].Type)
	assert.Equal(t, "run.completed", evts[len(evts)-1].Type)
	assert.Equal(t, status.CorrelationID, evts[0].CorrelationID)
}

func TestStartRunIsIdempotentPerKey(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, healthyText)

	first, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProjectID: p.ID, IdempotencyKey: "K1"})
	require.NoError(t, err)
	require.Equal(t, engine.StatusCompleted, first.Status)
	before, err := env.Engine.ListMetrics(env.Ctx, p.ID, "")
	require.NoError(t, err)

	again, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProjectID: p.ID, IdempotencyKey: "K1"})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusExisting, again.Status)
	assert.Equal(t, first.RunID, again.RunID)
	assert.Equal(t, 1, again.RunAttempt)
	after, err := env.Engine.ListMetrics(env.Ctx, p.ID, "")
	require.NoError(t, err)
	assert.Len(t, after, len(before), "no phase re-execution")

	fresh, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProjectID: p.ID, IdempotencyKey: "K2"})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, fresh.Status)
	assert.NotEqual(t, first.RunID, fresh.RunID)
	assert.Equal(t, 2, fresh.RunAttempt)
}

func TestFailedRunDoesNotHoldKey(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, "")

	first, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProjectID: p.ID, IdempotencyKey: "K1"})
	require.NoError(t, err)
	require.Equal(t, engine.StatusFailed, first.Status)

	again, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProjectID: p.ID, IdempotencyKey: "K1"})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusFailed, again.Status)
	assert.Equal(t, 2, again.RunAttempt)
}

func TestStartRunMissingProject(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProjectID: "nope", IdempotencyKey: "K1"})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusMissing, res.Status)
}

func TestCapabilityErrorFailsIngestGate(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, "   ")

	res, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProjectID: p.ID, IdempotencyKey: "K1"})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusFailed, res.Status)
	assert.Equal(t, gate.CodeIngestIndexIncomplete, res.ErrorCode)
	assert.Equal(t, domain.PhaseIngest, res.Phase)

	got, err := env.Engine.GetProject(env.Ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PhasesData.Ingest)
	require.Len(t, got.PhasesData.Ingest.Documents, 1)
	doc := got.PhasesData.Ingest.Documents[0]
	assert.Equal(t, phases.CodeContentMissing, doc.ErrorCode)
	assert.False(t, doc.Retryable)
	assert.Equal(t, 0, doc.Attempts)
	assert.Equal(t, domain.RunFailed, got.RunState)
	assert.Equal(t, gate.CodeIngestIndexIncomplete, got.LastErrorCode)

	recs := phaseRecords(t, env, p.ID)
	assert.Equal(t, domain.PhaseFailed, recs[domain.PhaseIngest].Status)
	assert.Equal(t, domain.GateFail, recs[domain.PhaseIngest].GateResult)
	assert.Equal(t, domain.PhasePending, recs[domain.PhaseAnalyze].Status)
}

func TestUnsupportedSourceTypeIsRecordedPerDocument(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, healthyText)
	_, err := env.Engine.AddDocument(env.Ctx, engine.DocumentAddOptions{
		ProjectID: p.ID, Title: "Lecture", SourceType: "video", SourceURL: "http://example.invalid/v.mp4",
	})
	require.NoError(t, err)

	res, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProjectID: p.ID, IdempotencyKey: "K1"})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusFailed, res.Status)
	assert.Equal(t, gate.CodeIngestIndexIncomplete, res.ErrorCode)

	docs, err := env.Engine.ListDocuments(env.Ctx, p.ID)
	require.NoError(t, err)
	states := map[string]string{}
	for _, d := range docs {
		states[d.SourceType] = d.Status
	}
	assert.Equal(t, phases.DocIndexed, states["text"])
	assert.Equal(t, phases.DocFailed, states["video"])
}

func TestIngestRetriesTransientFetchErrors(t *testing.T) {
	env := newTestEnv(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, healthyText)
	}))
	defer srv.Close()

	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{OrgID: "org-1", Name: "Web"})
	require.NoError(t, err)
	_, err = env.Engine.AddLearner(env.Ctx, "org-1", "Ada", "")
	require.NoError(t, err)
	_, err = env.Engine.AddDocument(env.Ctx, engine.DocumentAddOptions{ProjectID: p.ID, Title: "Page", SourceType: phases.SourceURL, SourceURL: srv.URL})
	require.NoError(t, err)

	res, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProjectID: p.ID, IdempotencyKey: "K1"})
	require.NoError(t, err)
	require.Equal(t, engine.StatusCompleted, res.Status, res.Message)

	metrics, err := env.Engine.ListMetrics(env.Ctx, p.ID, res.RunID)
	require.NoError(t, err)
	for _, m := range metrics {
		if m.Phase == domain.PhaseIngest {
			assert.Equal(t, 1, m.RetryCount)
		}
	}
	got, err := env.Engine.GetProject(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.PhasesData.Ingest.Documents[0].Attempts)
}

func TestDevelopIssuesRouteToException(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, "Photosynthesis converts light into chemical energy.")

	res, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProjectID: p.ID, IdempotencyKey: "K1"})
	require.NoError(t, err)
	require.Equal(t, engine.StatusExceptionRequired, res.Status)
	require.NotEmpty(t, res.ExceptionID)
	assert.Equal(t, gate.CodeDevelopQualityIssues, res.ErrorCode)
	assert.Equal(t, domain.PhaseDevelop, res.Phase)

	recs := phaseRecords(t, env, p.ID)
	dev := recs[domain.PhaseDevelop]
	assert.Equal(t, domain.PhaseExceptionRequired, dev.Status)
	assert.Equal(t, domain.GateExceptionRequired, dev.GateResult)
	assert.GreaterOrEqual(t, *dev.RiskScore, 0.72)
	assert.LessOrEqual(t, *dev.ConfidenceScore, 0.58)
	assert.Equal(t, domain.PhasePending, recs[domain.PhaseImplement].Status)

	open, err := env.Engine.ListExceptions(env.Ctx, p.ID, domain.ExceptionOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	ex := open[0]
	assert.Equal(t, res.ExceptionID, ex.ID)
	assert.Contains(t, []string{engine.PriorityHigh, engine.PriorityCritical}, ex.Priority)
	assert.Equal(t, "2024-01-03T00:00:00Z", ex.DueAt)
	assert.Equal(t, res.RunID, ex.RunID)

	// Same key while exception_required replays the run.
	again, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProjectID: p.ID, IdempotencyKey: "K1"})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusExisting, again.Status)
	assert.Equal(t, res.RunID, again.RunID)

	blocked, err := env.Engine.ResumeRun(env.Ctx, p.ID, "R1", "tester")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusBlocked, blocked.Status)
	assert.Equal(t, engine.CodeOpenExceptionExists, blocked.ErrorCode)
	status, err := env.Engine.GetRunStatus(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.RunAttempt, "blocked resume performs no work")

	resolved, err := env.Engine.ResolveException(env.Ctx, engine.ResolveOptions{
		ProjectID: p.ID, ExceptionID: ex.ID, Action: "override", Notes: "accepted as is", ResolvedBy: "reviewer-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ExceptionOverridden, resolved.Status)
	assert.Equal(t, "reviewer-1", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = env.Engine.ResolveException(env.Ctx, engine.ResolveOptions{ProjectID: p.ID, ExceptionID: ex.ID, Action: "reject"})
	var conflict engine.ConflictError
	assert.True(t, errors.As(err, &conflict))
	_, err = env.Engine.ResolveException(env.Ctx, engine.ResolveOptions{ProjectID: p.ID, ExceptionID: ex.ID, Action: "approve"})
	var invalid engine.ValidationError
	assert.True(t, errors.As(err, &invalid))
	_, err = env.Engine.ResolveException(env.Ctx, engine.ResolveOptions{ProjectID: p.ID, ExceptionID: "nope"})
	assert.True(t, errors.Is(err, repo.ErrNotFound))

	resumed, err := env.Engine.ResumeRun(env.Ctx, p.ID, "R1", "tester")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusExceptionRequired, resumed.Status, "same content is flagged again")
	assert.Equal(t, 2, resumed.RunAttempt)
	metrics, err := env.Engine.ListMetrics(env.Ctx, p.ID, resumed.RunID)
	require.NoError(t, err)
	require.Len(t, metrics, 1, "resume starts at the current phase")
	assert.Equal(t, domain.PhaseDevelop, metrics[0].Phase)
	assert.Equal(t, "resume", metrics[0].Metadata["mode"])
}

func TestStartRunSkipCompleted(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, healthyText)
	_, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProjectID: p.ID, IdempotencyKey: "K1"})
	require.NoError(t, err)

	var calls atomic.Int32
	reg := env.Engine.Phases
	for _, phase := range domain.PipelinePhases {
		reg, err = reg.With(phase, phases.WorkerFunc(func(ctx context.Context, projectID string) (phases.Report, error) {
			calls.Add(1)
			return phases.Report{Status: phases.StatusCompleted}, nil
		}))
		require.NoError(t, err)
	}
	env.Engine.Phases = reg

	res, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProjectID: p.ID, IdempotencyKey: "K2", SkipCompleted: true})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, res.Status)
	assert.Equal(t, int32(0), calls.Load())
	metrics, err := env.Engine.ListMetrics(env.Ctx, p.ID, res.RunID)
	require.NoError(t, err)
	require.Len(t, metrics, 6)
	for _, m := range metrics {
		assert.Equal(t, domain.MetricSkipped, m.Status)
	}
}

func TestInvalidStartPhaseFallsBackToFirst(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, healthyText)
	res, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProjectID: p.ID, IdempotencyKey: "K1", StartPhase: "portal"})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, res.Status)
	metrics, err := env.Engine.ListMetrics(env.Ctx, p.ID, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseIngest, metrics[len(metrics)-1].Phase)
}

func TestPhasesRunOnlyAfterPreviousGatePasses(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, healthyText)
	var order []domain.Phase
	reg := env.Engine.Phases
	for i, phase := range domain.PipelinePhases {
		inner, err := reg.Worker(phase)
		require.NoError(t, err)
		reg, err = reg.With(phase, phases.WorkerFunc(func(ctx context.Context, projectID string) (phases.Report, error) {
			if i > 0 {
				prev := phaseRecords(t, env, projectID)[domain.PipelinePhases[i-1]]
				assert.Equal(t, domain.GatePass, prev.GateResult, "before %s", phase)
			}
			order = append(order, phase)
			return inner.Execute(ctx, projectID)
		}))
		require.NoError(t, err)
	}
	env.Engine.Phases = reg

	res, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProjectID: p.ID, IdempotencyKey: "K1"})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, res.Status)
	assert.Equal(t, domain.PipelinePhases, order)
}

func TestMissingProjectDuringPhaseFailsRun(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, healthyText)
	var developCalled bool
	reg, err := env.Engine.Phases.With(domain.PhaseAnalyze, phases.WorkerFunc(func(ctx context.Context, projectID string) (phases.Report, error) {
		return phases.Report{Status: phases.StatusMissing}, nil
	}))
	require.NoError(t, err)
	reg, err = reg.With(domain.PhaseDevelop, phases.WorkerFunc(func(ctx context.Context, projectID string) (phases.Report, error) {
		developCalled = true
		return phases.Report{Status: phases.StatusCompleted}, nil
	}))
	require.NoError(t, err)
	env.Engine.Phases = reg

	res, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProjectID: p.ID, IdempotencyKey: "K1"})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusFailed, res.Status)
	assert.Equal(t, engine.CodePhaseExecutionMissing, res.ErrorCode)
	assert.False(t, developCalled)

	metrics, err := env.Engine.ListMetrics(env.Ctx, p.ID, res.RunID)
	require.NoError(t, err)
	require.NotEmpty(t, metrics)
	assert.Equal(t, domain.PhaseAnalyze, metrics[0].Phase)
	assert.Equal(t, domain.MetricFailed, metrics[0].Status)
}

func TestCancelIsNoopOnTerminalState(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, healthyText)
	for i := 0; i < 2; i++ {
		res, err := env.Engine.CancelRun(env.Ctx, p.ID, "", "tester")
		require.NoError(t, err)
		assert.Equal(t, engine.StatusNoop, res.Status)
		assert.Equal(t, domain.RunIdle, res.RunState)
	}
	res, err := env.Engine.CancelRun(env.Ctx, "nope", "", "tester")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusMissing, res.Status)
}

func TestCancelStopsRunBeforeNextPhase(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, healthyText)
	var implementCalled bool
	design, err := env.Engine.Phases.Worker(domain.PhaseDesign)
	require.NoError(t, err)
	reg, err := env.Engine.Phases.With(domain.PhaseDesign, phases.WorkerFunc(func(ctx context.Context, projectID string) (phases.Report, error) {
		res, err := env.Engine.CancelRun(ctx, projectID, "operator stop", "tester")
		require.NoError(t, err)
		assert.Equal(t, engine.StatusCanceled, res.Status)
		assert.Equal(t, domain.PhaseDesign, res.Phase)
		return design.Execute(ctx, projectID)
	}))
	require.NoError(t, err)
	reg, err = reg.With(domain.PhaseImplement, phases.WorkerFunc(func(ctx context.Context, projectID string) (phases.Report, error) {
		implementCalled = true
		return phases.Report{Status: phases.StatusCompleted}, nil
	}))
	require.NoError(t, err)
	env.Engine.Phases = reg

	res, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProjectID: p.ID, IdempotencyKey: "K1"})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCanceled, res.Status)
	assert.Equal(t, engine.CodeRunCanceled, res.ErrorCode)
	assert.False(t, implementCalled)

	status, err := env.Engine.GetRunStatus(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCanceled, status.RunState)
	assert.Equal(t, engine.CodeRunCanceled, status.LastErrorCode)
	assert.Equal(t, "operator stop", status.LastErrorMsg)
	recs := phaseRecords(t, env, p.ID)
	assert.Equal(t, domain.PhaseCanceled, recs[domain.PhaseDesign].Status)
	assert.Equal(t, domain.GatePending, recs[domain.PhaseDesign].GateResult)
	assert.Equal(t, domain.PhaseCompleted, recs[domain.PhaseAnalyze].Status)

	again, err := env.Engine.CancelRun(env.Ctx, p.ID, "", "tester")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusNoop, again.Status)
	assert.Equal(t, domain.RunCanceled, again.RunState)
}

func TestCallerCancelBetweenPhasesEndsRun(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, healthyText)
	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	reference := env.Engine.Phases
	ingest, err := reference.Worker(domain.PhaseIngest)
	require.NoError(t, err)
	reg, err := reference.With(domain.PhaseIngest, phases.WorkerFunc(func(ctx context.Context, projectID string) (phases.Report, error) {
		report, err := ingest.Execute(ctx, projectID)
		cancel()
		return report, err
	}))
	require.NoError(t, err)
	env.Engine.Phases = reg

	res, err := env.Engine.StartRun(ctx, engine.StartRunOptions{ProjectID: p.ID, IdempotencyKey: "K1"})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCanceled, res.Status)
	assert.Equal(t, engine.CodeRunCanceled, res.ErrorCode)

	status, err := env.Engine.GetRunStatus(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCanceled, status.RunState)
	assert.Equal(t, engine.CodeRunCanceled, status.LastErrorCode)
	assert.NotNil(t, status.RunCompletedAt)
	recs := phaseRecords(t, env, p.ID)
	assert.Equal(t, domain.GatePass, recs[domain.PhaseIngest].GateResult)
	assert.Equal(t, domain.PhasePending, recs[domain.PhaseAnalyze].Status)

	// A canceled run releases its key.
	env.Engine.Phases = reference
	again, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProjectID: p.ID, IdempotencyKey: "K1"})
	require.NoError(t, err)
	assert.NotEqual(t, engine.StatusExisting, again.Status)
	assert.Equal(t, 2, again.RunAttempt)
}

func TestCallerCancelDuringPhaseEndsRun(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, healthyText)
	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	reg, err := env.Engine.Phases.With(domain.PhaseAnalyze, phases.WorkerFunc(func(ctx context.Context, projectID string) (phases.Report, error) {
		cancel()
		return phases.Report{}, ctx.Err()
	}))
	require.NoError(t, err)
	env.Engine.Phases = reg

	res, err := env.Engine.StartRun(ctx, engine.StartRunOptions{ProjectID: p.ID, IdempotencyKey: "K1"})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCanceled, res.Status)
	assert.Equal(t, engine.CodeRunCanceled, res.ErrorCode)
	assert.Equal(t, domain.PhaseAnalyze, res.Phase)

	status, err := env.Engine.GetRunStatus(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCanceled, status.RunState)
	recs := phaseRecords(t, env, p.ID)
	assert.Equal(t, domain.PhaseCanceled, recs[domain.PhaseAnalyze].Status)
	assert.Equal(t, domain.PhaseCompleted, recs[domain.PhaseIngest].Status)
}

func TestNewerRunSupersedesActiveRun(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, healthyText)
	ingest, err := env.Engine.Phases.Worker(domain.PhaseIngest)
	require.NoError(t, err)
	var nested atomic.Bool
	var inner engine.RunResult
	reg, err := env.Engine.Phases.With(domain.PhaseIngest, phases.WorkerFunc(func(ctx context.Context, projectID string) (phases.Report, error) {
		if nested.CompareAndSwap(false, true) {
			var err error
			inner, err = env.Engine.StartRun(ctx, engine.StartRunOptions{ProjectID: projectID, IdempotencyKey: "K2"})
			require.NoError(t, err)
		}
		return ingest.Execute(ctx, projectID)
	}))
	require.NoError(t, err)
	env.Engine.Phases = reg

	outer, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProjectID: p.ID, IdempotencyKey: "K1"})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusSuperseded, outer.Status)
	assert.Equal(t, engine.CodeRunSuperseded, outer.ErrorCode)
	assert.Equal(t, engine.StatusCompleted, inner.Status)
	assert.Equal(t, 2, inner.RunAttempt)

	status, err := env.Engine.GetRunStatus(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, inner.RunID, status.RunID)
	assert.Equal(t, domain.RunCompleted, status.RunState)
}

func TestRetryStageReexecutesOnePhase(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, healthyText)
	first, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProjectID: p.ID, IdempotencyKey: "K1"})
	require.NoError(t, err)
	require.Equal(t, engine.StatusCompleted, first.Status)
	before := phaseRecords(t, env, p.ID)

	res, err := env.Engine.RetryStage(env.Ctx, p.ID, "evaluate", "tester")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, res.Status)
	assert.NotEqual(t, first.RunID, res.RunID)
	assert.Equal(t, 2, res.RunAttempt)

	metrics, err := env.Engine.ListMetrics(env.Ctx, p.ID, res.RunID)
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, domain.PhaseEvaluate, metrics[0].Phase)
	assert.Equal(t, engine.ModeStageRetry, metrics[0].Metadata["mode"])

	after := phaseRecords(t, env, p.ID)
	for _, phase := range domain.AllPhases {
		if phase == domain.PhaseEvaluate {
			continue
		}
		assert.Equal(t, before[phase], after[phase], phase)
	}
}

func TestRetryStageRejectsInvalidPhase(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, healthyText)
	res, err := env.Engine.RetryStage(env.Ctx, p.ID, "portal", "tester")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusInvalidPhase, res.Status)
	status, err := env.Engine.GetRunStatus(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, status.RunAttempt)
	assert.Equal(t, domain.RunIdle, status.RunState)

	res, err = env.Engine.RetryStage(env.Ctx, "nope", "ingest", "tester")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusMissing, res.Status)
}

func TestRolloutControlsGateAutonomy(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, healthyText)

	out, err := env.Engine.UpdateRolloutControls(env.Ctx, engine.RolloutOptions{ProjectID: p.ID, Mode: "autonomous", KillSwitch: true, UpdatedBy: "ops"})
	require.NoError(t, err)
	assert.False(t, out.AutonomousMode)
	assert.True(t, out.RolloutControls.KillSwitch)

	res, err := env.Engine.StartRun(env.Ctx, engine.StartRunOptions{ProjectID: p.ID, IdempotencyKey: "K1"})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusBlocked, res.Status)
	assert.Equal(t, engine.CodeAutonomousModeDisabled, res.ErrorCode)
	res, err = env.Engine.RetryStage(env.Ctx, p.ID, "ingest", "ops")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusBlocked, res.Status)

	out, err = env.Engine.UpdateRolloutControls(env.Ctx, engine.RolloutOptions{ProjectID: p.ID, Mode: "supervised"})
	require.NoError(t, err)
	assert.False(t, out.AutonomousMode)

	out, err = env.Engine.UpdateRolloutControls(env.Ctx, engine.RolloutOptions{ProjectID: p.ID, Guardrails: map[string]any{"max_courses": 3}})
	require.NoError(t, err)
	assert.True(t, out.AutonomousMode)
	got, err := env.Engine.GetProject(env.Ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PhasesData.Rollout)
	assert.Equal(t, "autonomous", got.PhasesData.Rollout.Mode)
	assert.EqualValues(t, 3, got.PhasesData.Rollout.Guardrails["max_courses"])

	_, err = env.Engine.UpdateRolloutControls(env.Ctx, engine.RolloutOptions{ProjectID: "nope"})
	assert.True(t, engine.IsNotFound(err))
}

func TestListExceptionsValidatesStatus(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env)
	_, err := env.Engine.ListExceptions(env.Ctx, p.ID, "pending")
	var invalid engine.ValidationError
	assert.True(t, errors.As(err, &invalid))
	list, err := env.Engine.ListExceptions(env.Ctx, p.ID, "")
	require.NoError(t, err)
	assert.Empty(t, list)
	_, err = env.Engine.ListMetrics(env.Ctx, "nope", "")
	assert.True(t, engine.IsNotFound(err))
}

func TestPriorityFromRisk(t *testing.T) {
	assert.Equal(t, engine.PriorityCritical, engine.Priority(0.85))
	assert.Equal(t, engine.PriorityCritical, engine.Priority(1.0))
	assert.Equal(t, engine.PriorityHigh, engine.Priority(0.72))
	assert.Equal(t, engine.PriorityHigh, engine.Priority(0.70))
	assert.Equal(t, engine.PriorityMedium, engine.Priority(0.3))
	assert.Equal(t, engine.PriorityMedium, engine.Priority(0))
}
