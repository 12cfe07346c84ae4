package repo_test

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"addie/internal/db"
	"addie/internal/domain"
	"addie/internal/migrate"
	"addie/internal/repo"
)

const ts = "2024-01-01T00:00:00Z"

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: filepath.Join(t.TempDir(), "ws")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return repo.Repo{DB: conn}
}

func createProject(t *testing.T, r repo.Repo, id string) domain.Project {
	t.Helper()
	p := domain.Project{
		ID:             id,
		OrgID:          "org-1",
		Name:           "Onboarding",
		Status:         "active",
		CurrentPhase:   domain.PhaseIngest,
		RunState:       domain.RunIdle,
		AutonomousMode: true,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	require.NoError(t, r.InTx(context.Background(), func(tx *sql.Tx) error {
		return r.CreateProject(context.Background(), tx, p)
	}))
	return p
}

func TestCreateProjectSeedsEveryPhase(t *testing.T) {
	r := newRepo(t)
	createProject(t, r, "p1")

	records, err := r.ListPhases(context.Background(), r.DB, "p1")
	require.NoError(t, err)
	require.Len(t, records, len(domain.AllPhases))
	for _, rec := range records {
		assert.Equal(t, domain.PhasePending, rec.Status, rec.Phase)
		assert.Equal(t, domain.GatePending, rec.GateResult, rec.Phase)
	}

	_, err = r.GetProject(context.Background(), "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestUpdateProjectRunComparesAttempt(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	p := createProject(t, r, "p1")

	p.RunAttempt = 1
	p.RunState = domain.RunIngesting
	p.CurrentRunID = "run-1"
	require.NoError(t, r.InTx(ctx, func(tx *sql.Tx) error {
		return r.UpdateProjectRun(ctx, tx, p, 0)
	}))

	// A writer that still believes attempt 0 is current has been superseded.
	stale := p
	stale.RunAttempt = 1
	stale.CurrentRunID = "run-stale"
	err := r.InTx(ctx, func(tx *sql.Tx) error {
		return r.UpdateProjectRun(ctx, tx, stale, 0)
	})
	assert.ErrorIs(t, err, repo.ErrStaleRun)

	got, err := r.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.CurrentRunID)
	assert.Equal(t, 1, got.RunAttempt)

	missing := p
	missing.ID = "nope"
	err = r.InTx(ctx, func(tx *sql.Tx) error {
		return r.UpdateProjectRun(ctx, tx, missing, 1)
	})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestMutatePhaseResults(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	createProject(t, r, "p1")

	require.NoError(t, r.UpdatePhaseResults(ctx, "p1", ts, func(res *domain.PhaseResults) {
		res.Rollout = &domain.RolloutControls{Mode: "shadow", KillSwitch: true}
	}))
	got, err := r.GetProject(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got.PhasesData.Rollout)
	assert.Equal(t, "shadow", got.PhasesData.Rollout.Mode)

	err = r.UpdatePhaseResults(ctx, "missing", ts, func(*domain.PhaseResults) {})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestExceptionLedger(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	createProject(t, r, "p1")

	require.NoError(t, r.InTx(ctx, func(tx *sql.Tx) error {
		for i := 0; i < 3; i++ {
			if err := r.InsertException(ctx, tx, domain.Exception{
				ID:         fmt.Sprintf("x%d", i),
				ProjectID:  "p1",
				Phase:      domain.PhaseDevelop,
				ReasonCode: "DEVELOP_QUALITY_ISSUES",
				RiskScore:  0.72,
				Status:     domain.ExceptionOpen,
				Priority:   "high",
				DueAt:      "2024-01-03T00:00:00Z",
				CreatedAt:  fmt.Sprintf("2024-01-01T00:00:0%dZ", i),
				UpdatedAt:  ts,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	items, err := r.ListExceptions(ctx, "p1", "", 0)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "x2", items[0].ID)

	open, err := r.CountOpenExceptions(ctx, r.DB, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, open)

	resolve := func() (bool, error) {
		var ok bool
		err := r.InTx(ctx, func(tx *sql.Tx) error {
			var err error
			ok, err = r.ResolveException(ctx, tx, domain.Exception{
				ID: "x1", ProjectID: "p1", Status: domain.ExceptionResolved, ResolvedBy: "rev", UpdatedAt: ts,
			})
			return err
		})
		return ok, err
	}
	ok, err := resolve()
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = resolve()
	require.NoError(t, err)
	assert.False(t, ok, "already closed")

	items, err = r.ListExceptions(ctx, "p1", domain.ExceptionOpen, 0)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	_, err = r.GetException(ctx, r.DB, "other", "x1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}
