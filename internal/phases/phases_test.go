package phases_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"addie/internal/domain"
	"addie/internal/phases"
)

func noop(status phases.Status) phases.Worker {
	return phases.WorkerFunc(func(ctx context.Context, projectID string) (phases.Report, error) {
		return phases.Report{Status: status}, nil
	})
}

func TestRegistryMustCoverEveryPipelinePhase(t *testing.T) {
	workers := map[domain.Phase]phases.Worker{}
	for _, p := range domain.PipelinePhases[:5] {
		workers[p] = noop(phases.StatusCompleted)
	}
	_, err := phases.NewRegistry(workers)
	require.Error(t, err)

	workers[domain.PhaseEvaluate] = noop(phases.StatusCompleted)
	reg, err := phases.NewRegistry(workers)
	require.NoError(t, err)
	for _, p := range domain.PipelinePhases {
		_, err := reg.Worker(p)
		assert.NoError(t, err, p)
	}
	_, err = reg.Worker(domain.PhasePortal)
	assert.Error(t, err)

	workers[domain.PhaseGovern] = noop(phases.StatusCompleted)
	_, err = phases.NewRegistry(workers)
	assert.Error(t, err)
}

func TestRegistryWithReplacesOneWorker(t *testing.T) {
	workers := map[domain.Phase]phases.Worker{}
	for _, p := range domain.PipelinePhases {
		workers[p] = noop(phases.StatusCompleted)
	}
	reg, err := phases.NewRegistry(workers)
	require.NoError(t, err)
	swapped, err := reg.With(domain.PhaseDesign, noop(phases.StatusMissing))
	require.NoError(t, err)

	w, _ := swapped.Worker(domain.PhaseDesign)
	rep, err := w.Execute(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, phases.StatusMissing, rep.Status)

	w, _ = reg.Worker(domain.PhaseDesign)
	rep, _ = w.Execute(context.Background(), "p")
	assert.Equal(t, phases.StatusCompleted, rep.Status)
}

func TestBloomClassification(t *testing.T) {
	assert.Equal(t, 1, phases.BloomLevel("Define the term and list examples."))
	assert.Equal(t, 2, phases.BloomLevel("Water boils at sea level."))
	assert.Equal(t, 4, phases.BloomLevel("Compare both approaches; recall the basics."))
	assert.Equal(t, 6, phases.BloomLevel("Design a new experiment."))
	assert.Equal(t, "foundation", phases.Band(2))
	assert.Equal(t, "application", phases.Band(3))
	assert.Equal(t, "analysis", phases.Band(4))
	assert.Equal(t, "critical", phases.Band(5))
	assert.Equal(t, "create", phases.BloomName(6))
}
