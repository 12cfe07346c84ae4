package telemetry_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"addie/internal/telemetry"
)

func gathered(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				out[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[mf.GetName()] += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[mf.GetName()] += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestMetricsRecordRunLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := telemetry.NewMetrics(reg)
	m.RunStarted("run")
	assert.Equal(t, 1.0, gathered(t, reg)["addie_runs_in_flight"])

	m.GateVerdict("develop", "exception_required")
	m.ExceptionRaised("high")
	m.ObservePhase("develop", "exception_required", 20*time.Millisecond)
	m.RunFinished("exception_required")

	got := gathered(t, reg)
	assert.Equal(t, 0.0, got["addie_runs_in_flight"])
	assert.Equal(t, 1.0, got["addie_runs_started_total"])
	assert.Equal(t, 1.0, got["addie_runs_finished_total"])
	assert.Equal(t, 1.0, got["addie_gate_verdicts_total"])
	assert.Equal(t, 1.0, got["addie_exceptions_raised_total"])
	assert.Equal(t, 1.0, got["addie_phase_duration_seconds"])
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *telemetry.Metrics
	assert.NotPanics(t, func() {
		m.RunStarted("run")
		m.GateVerdict("ingest", "pass")
		m.ObservePhase("ingest", "success", time.Second)
		m.RunFinished("completed")
	})
}

func TestNewLogger(t *testing.T) {
	logger, err := telemetry.NewLogger("debug", true)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))
	_, err = telemetry.NewLogger("chatty", false)
	assert.Error(t, err)
}
