package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline collectors. A nil *Metrics is valid and records
// nothing.
//
// Metrics:
//   - addie_runs_started_total{mode}
//   - addie_runs_finished_total{status}
//   - addie_phase_duration_seconds{phase,status}
//   - addie_gate_verdicts_total{phase,result}
//   - addie_exceptions_raised_total{priority}
//   - addie_runs_in_flight
type Metrics struct {
	RunsStarted      *prometheus.CounterVec
	RunsFinished     *prometheus.CounterVec
	PhaseDuration    *prometheus.HistogramVec
	GateVerdicts     *prometheus.CounterVec
	ExceptionsRaised *prometheus.CounterVec
	RunsInFlight     prometheus.Gauge
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "addie_runs_started_total",
			Help: "Pipeline runs started, by mode",
		}, []string{"mode"}),
		RunsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "addie_runs_finished_total",
			Help: "Pipeline runs finished, by final status",
		}, []string{"status"}),
		PhaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "addie_phase_duration_seconds",
			Help:    "Duration of phase steps in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"phase", "status"}),
		GateVerdicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "addie_gate_verdicts_total",
			Help: "Quality gate verdicts, by phase and result",
		}, []string{"phase", "result"}),
		ExceptionsRaised: f.NewCounterVec(prometheus.CounterOpts{
			Name: "addie_exceptions_raised_total",
			Help: "Exceptions routed to human review, by priority",
		}, []string{"priority"}),
		RunsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "addie_runs_in_flight",
			Help: "Runs currently executing in this process",
		}),
	}
}

func (m *Metrics) RunStarted(mode string) {
	if m == nil {
		return
	}
	m.RunsStarted.WithLabelValues(mode).Inc()
	m.RunsInFlight.Inc()
}

func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.RunsFinished.WithLabelValues(status).Inc()
	m.RunsInFlight.Dec()
}

func (m *Metrics) ObservePhase(phase, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(phase, status).Observe(d.Seconds())
}

func (m *Metrics) GateVerdict(phase, result string) {
	if m == nil {
		return
	}
	m.GateVerdicts.WithLabelValues(phase, result).Inc()
}

func (m *Metrics) ExceptionRaised(priority string) {
	if m == nil {
		return
	}
	m.ExceptionsRaised.WithLabelValues(priority).Inc()
}
