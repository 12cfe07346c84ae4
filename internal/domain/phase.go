package domain

import "fmt"

// Phase identifies one stage of the instructional-design pipeline.
type Phase string

const (
	PhaseIngest    Phase = "ingest"
	PhaseAnalyze   Phase = "analyze"
	PhaseDesign    Phase = "design"
	PhaseDevelop   Phase = "develop"
	PhaseImplement Phase = "implement"
	PhaseEvaluate  Phase = "evaluate"

	// Downstream phases are tracked on the project but never executed by the
	// automated loop.
	PhasePersonalize Phase = "personalize"
	PhasePortal      Phase = "portal"
	PhaseGovern      Phase = "govern"
)

// PipelinePhases is the fixed execution order of the automated loop.
var PipelinePhases = []Phase{
	PhaseIngest,
	PhaseAnalyze,
	PhaseDesign,
	PhaseDevelop,
	PhaseImplement,
	PhaseEvaluate,
}

// AllPhases lists every phase a project carries a record for.
var AllPhases = []Phase{
	PhaseIngest,
	PhaseAnalyze,
	PhaseDesign,
	PhaseDevelop,
	PhaseImplement,
	PhaseEvaluate,
	PhasePersonalize,
	PhasePortal,
	PhaseGovern,
}

// FirstPhase is where a run starts when no valid start phase is given.
const FirstPhase = PhaseIngest

// ParsePipelinePhase accepts only the six executable phases.
func ParsePipelinePhase(s string) (Phase, error) {
	p := Phase(s)
	if p.IsPipeline() {
		return p, nil
	}
	return "", fmt.Errorf("invalid pipeline phase %q", s)
}

// IsPipeline reports whether p is executed by the automated loop.
func (p Phase) IsPipeline() bool {
	return p.index() >= 0
}

func (p Phase) index() int {
	for i, candidate := range PipelinePhases {
		if candidate == p {
			return i
		}
	}
	return -1
}

// PhasesFrom returns the pipeline phases starting at p. Non-pipeline values
// start from the first phase.
func PhasesFrom(p Phase) []Phase {
	idx := p.index()
	if idx < 0 {
		idx = 0
	}
	out := make([]Phase, len(PipelinePhases)-idx)
	copy(out, PipelinePhases[idx:])
	return out
}

// RunState is the coarse state of a project's current run.
type RunState string

const (
	RunIdle              RunState = "idle"
	RunQueued            RunState = "queued"
	RunIngesting         RunState = "ingesting"
	RunAnalyzing         RunState = "analyzing"
	RunDesigning         RunState = "designing"
	RunDeveloping        RunState = "developing"
	RunImplementing      RunState = "implementing"
	RunEvaluating        RunState = "evaluating"
	RunCompleted         RunState = "completed"
	RunFailed            RunState = "failed"
	RunExceptionRequired RunState = "exception_required"
	RunCanceled          RunState = "canceled"
)

// InFlightState maps a pipeline phase to the run state held while it executes.
func InFlightState(p Phase) RunState {
	switch p {
	case PhaseIngest:
		return RunIngesting
	case PhaseAnalyze:
		return RunAnalyzing
	case PhaseDesign:
		return RunDesigning
	case PhaseDevelop:
		return RunDeveloping
	case PhaseImplement:
		return RunImplementing
	case PhaseEvaluate:
		return RunEvaluating
	default:
		return RunQueued
	}
}

// IsTerminal reports whether no run is executing in state s.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunIdle, RunCompleted, RunFailed, RunExceptionRequired, RunCanceled:
		return true
	}
	return s == ""
}

// HoldsIdempotency reports whether a run in state s can be returned again for
// the same idempotency key.
func (s RunState) HoldsIdempotency() bool {
	switch s {
	case "", RunIdle, RunFailed, RunCanceled:
		return false
	}
	return true
}

// PhaseStatus is the lifecycle of a single PhaseRecord.
type PhaseStatus string

const (
	PhasePending           PhaseStatus = "pending"
	PhaseInProgress        PhaseStatus = "in_progress"
	PhaseCompleted         PhaseStatus = "completed"
	PhaseFailed            PhaseStatus = "failed"
	PhaseExceptionRequired PhaseStatus = "exception_required"
	PhaseSkipped           PhaseStatus = "skipped"
	PhaseCanceled          PhaseStatus = "canceled"
)

// GateResult is a quality-gate verdict.
type GateResult string

const (
	GatePending           GateResult = "pending"
	GatePass              GateResult = "pass"
	GateFail              GateResult = "fail"
	GateExceptionRequired GateResult = "exception_required"
)

// PhaseStatusFor maps a verdict onto the PhaseRecord status it implies.
func PhaseStatusFor(g GateResult) PhaseStatus {
	switch g {
	case GatePass:
		return PhaseCompleted
	case GateExceptionRequired:
		return PhaseExceptionRequired
	case GateFail:
		return PhaseFailed
	default:
		return PhaseInProgress
	}
}
