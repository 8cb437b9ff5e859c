// Package status maps provider result/status vocabulary onto the small set of
// presentation states used to choose icons and grouping.
package status

import "pipescope/pkg/azdo"

// State is the presentation state of a run or timeline record.
type State string

const (
	Running          State = "running"
	Queued           State = "queued"
	AwaitingApproval State = "awaiting_approval"
	Succeeded        State = "succeeded"
	Failed           State = "failed"
	Unknown          State = "unknown"
)

// Category groups states by meaning.
type Category string

const (
	CategoryActive  Category = "active"
	CategoryBlocked Category = "blocked"
	CategoryDone    Category = "done"
	CategoryUnknown Category = "unknown"
)

// Classify derives the presentation state. The order of the checks matters: an
// approval gate reports a pending status at the run level, so it has to be
// recognised before the generic in-progress and queued rules.
func Classify(result azdo.RunResult, status azdo.RunStatus, hasActiveApproval bool) State {
	switch {
	case hasActiveApproval && status.Queued():
		return AwaitingApproval
	case status == azdo.RunStatusInProgress:
		return Running
	case status.Queued():
		return Queued
	case result == azdo.RunResultSucceeded:
		return Succeeded
	case result == azdo.RunResultFailed:
		return Failed
	default:
		return Unknown
	}
}

// ClassifyRun classifies a run given whether it has an active pending approval.
func ClassifyRun(run azdo.Run, hasActiveApproval bool) State {
	return Classify(run.Result, run.Status, hasActiveApproval)
}

// ClassifyRecord classifies a timeline record. Records never carry approvals.
func ClassifyRecord(rec azdo.TimelineRecord) State {
	return Classify(rec.Result, rec.State, false)
}

// Category returns the semantic group of s.
func (s State) Category() Category {
	switch s {
	case Running, Queued:
		return CategoryActive
	case AwaitingApproval:
		return CategoryBlocked
	case Succeeded, Failed:
		return CategoryDone
	default:
		return CategoryUnknown
	}
}

// Active reports whether the state warrants periodic refresh.
func (s State) Active() bool { return s.Category() == CategoryActive }

// Paused reports whether s is rendered like Running but marked as paused.
func (s State) Paused() bool { return s == Queued }

// Icon returns the codicon name used for s.
func (s State) Icon() string {
	switch s {
	case Running:
		return "sync"
	case Queued:
		return "debug-pause"
	case AwaitingApproval:
		return "question"
	case Succeeded:
		return "check"
	case Failed:
		return "error"
	default:
		return "circle-outline"
	}
}

// Symbol returns a single character marker for terminal output.
func (s State) Symbol() string {
	switch s {
	case Running:
		return "↻"
	case Queued:
		return "⏸"
	case AwaitingApproval:
		return "?"
	case Succeeded:
		return "✓"
	case Failed:
		return "✗"
	default:
		return "○"
	}
}
