package engine

import "github.com/releasekit/releasekit/pkg/protocol"

// StepState is the lifecycle state of a planned step.
type StepState string

const (
	StepStatePending   StepState = "pending"
	StepStateRunning   StepState = "running"
	StepStateSucceeded StepState = "succeeded"
	StepStateSkipped   StepState = "skipped"
	StepStateFailed    StepState = "failed"
)

// EngineState is the lifecycle state of a run.
type EngineState string

const (
	EngineStatePending   EngineState = "pending"
	EngineStateRunning   EngineState = "running"
	EngineStateAborting  EngineState = "aborting"
	EngineStateSucceeded EngineState = "succeeded"
	EngineStateFailed    EngineState = "failed"
)

// StepStatus records the outcome of one planned step.
type StepStatus struct {
	Step  protocol.Step `json:"step"`
	State StepState     `json:"state"`

	// Err is set when State is failed. For pre_flight it carries the
	// collected failures joined into one error.
	Err error `json:"-"`
}

// RunReport summarizes a finished run.
type RunReport struct {
	RunID string       `json:"run_id"`
	State EngineState  `json:"state"`
	Steps []StepStatus `json:"steps"`

	// NextVersion is the released (or would-be released) version, empty
	// when the run short-circuited with no bump.
	NextVersion string `json:"next_version,omitempty"`

	// PublishedTargets lists the targets publish plugins reported, in
	// order. Partial publishes keep the targets that succeeded.
	PublishedTargets []string `json:"published_targets,omitempty"`

	// NoBump is true when the run ended early because no release-worthy
	// change was found.
	NoBump bool `json:"no_bump,omitempty"`
}
