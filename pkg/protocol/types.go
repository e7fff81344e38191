// Package protocol defines the contract between the release engine and its
// plugins: the pipeline step enumeration, the request/response payloads for
// step methods, structured failure carriers, and the JSON-over-stdio framing
// used by out-of-process providers.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/releasekit/releasekit/pkg/version"
)

// Version is the protocol version this engine speaks.
const Version = 1

// Compatibility window for plugin protocol versions. The engine refuses a
// plugin whose advertised version falls outside [MinVersion, MaxVersion].
const (
	MinVersion = 1
	MaxVersion = 1
)

// DefaultCallTimeout bounds a single plugin method call unless overridden
// per step.
const DefaultCallTimeout = 60 * time.Second

// Step identifies a pipeline step a plugin method may implement.
type Step string

const (
	StepPreFlight         Step = "pre_flight"
	StepGetLastRelease    Step = "get_last_release"
	StepDeriveNextVersion Step = "derive_next_version"
	StepGenerateNotes     Step = "generate_notes"
	StepPrepare           Step = "prepare"
	StepVerifyRelease     Step = "verify_release"
	StepCommit            Step = "commit"
	StepPublish           Step = "publish"
	StepNotify            Step = "notify"
)

// Steps returns every step in canonical execution order.
func Steps() []Step {
	return []Step{
		StepPreFlight,
		StepGetLastRelease,
		StepDeriveNextVersion,
		StepGenerateNotes,
		StepPrepare,
		StepVerifyRelease,
		StepCommit,
		StepPublish,
		StepNotify,
	}
}

// Validate checks that the step is one of the canonical enumeration.
func (s Step) Validate() error {
	for _, known := range Steps() {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("unknown step: %q", string(s))
}

// SingletonOnly reports whether the step must be handled by exactly one
// plugin.
func (s Step) SingletonOnly() bool {
	return s == StepGetLastRelease || s == StepCommit
}

// DryRunGated reports whether the step is skipped entirely in dry-run mode.
func (s Step) DryRunGated() bool {
	return s == StepCommit || s == StepPublish || s == StepNotify
}

// String returns the step name.
func (s Step) String() string { return string(s) }

// Well-known Data Bus slot names.
const (
	SlotProjectRoot      = "project_root"
	SlotDryRun           = "dry_run"
	SlotLastRelease      = "last_release"
	SlotNextVersion      = "next_version"
	SlotReleaseNotes     = "release_notes"
	SlotFilesChanged     = "files_changed"
	SlotNewTag           = "new_tag"
	SlotPublishedTargets = "published_targets"
)

// Release identifies a prior release: its version and the revision it was
// cut from.
type Release struct {
	Version  string `json:"version"`
	Revision string `json:"revision"`
}

// FailureKind classifies a structured failure.
type FailureKind string

const (
	FailureConfig       FailureKind = "Config"
	FailurePrecondition FailureKind = "Precondition"
	FailureIo           FailureKind = "Io"
	FailureNetwork      FailureKind = "Network"
	FailureLogic        FailureKind = "Logic"
	FailureProtocol     FailureKind = "Protocol"
)

// Failure is the structured error carrier plugins return instead of a
// success payload. Cause forms an optional chain.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	Cause   *Failure    `json:"cause,omitempty"`
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", f.Kind, f.Message, f.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// NewFailure creates a failure of the given kind.
func NewFailure(kind FailureKind, format string, args ...interface{}) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches a cause to the failure. A *Failure cause is chained
// as-is; any other error becomes the tail of the chain.
func (f *Failure) WithCause(err error) *Failure {
	if err == nil {
		return f
	}
	if cause, ok := err.(*Failure); ok {
		f.Cause = cause
	} else {
		f.Cause = &Failure{Kind: f.Kind, Message: err.Error()}
	}
	return f
}

// StepRequest is the payload of every step method call. Slots carries the
// read-only view of the Data Bus restricted to the slots declared as the
// method's inputs.
type StepRequest struct {
	Step        Step                       `json:"step"`
	DryRun      bool                       `json:"dry_run"`
	ProjectRoot string                     `json:"project_root"`
	Config      json.RawMessage            `json:"config,omitempty"`
	Slots       map[string]json.RawMessage `json:"slots,omitempty"`
}

// Slot decodes a named input slot into target. It returns false when the
// slot was not provided.
func (r *StepRequest) Slot(name string, target interface{}) (bool, error) {
	raw, ok := r.Slots[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return false, fmt.Errorf("failed to decode slot %q: %w", name, err)
	}
	return true, nil
}

// StepResult is the success payload of a step method call. Writes maps slot
// names to the values the engine should merge into the Data Bus. Bump is
// set only by derive_next_version contributors.
type StepResult struct {
	Writes map[string]json.RawMessage `json:"writes,omitempty"`
	Bump   *version.Bump              `json:"bump,omitempty"`
}

// Write records a slot write, JSON-encoding the value.
func (r *StepResult) Write(slot string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode slot %q: %w", slot, err)
	}
	if r.Writes == nil {
		r.Writes = make(map[string]json.RawMessage)
	}
	r.Writes[slot] = data
	return nil
}

// Host is the engine-side interface plugins use for the two out-of-band
// protocol calls: snapshot registration and forwarded logging.
type Host interface {
	// Snapshot asks the engine to record the current contents of path so
	// it can be restored when a dry run exits.
	Snapshot(path string) error

	// Log forwards a structured log line to the engine's logger.
	Log(level, message string)
}

// Plugin is the uniform method interface every in-process provider
// implements. Out-of-process providers implement the same contract over the
// wire via Serve.
type Plugin interface {
	// Name returns the provider's self-reported name.
	Name() string

	// Methods returns the capability set: the steps this plugin implements.
	Methods() []Step

	// Run executes one step method. It returns a result with slot writes,
	// or an error which should be a *Failure for structured reporting.
	Run(req *StepRequest, host Host) (*StepResult, error)
}
