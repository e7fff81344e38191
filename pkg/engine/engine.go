package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/releasekit/releasekit/pkg/protocol"
	"github.com/releasekit/releasekit/pkg/telemetry"
	"github.com/releasekit/releasekit/pkg/version"
)

// NoBumpMessage is printed when the pipeline ends early because no
// release-worthy change was found.
const NoBumpMessage = "No version bump. Nothing to do"

// stepInputs declares which bus slots each step method may read. The
// request built for a plugin carries only these, which keeps inter-step
// dependencies explicit.
var stepInputs = map[protocol.Step][]string{
	protocol.StepPreFlight:         nil,
	protocol.StepGetLastRelease:    nil,
	protocol.StepDeriveNextVersion: {protocol.SlotLastRelease},
	protocol.StepGenerateNotes:     {protocol.SlotLastRelease, protocol.SlotNextVersion},
	protocol.StepPrepare:           {protocol.SlotLastRelease, protocol.SlotNextVersion, protocol.SlotReleaseNotes},
	protocol.StepVerifyRelease:     {protocol.SlotNextVersion, protocol.SlotReleaseNotes, protocol.SlotFilesChanged},
	protocol.StepCommit:            {protocol.SlotNextVersion, protocol.SlotReleaseNotes, protocol.SlotFilesChanged},
	protocol.StepPublish:           {protocol.SlotNextVersion, protocol.SlotReleaseNotes, protocol.SlotNewTag},
	protocol.StepNotify:            {protocol.SlotNextVersion, protocol.SlotReleaseNotes, protocol.SlotNewTag, protocol.SlotPublishedTargets},
}

// Options configures a run.
type Options struct {
	// ProjectRoot is the working copy the pipeline operates on.
	ProjectRoot string

	// DryRun skips commit, publish, and notify, and restores every
	// snapshotted file at teardown.
	DryRun bool

	// Release controls whether the steps after commit run. When false,
	// publish and notify are skipped but the version is still committed
	// and tagged.
	Release bool

	// CallTimeout bounds each plugin call. Zero means the protocol
	// default.
	CallTimeout time.Duration

	// Logger receives run progress. Required.
	Logger *telemetry.Logger

	// Guard is the dry-run guard shared with the plugin host. A nil guard
	// gets created internally.
	Guard *Guard

	// RunID identifies the run in logs. Generated when empty.
	RunID string
}

// Engine executes a plan sequentially, threading the Data Bus through the
// steps and enforcing the dry-run gates.
type Engine struct {
	plan   []PlannedStep
	bus    *Bus
	guard  *Guard
	opts   Options
	logger *telemetry.Logger

	state    EngineState
	statuses []StepStatus
}

// New creates an engine for the given plan. It seeds the bus with the
// project root and the dry-run flag.
func New(plan []PlannedStep, opts Options) (*Engine, error) {
	if opts.Logger == nil {
		return nil, NewLogicError("engine requires a logger", nil)
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = protocol.DefaultCallTimeout
	}
	if opts.Guard == nil {
		opts.Guard = NewGuard()
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	bus := NewBus()
	if err := bus.WriteValue(protocol.SlotProjectRoot, opts.ProjectRoot); err != nil {
		return nil, err
	}
	if err := bus.WriteValue(protocol.SlotDryRun, opts.DryRun); err != nil {
		return nil, err
	}

	return &Engine{
		plan:   plan,
		bus:    bus,
		guard:  opts.Guard,
		opts:   opts,
		logger: opts.Logger.NewComponentLogger("engine").WithRunID(opts.RunID),
		state:  EngineStatePending,
	}, nil
}

// Bus exposes the run's Data Bus. Intended for inspection after Run.
func (e *Engine) Bus() *Bus {
	return e.bus
}

// Run executes the plan. It always tears down plugin handles and, in
// dry-run mode, restores snapshotted files before returning. The report is
// non-nil even on failure.
func (e *Engine) Run(ctx context.Context) (*RunReport, error) {
	e.state = EngineStateRunning

	var runErr error
	noBump := false

	for _, planned := range e.plan {
		if runErr != nil || noBump {
			e.record(planned.Step, StepStateSkipped, nil)
			continue
		}
		if err := ctx.Err(); err != nil {
			e.state = EngineStateAborting
			runErr = NewProtocolError("run interrupted", err)
			e.record(planned.Step, StepStateSkipped, nil)
			continue
		}

		if e.opts.DryRun && planned.Step.DryRunGated() {
			e.logger.Infof("DRY RUN: skipping step %s", planned.Step)
			e.record(planned.Step, StepStateSkipped, nil)
			continue
		}
		if !e.opts.Release && (planned.Step == protocol.StepPublish || planned.Step == protocol.StepNotify) {
			e.logger.Infof("Release disabled: skipping step %s", planned.Step)
			e.record(planned.Step, StepStateSkipped, nil)
			continue
		}

		e.logger.Infof("Running step '%s'", planned.Step)
		stop, err := e.runStep(ctx, planned)
		if err != nil {
			e.record(planned.Step, StepStateFailed, err)
			e.state = EngineStateAborting
			runErr = err
			continue
		}
		e.record(planned.Step, StepStateSucceeded, nil)
		if stop {
			e.logger.Info(NoBumpMessage)
			noBump = true
		}
	}

	e.teardown(ctx)

	report := e.report(noBump)
	if runErr != nil {
		e.state = EngineStateFailed
		report.State = e.state
		return report, runErr
	}
	e.state = EngineStateSucceeded
	report.State = e.state
	return report, nil
}

// runStep fans one step out to its plugins. The returned stop flag is set
// when derive_next_version reconciled to no bump and the pipeline should
// end early with success.
func (e *Engine) runStep(ctx context.Context, planned PlannedStep) (bool, error) {
	var preFlightFailures []error
	maxBump := version.BumpNone

	for _, handle := range planned.Plugins {
		e.logger.Infof("Invoking plugin '%s'", handle.Name())

		req := &protocol.StepRequest{
			Step:        planned.Step,
			DryRun:      e.opts.DryRun,
			ProjectRoot: e.opts.ProjectRoot,
			Slots:       e.bus.View(stepInputs[planned.Step]),
		}

		callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
		result, err := handle.Call(callCtx, req)
		cancel()

		if err != nil {
			err = e.classify(err, handle.Name(), planned.Step)
			if planned.Step == protocol.StepPreFlight {
				// pre_flight fans out across every plugin so all
				// misconfigurations surface in one run.
				e.logger.WithPlugin(handle.Name()).WithError(err).Error("pre-flight check failed")
				preFlightFailures = append(preFlightFailures, err)
				continue
			}
			return false, err
		}

		if result != nil {
			for slot, value := range result.Writes {
				if err := e.bus.Write(slot, value); err != nil {
					var engineErr *Error
					if errors.As(err, &engineErr) {
						engineErr.WithPlugin(handle.Name()).WithStep(planned.Step)
					}
					return false, err
				}
			}
			if planned.Step == protocol.StepDeriveNextVersion && result.Bump != nil {
				maxBump = version.MaxBump(maxBump, *result.Bump)
			}
		}
	}

	if planned.Step == protocol.StepPreFlight && len(preFlightFailures) > 0 {
		return false, NewPreconditionError(
			fmt.Sprintf("%d pre-flight check(s) failed", len(preFlightFailures)),
			errors.Join(preFlightFailures...))
	}

	if planned.Step == protocol.StepDeriveNextVersion {
		return e.reconcileBump(maxBump)
	}

	return false, nil
}

// reconcileBump applies the maximum reported bump to the last release and
// writes next_version. A bump of none ends the pipeline early.
func (e *Engine) reconcileBump(bump version.Bump) (bool, error) {
	if bump == version.BumpNone {
		return true, nil
	}

	last, ok, err := e.bus.ReadRelease()
	if err != nil {
		return false, err
	}
	current := version.Initial()
	if ok {
		current, err = version.Parse(last.Version)
		if err != nil {
			return false, NewLogicError("last_release holds an invalid version", err)
		}
	}

	next := version.Apply(current, bump)
	e.logger.Infof("Next version: %s (%s bump from %s)", next, bump, current)
	if err := e.bus.WriteValue(protocol.SlotNextVersion, next.String()); err != nil {
		return false, err
	}
	return false, nil
}

// classify wraps a plugin call error with plugin and step context.
func (e *Engine) classify(err error, plugin string, step protocol.Step) error {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.WithPlugin(plugin).WithStep(step)
	}
	var failure *protocol.Failure
	if errors.As(err, &failure) {
		return FromFailure(failure).WithPlugin(plugin).WithStep(step)
	}
	return NewProtocolError("plugin call failed", err).WithPlugin(plugin).WithStep(step)
}

// teardown shuts every plugin handle down, then restores snapshots when
// the run was dry.
func (e *Engine) teardown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	seen := make(map[string]struct{})
	for _, planned := range e.plan {
		for _, handle := range planned.Plugins {
			if _, done := seen[handle.Name()]; done {
				continue
			}
			seen[handle.Name()] = struct{}{}
			if err := handle.Shutdown(shutdownCtx); err != nil {
				e.logger.WithPlugin(handle.Name()).WithError(err).Warn("plugin shutdown failed")
			}
		}
	}

	if e.opts.DryRun {
		e.guard.Restore(e.logger)
	}
}

func (e *Engine) record(step protocol.Step, state StepState, err error) {
	e.statuses = append(e.statuses, StepStatus{Step: step, State: state, Err: err})
}

func (e *Engine) report(noBump bool) *RunReport {
	report := &RunReport{
		RunID:  e.opts.RunID,
		Steps:  e.statuses,
		NoBump: noBump,
	}
	if next, ok, err := e.bus.ReadString(protocol.SlotNextVersion); err == nil && ok {
		report.NextVersion = next
	}
	if targets, err := e.bus.ReadStringList(protocol.SlotPublishedTargets); err == nil {
		report.PublishedTargets = targets
	}
	return report
}
