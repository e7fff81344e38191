package engine

import (
	"fmt"

	"github.com/releasekit/releasekit/pkg/config"
	"github.com/releasekit/releasekit/pkg/protocol"
)

// PlannedStep is one entry of the execution plan: a step, the mode it was
// assigned with, and the plugins that handle it in invocation order.
type PlannedStep struct {
	Step    protocol.Step
	Mode    config.AssignmentMode
	Plugins []Handle
}

// Plan maps the configured step assignments onto the canonical step order.
// The registry lists resolved plugins in registration order, which is the
// invocation order for discovery. Plan performs no I/O.
//
// Steps absent from the assignment table are omitted from the plan, except
// pre_flight (implicitly discover) and get_last_release (implicitly
// discover collapsing to a single plugin). Diagnostics describe steps that
// were skipped because no plugin advertises them.
func Plan(steps map[string]config.Assignment, registry []Handle) ([]PlannedStep, []string, error) {
	byName := make(map[string]Handle, len(registry))
	for _, handle := range registry {
		byName[handle.Name()] = handle
	}

	var plan []PlannedStep
	var diagnostics []string

	for _, step := range protocol.Steps() {
		assignment, configured := steps[string(step)]
		if !configured {
			switch step {
			case protocol.StepPreFlight, protocol.StepGetLastRelease:
				assignment = config.Assignment{Mode: config.ModeDiscover}
			default:
				continue
			}
		}

		planned, diagnostic, err := planStep(step, assignment, registry, byName)
		if err != nil {
			return nil, nil, err
		}
		if diagnostic != "" {
			diagnostics = append(diagnostics, diagnostic)
		}
		if planned != nil {
			plan = append(plan, *planned)
		}
	}

	return plan, diagnostics, nil
}

func planStep(step protocol.Step, assignment config.Assignment, registry []Handle, byName map[string]Handle) (*PlannedStep, string, error) {
	switch assignment.Mode {
	case config.ModeSingleton:
		name := assignment.Plugins[0]
		handle, err := requireCapability(step, name, byName)
		if err != nil {
			return nil, "", err
		}
		return &PlannedStep{Step: step, Mode: config.ModeSingleton, Plugins: []Handle{handle}}, "", nil

	case config.ModeShared:
		if step.SingletonOnly() {
			return nil, "", NewConfigError(
				fmt.Sprintf("step %q accepts exactly one plugin and cannot be shared", step), nil)
		}
		handles := make([]Handle, 0, len(assignment.Plugins))
		for _, name := range assignment.Plugins {
			handle, err := requireCapability(step, name, byName)
			if err != nil {
				return nil, "", err
			}
			handles = append(handles, handle)
		}
		return &PlannedStep{Step: step, Mode: config.ModeShared, Plugins: handles}, "", nil

	case config.ModeDiscover:
		var handles []Handle
		for _, handle := range registry {
			if handle.Implements(step) {
				handles = append(handles, handle)
			}
		}
		if step.SingletonOnly() {
			if len(handles) != 1 {
				return nil, "", NewConfigError(
					fmt.Sprintf("step %q needs exactly one advertising plugin, found %d", step, len(handles)), nil)
			}
			return &PlannedStep{Step: step, Mode: config.ModeSingleton, Plugins: handles}, "", nil
		}
		if len(handles) == 0 {
			return nil, fmt.Sprintf("no plugin advertises step %q, skipping", step), nil
		}
		return &PlannedStep{Step: step, Mode: config.ModeDiscover, Plugins: handles}, "", nil

	default:
		return nil, "", NewConfigError(fmt.Sprintf("step %q has unknown assignment mode %q", step, assignment.Mode), nil)
	}
}

func requireCapability(step protocol.Step, name string, byName map[string]Handle) (Handle, error) {
	handle, ok := byName[name]
	if !ok {
		return nil, NewConfigError(fmt.Sprintf("step %q names unregistered plugin %q", step, name), nil)
	}
	if !handle.Implements(step) {
		return nil, NewConfigError(fmt.Sprintf("plugin %q does not implement step %q", name, step), nil)
	}
	return handle, nil
}
