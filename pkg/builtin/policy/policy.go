// Package policy gates releases through the Rego policy engine during
// verify_release.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/releasekit/releasekit/pkg/policy"
	"github.com/releasekit/releasekit/pkg/protocol"
	"github.com/releasekit/releasekit/pkg/telemetry"
	"github.com/releasekit/releasekit/pkg/version"
)

// Config is the plugin's cfg subtree.
type Config struct {
	// Paths lists files and directories with user policies, stacked on
	// top of the builtin rules.
	Paths []string `json:"paths"`

	// AllowMajor permits a major version bump.
	AllowMajor bool `json:"allow_major"`

	// AllowPrerelease permits a version with a pre-release suffix.
	AllowPrerelease bool `json:"allow_prerelease"`
}

// Plugin evaluates the pending release against the policy set.
type Plugin struct {
	logger *telemetry.Logger
}

// New creates the policy plugin.
func New(logger *telemetry.Logger) *Plugin {
	return &Plugin{logger: logger.NewComponentLogger("policy-plugin")}
}

// Name returns the plugin name.
func (p *Plugin) Name() string { return "policy" }

// Methods returns the advertised capability set.
func (p *Plugin) Methods() []protocol.Step {
	return []protocol.Step{protocol.StepVerifyRelease}
}

// Run dispatches to the step method.
func (p *Plugin) Run(req *protocol.StepRequest, host protocol.Host) (*protocol.StepResult, error) {
	cfg := &Config{}
	if len(req.Config) > 0 {
		if err := json.Unmarshal(req.Config, cfg); err != nil {
			return nil, protocol.NewFailure(protocol.FailureConfig, "bad policy configuration").WithCause(err)
		}
	}

	switch req.Step {
	case protocol.StepVerifyRelease:
		return p.verify(req, cfg, host)
	default:
		return nil, protocol.NewFailure(protocol.FailureLogic, "unsupported method %s", req.Step)
	}
}

// verify evaluates every enabled policy and blocks the release on any
// error-severity violation.
func (p *Plugin) verify(req *protocol.StepRequest, cfg *Config, host protocol.Host) (*protocol.StepResult, error) {
	var next string
	if ok, err := req.Slot(protocol.SlotNextVersion, &next); err != nil || !ok {
		return nil, protocol.NewFailure(protocol.FailureLogic, "next_version is not available").WithCause(err)
	}
	var files []string
	if _, err := req.Slot(protocol.SlotFilesChanged, &files); err != nil {
		return nil, protocol.NewFailure(protocol.FailureLogic, "bad files_changed slot").WithCause(err)
	}

	bump, err := inferBump(next)
	if err != nil {
		return nil, protocol.NewFailure(protocol.FailureLogic, "next_version %q does not parse", next).WithCause(err)
	}

	ctx := context.Background()
	engine, err := policy.NewEngine(p.logger)
	if err != nil {
		return nil, protocol.NewFailure(protocol.FailureLogic, "failed to initialize the policy engine").WithCause(err)
	}
	if err := engine.LoadPaths(ctx, cfg.Paths); err != nil {
		return nil, protocol.NewFailure(protocol.FailureConfig, "failed to load policies").WithCause(err)
	}

	result, err := engine.Evaluate(ctx, &policy.Input{
		NextVersion:  next,
		Bump:         bump,
		FilesChanged: files,
		DryRun:       req.DryRun,
		Allow: policy.Allowances{
			Major:      cfg.AllowMajor,
			Prerelease: cfg.AllowPrerelease,
		},
	})
	if err != nil {
		return nil, protocol.NewFailure(protocol.FailureLogic, "policy evaluation failed").WithCause(err)
	}

	for _, warning := range result.Warnings {
		host.Log("warn", fmt.Sprintf("policy skipped: %s", warning))
	}
	for _, v := range result.Violations {
		if v.Severity != policy.SeverityError {
			host.Log("warn", fmt.Sprintf("policy %s: %s", v.Policy, v.Message))
		}
	}

	if blocking := result.BlockingViolations(); len(blocking) > 0 {
		messages := make([]string, len(blocking))
		for i, v := range blocking {
			messages[i] = fmt.Sprintf("%s: %s", v.Policy, v.Message)
		}
		return nil, protocol.NewFailure(protocol.FailurePrecondition,
			"release denied by policy: %s", strings.Join(messages, "; "))
	}

	host.Log("info", fmt.Sprintf("%d policies passed for version %s", len(result.EvaluatedPolicies), next))
	return &protocol.StepResult{}, nil
}

// inferBump classifies a version by its lowest non-zero component. The
// step only sees the resolved next version, not the per-plugin bumps.
func inferBump(next string) (string, error) {
	parsed, err := version.Parse(next)
	if err != nil {
		return "", err
	}
	switch {
	case parsed.Patch() != 0:
		return version.BumpPatch.String(), nil
	case parsed.Minor() != 0:
		return version.BumpMinor.String(), nil
	default:
		return version.BumpMajor.String(), nil
	}
}
