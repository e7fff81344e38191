package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/releasekit/releasekit/pkg/config"
	"github.com/releasekit/releasekit/pkg/protocol"
	"github.com/releasekit/releasekit/pkg/version"
)

func bumpPtr(b version.Bump) *version.Bump { return &b }

func resultWith(t *testing.T, writes map[string]interface{}, bump *version.Bump) *protocol.StepResult {
	t.Helper()
	res := &protocol.StepResult{Bump: bump}
	for slot, value := range writes {
		if err := res.Write(slot, value); err != nil {
			t.Fatalf("result write: %v", err)
		}
	}
	return res
}

// fullPlan builds a plan that runs every canonical step against the given
// handles in registry order, mirroring an all-discover configuration with
// singleton steps pinned to the first capable handle.
func fullPlan(t *testing.T, registry ...Handle) []PlannedStep {
	t.Helper()

	steps := map[string]config.Assignment{}
	for _, step := range protocol.Steps() {
		if step.SingletonOnly() {
			for _, h := range registry {
				if h.Implements(step) {
					steps[string(step)] = config.Assignment{Mode: config.ModeSingleton, Plugins: []string{h.Name()}}
					break
				}
			}
		} else {
			steps[string(step)] = config.Assignment{Mode: config.ModeDiscover}
		}
	}

	plan, _, err := Plan(steps, registry)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	return plan
}

func runEngine(t *testing.T, plan []PlannedStep, opts Options) (*Engine, *RunReport, error) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	eng, err := New(plan, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	report, runErr := eng.Run(context.Background())
	if report == nil {
		t.Fatal("Run() returned a nil report")
	}
	return eng, report, runErr
}

func stepStates(report *RunReport) map[protocol.Step]StepState {
	states := make(map[protocol.Step]StepState, len(report.Steps))
	for _, status := range report.Steps {
		states[status.Step] = status.State
	}
	return states
}

func TestRunDryRunDerivesAndRestores(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "Cargo.toml")
	original := []byte("[package]\nversion = \"0.1.0\"\n")
	if err := os.WriteFile(manifest, original, 0644); err != nil {
		t.Fatal(err)
	}

	guard := NewGuard()

	source := &fakeHandle{
		name:    "gitrepo",
		methods: []protocol.Step{protocol.StepGetLastRelease, protocol.StepCommit},
		call: func(ctx context.Context, req *protocol.StepRequest) (*protocol.StepResult, error) {
			if req.Step == protocol.StepGetLastRelease {
				return resultWith(t, map[string]interface{}{
					protocol.SlotLastRelease: protocol.Release{Version: "0.1.0", Revision: "abc123"},
				}, nil), nil
			}
			t.Errorf("gitrepo invoked for gated step %s in dry run", req.Step)
			return &protocol.StepResult{}, nil
		},
	}
	analyzer := &fakeHandle{
		name:    "analyzer",
		methods: []protocol.Step{protocol.StepDeriveNextVersion},
		call: func(ctx context.Context, req *protocol.StepRequest) (*protocol.StepResult, error) {
			var last protocol.Release
			ok, err := req.Slot(protocol.SlotLastRelease, &last)
			if err != nil || !ok {
				t.Errorf("derive request is missing last_release: %v, %v", ok, err)
			}
			return &protocol.StepResult{Bump: bumpPtr(version.BumpMinor)}, nil
		},
	}
	writer := &fakeHandle{
		name:    "manifest",
		methods: []protocol.Step{protocol.StepPrepare},
		call: func(ctx context.Context, req *protocol.StepRequest) (*protocol.StepResult, error) {
			if err := guard.Snapshot(manifest); err != nil {
				return nil, err
			}
			if err := os.WriteFile(manifest, []byte("[package]\nversion = \"0.2.0\"\n"), 0644); err != nil {
				return nil, err
			}
			return resultWith(t, map[string]interface{}{
				protocol.SlotFilesChanged: []string{manifest},
			}, nil), nil
		},
	}
	publisher := &fakeHandle{
		name:    "github",
		methods: []protocol.Step{protocol.StepPublish, protocol.StepNotify},
		call: func(ctx context.Context, req *protocol.StepRequest) (*protocol.StepResult, error) {
			t.Errorf("github invoked for gated step %s in dry run", req.Step)
			return &protocol.StepResult{}, nil
		},
	}

	plan := fullPlan(t, analyzer, source, writer, publisher)
	_, report, err := runEngine(t, plan, Options{
		ProjectRoot: dir,
		DryRun:      true,
		Release:     true,
		Guard:       guard,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if report.State != EngineStateSucceeded {
		t.Errorf("state = %s, want succeeded", report.State)
	}
	if report.NextVersion != "0.2.0" {
		t.Errorf("next version = %q, want 0.2.0", report.NextVersion)
	}

	states := stepStates(report)
	for _, gated := range []protocol.Step{protocol.StepCommit, protocol.StepPublish, protocol.StepNotify} {
		if states[gated] != StepStateSkipped {
			t.Errorf("step %s state = %s, want skipped", gated, states[gated])
		}
	}

	restored, err := os.ReadFile(manifest)
	if err != nil {
		t.Fatal(err)
	}
	if string(restored) != string(original) {
		t.Errorf("manifest after restore = %q, want %q", restored, original)
	}
}

func TestRunNoBumpShortCircuits(t *testing.T) {
	var notesCalls int
	analyzer := &fakeHandle{
		name:    "analyzer",
		methods: []protocol.Step{protocol.StepDeriveNextVersion},
		call: func(ctx context.Context, req *protocol.StepRequest) (*protocol.StepResult, error) {
			return &protocol.StepResult{Bump: bumpPtr(version.BumpNone)}, nil
		},
	}
	changelog := &fakeHandle{
		name:    "changelog",
		methods: []protocol.Step{protocol.StepGenerateNotes},
		call: func(ctx context.Context, req *protocol.StepRequest) (*protocol.StepResult, error) {
			notesCalls++
			return &protocol.StepResult{}, nil
		},
	}
	source := &fakeHandle{name: "gitrepo", methods: []protocol.Step{protocol.StepGetLastRelease}}

	plan := fullPlan(t, analyzer, changelog, source)
	eng, report, err := runEngine(t, plan, Options{ProjectRoot: t.TempDir(), Release: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !report.NoBump {
		t.Error("report.NoBump = false, want true")
	}
	if report.State != EngineStateSucceeded {
		t.Errorf("state = %s, want succeeded", report.State)
	}
	if report.NextVersion != "" {
		t.Errorf("next version = %q, want empty", report.NextVersion)
	}
	if notesCalls != 0 {
		t.Errorf("generate_notes ran %d times after no-bump", notesCalls)
	}

	states := stepStates(report)
	if states[protocol.StepDeriveNextVersion] != StepStateSucceeded {
		t.Errorf("derive state = %s, want succeeded", states[protocol.StepDeriveNextVersion])
	}
	if states[protocol.StepGenerateNotes] != StepStateSkipped {
		t.Errorf("generate_notes state = %s, want skipped", states[protocol.StepGenerateNotes])
	}

	if _, ok, _ := eng.Bus().ReadString(protocol.SlotNextVersion); ok {
		t.Error("next_version was written despite no bump")
	}
}

func TestRunPreFlightCollectsAllFailures(t *testing.T) {
	failing := func(name, message string) *fakeHandle {
		return &fakeHandle{
			name:    name,
			methods: []protocol.Step{protocol.StepPreFlight},
			call: func(ctx context.Context, req *protocol.StepRequest) (*protocol.StepResult, error) {
				return nil, protocol.NewFailure(protocol.FailurePrecondition, "%s", message)
			},
		}
	}
	a := failing("github", "GH_TOKEN is not set")
	b := failing("registry", "registry URL is unreachable")
	source := &fakeHandle{name: "gitrepo", methods: []protocol.Step{protocol.StepGetLastRelease}}

	plan := fullPlan(t, a, b, source)
	_, report, err := runEngine(t, plan, Options{ProjectRoot: t.TempDir(), Release: true})
	if err == nil {
		t.Fatal("Run() expected error, got nil")
	}
	if !IsPrecondition(err) {
		t.Errorf("error = %v, want Precondition kind", err)
	}
	for _, fragment := range []string{"GH_TOKEN is not set", "registry URL is unreachable"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Errorf("error %q is missing failure %q", err, fragment)
		}
	}

	if report.State != EngineStateFailed {
		t.Errorf("state = %s, want failed", report.State)
	}
	states := stepStates(report)
	if states[protocol.StepPreFlight] != StepStateFailed {
		t.Errorf("pre_flight state = %s, want failed", states[protocol.StepPreFlight])
	}
	if states[protocol.StepGetLastRelease] != StepStateSkipped {
		t.Errorf("get_last_release state = %s, want skipped", states[protocol.StepGetLastRelease])
	}
}

func TestRunFailFastAfterPreFlight(t *testing.T) {
	var commitCalls int
	source := &fakeHandle{
		name:    "gitrepo",
		methods: []protocol.Step{protocol.StepGetLastRelease, protocol.StepCommit},
		call: func(ctx context.Context, req *protocol.StepRequest) (*protocol.StepResult, error) {
			if req.Step == protocol.StepCommit {
				commitCalls++
			}
			return resultWith(t, map[string]interface{}{
				protocol.SlotLastRelease: protocol.Release{Version: "1.0.0", Revision: "abc"},
			}, nil), nil
		},
	}
	analyzer := &fakeHandle{
		name:    "analyzer",
		methods: []protocol.Step{protocol.StepDeriveNextVersion},
		call: func(ctx context.Context, req *protocol.StepRequest) (*protocol.StepResult, error) {
			return &protocol.StepResult{Bump: bumpPtr(version.BumpPatch)}, nil
		},
	}
	verifier := &fakeHandle{
		name:    "policy",
		methods: []protocol.Step{protocol.StepVerifyRelease},
		call: func(ctx context.Context, req *protocol.StepRequest) (*protocol.StepResult, error) {
			return nil, protocol.NewFailure(protocol.FailurePrecondition, "policy denied the release")
		},
	}

	plan := fullPlan(t, analyzer, source, verifier)
	_, report, err := runEngine(t, plan, Options{ProjectRoot: t.TempDir(), Release: true})
	if err == nil {
		t.Fatal("Run() expected error, got nil")
	}
	if !IsPrecondition(err) {
		t.Errorf("error = %v, want Precondition kind", err)
	}

	var engineErr *Error
	if !errors.As(err, &engineErr) {
		t.Fatalf("error %v is not an engine error", err)
	}
	if engineErr.Plugin != "policy" || engineErr.Step != protocol.StepVerifyRelease {
		t.Errorf("error context = plugin %q step %q", engineErr.Plugin, engineErr.Step)
	}

	states := stepStates(report)
	if states[protocol.StepVerifyRelease] != StepStateFailed {
		t.Errorf("verify_release state = %s, want failed", states[protocol.StepVerifyRelease])
	}
	if states[protocol.StepCommit] != StepStateSkipped {
		t.Errorf("commit state = %s, want skipped", states[protocol.StepCommit])
	}
	if commitCalls != 0 {
		t.Errorf("commit ran %d times after a failed verify", commitCalls)
	}
}

func TestRunReleaseDisabledSkipsPublishAndNotify(t *testing.T) {
	var gatedCalls []protocol.Step
	source := &fakeHandle{
		name: "gitrepo",
		methods: []protocol.Step{
			protocol.StepGetLastRelease, protocol.StepCommit,
		},
		call: func(ctx context.Context, req *protocol.StepRequest) (*protocol.StepResult, error) {
			switch req.Step {
			case protocol.StepGetLastRelease:
				return resultWith(t, map[string]interface{}{
					protocol.SlotLastRelease: protocol.Release{Version: "2.3.0", Revision: "abc"},
				}, nil), nil
			case protocol.StepCommit:
				gatedCalls = append(gatedCalls, req.Step)
				return resultWith(t, map[string]interface{}{
					protocol.SlotNewTag: "v2.3.1",
				}, nil), nil
			}
			return &protocol.StepResult{}, nil
		},
	}
	analyzer := &fakeHandle{
		name:    "analyzer",
		methods: []protocol.Step{protocol.StepDeriveNextVersion},
		call: func(ctx context.Context, req *protocol.StepRequest) (*protocol.StepResult, error) {
			return &protocol.StepResult{Bump: bumpPtr(version.BumpPatch)}, nil
		},
	}
	publisher := &fakeHandle{
		name:    "github",
		methods: []protocol.Step{protocol.StepPublish, protocol.StepNotify},
		call: func(ctx context.Context, req *protocol.StepRequest) (*protocol.StepResult, error) {
			gatedCalls = append(gatedCalls, req.Step)
			return &protocol.StepResult{}, nil
		},
	}

	plan := fullPlan(t, analyzer, source, publisher)
	_, report, err := runEngine(t, plan, Options{ProjectRoot: t.TempDir(), Release: false})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(gatedCalls) != 1 || gatedCalls[0] != protocol.StepCommit {
		t.Errorf("invoked steps = %v, want commit only", gatedCalls)
	}

	states := stepStates(report)
	if states[protocol.StepCommit] != StepStateSucceeded {
		t.Errorf("commit state = %s, want succeeded", states[protocol.StepCommit])
	}
	for _, skipped := range []protocol.Step{protocol.StepPublish, protocol.StepNotify} {
		if states[skipped] != StepStateSkipped {
			t.Errorf("step %s state = %s, want skipped", skipped, states[skipped])
		}
	}
}

func TestRunDoubleWriteAborts(t *testing.T) {
	source := &fakeHandle{
		name:    "gitrepo",
		methods: []protocol.Step{protocol.StepGetLastRelease},
		call: func(ctx context.Context, req *protocol.StepRequest) (*protocol.StepResult, error) {
			return resultWith(t, map[string]interface{}{
				protocol.SlotLastRelease: protocol.Release{Version: "1.0.0", Revision: "abc"},
			}, nil), nil
		},
	}
	rogue := &fakeHandle{
		name:    "rogue",
		methods: []protocol.Step{protocol.StepDeriveNextVersion},
		call: func(ctx context.Context, req *protocol.StepRequest) (*protocol.StepResult, error) {
			// Writes a slot the engine owns.
			return resultWith(t, map[string]interface{}{
				protocol.SlotProjectRoot: "/elsewhere",
			}, bumpPtr(version.BumpPatch)), nil
		},
	}

	plan := fullPlan(t, rogue, source)
	_, report, err := runEngine(t, plan, Options{ProjectRoot: t.TempDir(), Release: true})
	if err == nil {
		t.Fatal("Run() expected error, got nil")
	}
	if !IsLogic(err) {
		t.Errorf("error = %v, want Logic kind", err)
	}
	if report.State != EngineStateFailed {
		t.Errorf("state = %s, want failed", report.State)
	}
}

func TestRunBumpReconciliationTakesMax(t *testing.T) {
	source := &fakeHandle{
		name:    "gitrepo",
		methods: []protocol.Step{protocol.StepGetLastRelease},
		call: func(ctx context.Context, req *protocol.StepRequest) (*protocol.StepResult, error) {
			return resultWith(t, map[string]interface{}{
				protocol.SlotLastRelease: protocol.Release{Version: "1.4.2", Revision: "abc"},
			}, nil), nil
		},
	}
	derive := func(name string, bump version.Bump) *fakeHandle {
		return &fakeHandle{
			name:    name,
			methods: []protocol.Step{protocol.StepDeriveNextVersion},
			call: func(ctx context.Context, req *protocol.StepRequest) (*protocol.StepResult, error) {
				return &protocol.StepResult{Bump: bumpPtr(bump)}, nil
			},
		}
	}

	plan := fullPlan(t, derive("commits", version.BumpPatch), derive("deps", version.BumpMajor), source)
	_, report, err := runEngine(t, plan, Options{ProjectRoot: t.TempDir(), Release: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.NextVersion != "2.0.0" {
		t.Errorf("next version = %q, want 2.0.0 (major wins)", report.NextVersion)
	}
}

func TestRunFirstReleaseFromInitialVersion(t *testing.T) {
	// get_last_release succeeds but writes nothing: a repository with no
	// prior release tag.
	source := &fakeHandle{name: "gitrepo", methods: []protocol.Step{protocol.StepGetLastRelease}}
	analyzer := &fakeHandle{
		name:    "analyzer",
		methods: []protocol.Step{protocol.StepDeriveNextVersion},
		call: func(ctx context.Context, req *protocol.StepRequest) (*protocol.StepResult, error) {
			return &protocol.StepResult{Bump: bumpPtr(version.BumpMinor)}, nil
		},
	}

	plan := fullPlan(t, analyzer, source)
	_, report, err := runEngine(t, plan, Options{ProjectRoot: t.TempDir(), Release: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.NextVersion != "0.1.0" {
		t.Errorf("next version = %q, want 0.1.0 from the 0.0.0 baseline", report.NextVersion)
	}
}

func TestRunSeedsBusAndRestrictsViews(t *testing.T) {
	root := t.TempDir()
	analyzer := &fakeHandle{
		name:    "analyzer",
		methods: []protocol.Step{protocol.StepDeriveNextVersion},
		call: func(ctx context.Context, req *protocol.StepRequest) (*protocol.StepResult, error) {
			if req.ProjectRoot != root {
				t.Errorf("request root = %q, want %q", req.ProjectRoot, root)
			}
			if _, ok := req.Slots[protocol.SlotProjectRoot]; ok {
				t.Error("derive view leaked project_root")
			}
			return &protocol.StepResult{Bump: bumpPtr(version.BumpPatch)}, nil
		},
	}
	source := &fakeHandle{name: "gitrepo", methods: []protocol.Step{protocol.StepGetLastRelease}}

	plan := fullPlan(t, analyzer, source)
	eng, _, err := runEngine(t, plan, Options{ProjectRoot: root, Release: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var seededRoot string
	raw, ok := eng.Bus().Read(protocol.SlotProjectRoot)
	if !ok {
		t.Fatal("project_root was not seeded")
	}
	if err := json.Unmarshal(raw, &seededRoot); err != nil || seededRoot != root {
		t.Errorf("project_root = %q (%v), want %q", seededRoot, err, root)
	}
}

func TestRunShutsDownEveryHandleOnce(t *testing.T) {
	source := &fakeHandle{name: "gitrepo", methods: []protocol.Step{
		protocol.StepGetLastRelease, protocol.StepCommit, protocol.StepPreFlight,
	}}
	analyzer := &fakeHandle{
		name:    "analyzer",
		methods: []protocol.Step{protocol.StepDeriveNextVersion},
		call: func(ctx context.Context, req *protocol.StepRequest) (*protocol.StepResult, error) {
			return &protocol.StepResult{Bump: bumpPtr(version.BumpNone)}, nil
		},
	}

	plan := fullPlan(t, analyzer, source)
	_, _, err := runEngine(t, plan, Options{ProjectRoot: t.TempDir(), Release: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if source.shutdowns != 1 {
		t.Errorf("gitrepo shut down %d times, want 1", source.shutdowns)
	}
	if analyzer.shutdowns != 1 {
		t.Errorf("analyzer shut down %d times, want 1", analyzer.shutdowns)
	}
}

func TestRunCancelledContextAborts(t *testing.T) {
	source := &fakeHandle{name: "gitrepo", methods: []protocol.Step{protocol.StepGetLastRelease}}
	plan := fullPlan(t, source)

	eng, err := New(plan, Options{ProjectRoot: t.TempDir(), Release: true, Logger: testLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, runErr := eng.Run(ctx)
	if runErr == nil {
		t.Fatal("Run() expected error for a cancelled context")
	}
	if report.State != EngineStateFailed {
		t.Errorf("state = %s, want failed", report.State)
	}
	for _, status := range report.Steps {
		if status.State != StepStateSkipped {
			t.Errorf("step %s state = %s, want skipped", status.Step, status.State)
		}
	}
}
