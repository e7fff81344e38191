package analyzer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/releasekit/releasekit/pkg/protocol"
	"github.com/releasekit/releasekit/pkg/version"
)

type noopHost struct{}

func (noopHost) Snapshot(string) error { return nil }
func (noopHost) Log(string, string)    {}

func testSignature() *object.Signature {
	return &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Now()}
}

func commitFile(t *testing.T, repo *git.Repository, dir, name, message string) string {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(message), 0644); err != nil {
		t.Fatal(err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Add(name); err != nil {
		t.Fatal(err)
	}
	hash, err := wt.Commit(message, &git.CommitOptions{Author: testSignature()})
	if err != nil {
		t.Fatal(err)
	}
	return hash.String()
}

func requestWithLast(t *testing.T, root, revision string) *protocol.StepRequest {
	t.Helper()
	req := &protocol.StepRequest{Step: protocol.StepDeriveNextVersion, ProjectRoot: root}
	if revision != "" {
		data, err := json.Marshal(protocol.Release{Version: "1.0.0", Revision: revision})
		if err != nil {
			t.Fatal(err)
		}
		req.Slots = map[string]json.RawMessage{protocol.SlotLastRelease: data}
	}
	return req
}

func TestRunTakesMaxBumpOverRange(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	commitFile(t, repo, dir, "a.txt", "chore: scaffold")
	commitFile(t, repo, dir, "b.txt", "fix: trailing newline")
	commitFile(t, repo, dir, "c.txt", "feat: yaml support")

	result, err := New().Run(requestWithLast(t, dir, ""), noopHost{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Bump == nil || *result.Bump != version.BumpMinor {
		t.Errorf("bump = %v, want minor", result.Bump)
	}
}

func TestRunStopsAtLastReleaseRevision(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	commitFile(t, repo, dir, "a.txt", "feat!: breaking start")
	released := commitFile(t, repo, dir, "b.txt", "feat: released already")
	commitFile(t, repo, dir, "c.txt", "fix: only this counts")

	result, err := New().Run(requestWithLast(t, dir, released), noopHost{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Bump == nil || *result.Bump != version.BumpPatch {
		t.Errorf("bump = %v, want patch from the unreleased commit only", result.Bump)
	}
}

func TestRunEmptyRepositoryReportsNone(t *testing.T) {
	dir := t.TempDir()
	if _, err := git.PlainInit(dir, false); err != nil {
		t.Fatal(err)
	}

	result, err := New().Run(requestWithLast(t, dir, ""), noopHost{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Bump == nil || *result.Bump != version.BumpNone {
		t.Errorf("bump = %v, want none", result.Bump)
	}
}

func TestRunOutsideRepositoryFails(t *testing.T) {
	_, err := New().Run(requestWithLast(t, t.TempDir(), ""), noopHost{})
	if err == nil {
		t.Fatal("Run() expected error, got nil")
	}
	failure, ok := err.(*protocol.Failure)
	if !ok || failure.Kind != protocol.FailurePrecondition {
		t.Errorf("error = %v, want a Precondition failure", err)
	}
}
