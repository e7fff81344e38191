package gitrepo

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/releasekit/releasekit/pkg/protocol"
)

type noopHost struct{}

func (noopHost) Snapshot(string) error { return nil }
func (noopHost) Log(string, string)    {}

func initRepo(t *testing.T) (string, *git.Repository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	return dir, repo
}

func commitFile(t *testing.T, repo *git.Repository, dir, name, content string) plumbing.Hash {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Add(name); err != nil {
		t.Fatal(err)
	}
	hash, err := wt.Commit("add "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatal(err)
	}
	return hash
}

func setCommitterEnv(t *testing.T) {
	t.Helper()
	t.Setenv("GIT_COMMITTER_NAME", "Release Bot")
	t.Setenv("GIT_COMMITTER_EMAIL", "bot@example.com")
}

func request(t *testing.T, step protocol.Step, root string, slots map[string]interface{}) *protocol.StepRequest {
	t.Helper()
	req := &protocol.StepRequest{Step: step, ProjectRoot: root}
	if len(slots) > 0 {
		req.Slots = make(map[string]json.RawMessage, len(slots))
		for slot, value := range slots {
			data, err := json.Marshal(value)
			if err != nil {
				t.Fatal(err)
			}
			req.Slots[slot] = data
		}
	}
	return req
}

func TestGetLastReleasePicksHighestVersionTag(t *testing.T) {
	dir, repo := initRepo(t)
	first := commitFile(t, repo, dir, "a.txt", "one")
	if _, err := repo.CreateTag("v0.9.0", first, nil); err != nil {
		t.Fatal(err)
	}
	second := commitFile(t, repo, dir, "b.txt", "two")
	if _, err := repo.CreateTag("v1.2.0", second, &git.CreateTagOptions{
		Tagger:  &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Now()},
		Message: "release 1.2.0",
	}); err != nil {
		t.Fatal(err)
	}
	// Tags that are not versions must be ignored, not fatal.
	if _, err := repo.CreateTag("nightly-build", second, nil); err != nil {
		t.Fatal(err)
	}

	result, err := New().Run(request(t, protocol.StepGetLastRelease, dir, nil), noopHost{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var release protocol.Release
	if err := json.Unmarshal(result.Writes[protocol.SlotLastRelease], &release); err != nil {
		t.Fatalf("last_release does not decode: %v", err)
	}
	if release.Version != "1.2.0" {
		t.Errorf("version = %s, want 1.2.0", release.Version)
	}
	if release.Revision != second.String() {
		t.Errorf("revision = %s, want the annotated tag's target %s", release.Revision, second)
	}
}

func TestGetLastReleaseNoTagsWritesNothing(t *testing.T) {
	dir, repo := initRepo(t)
	commitFile(t, repo, dir, "a.txt", "one")

	result, err := New().Run(request(t, protocol.StepGetLastRelease, dir, nil), noopHost{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, ok := result.Writes[protocol.SlotLastRelease]; ok {
		t.Error("last_release was written for an untagged repository")
	}
}

func TestCommitTagsAndReportsNewTag(t *testing.T) {
	setCommitterEnv(t)
	dir, repo := initRepo(t)
	commitFile(t, repo, dir, "a.txt", "one")

	changed := filepath.Join(dir, "Cargo.toml")
	if err := os.WriteFile(changed, []byte("version = \"1.1.0\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	req := request(t, protocol.StepCommit, dir, map[string]interface{}{
		protocol.SlotNextVersion:  "1.1.0",
		protocol.SlotReleaseNotes: "## 1.1.0\n\n- things",
		protocol.SlotFilesChanged: []string{changed},
	})
	req.Config = json.RawMessage(`{"push": false}`)

	result, err := New().Run(req, noopHost{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var newTag string
	if err := json.Unmarshal(result.Writes[protocol.SlotNewTag], &newTag); err != nil {
		t.Fatal(err)
	}
	if newTag != "v1.1.0" {
		t.Errorf("new_tag = %s, want v1.1.0", newTag)
	}

	tagRef, err := repo.Tag("v1.1.0")
	if err != nil {
		t.Fatalf("tag v1.1.0 not created: %v", err)
	}
	tag, err := repo.TagObject(tagRef.Hash())
	if err != nil {
		t.Fatalf("tag is not annotated: %v", err)
	}
	if tag.Message != "## 1.1.0\n\n- things" && tag.Message != "## 1.1.0\n\n- things\n" {
		t.Errorf("tag message = %q, want the release notes", tag.Message)
	}

	commit, err := repo.CommitObject(tag.Target)
	if err != nil {
		t.Fatal(err)
	}
	if commit.Message != "Bump version to 1.1.0" && commit.Message != "Bump version to 1.1.0\n" {
		t.Errorf("commit message = %q", commit.Message)
	}
	if commit.Committer.Name != "Release Bot" {
		t.Errorf("committer = %s, want identity from the environment", commit.Committer.Name)
	}
}

func TestCommitWithoutRemoteSkipsPush(t *testing.T) {
	setCommitterEnv(t)
	dir, repo := initRepo(t)
	commitFile(t, repo, dir, "a.txt", "one")

	changed := filepath.Join(dir, "b.txt")
	if err := os.WriteFile(changed, []byte("two"), 0644); err != nil {
		t.Fatal(err)
	}

	req := request(t, protocol.StepCommit, dir, map[string]interface{}{
		protocol.SlotNextVersion:  "0.2.0",
		protocol.SlotReleaseNotes: "",
		protocol.SlotFilesChanged: []string{changed},
	})

	// Push defaults to enabled, but this repository has no origin. The
	// release must still commit and tag.
	if _, err := New().Run(req, noopHost{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := repo.Tag("v0.2.0"); err != nil {
		t.Errorf("tag v0.2.0 not created: %v", err)
	}
}

func TestPreFlight(t *testing.T) {
	t.Run("ok with identity", func(t *testing.T) {
		setCommitterEnv(t)
		dir, _ := initRepo(t)
		if _, err := New().Run(request(t, protocol.StepPreFlight, dir, nil), noopHost{}); err != nil {
			t.Errorf("Run() error = %v", err)
		}
	})

	t.Run("not a repository", func(t *testing.T) {
		setCommitterEnv(t)
		_, err := New().Run(request(t, protocol.StepPreFlight, t.TempDir(), nil), noopHost{})
		if err == nil {
			t.Fatal("Run() expected error, got nil")
		}
		failure, ok := err.(*protocol.Failure)
		if !ok || failure.Kind != protocol.FailurePrecondition {
			t.Errorf("error = %v, want a Precondition failure", err)
		}
	})

	t.Run("no identity anywhere", func(t *testing.T) {
		t.Setenv("GIT_COMMITTER_NAME", "")
		t.Setenv("GIT_COMMITTER_EMAIL", "")
		t.Setenv("HOME", t.TempDir())
		t.Setenv("XDG_CONFIG_HOME", t.TempDir())
		dir, _ := initRepo(t)

		_, err := New().Run(request(t, protocol.StepPreFlight, dir, nil), noopHost{})
		if err == nil {
			t.Fatal("Run() expected error, got nil")
		}
		failure, ok := err.(*protocol.Failure)
		if !ok || failure.Kind != protocol.FailurePrecondition {
			t.Errorf("error = %v, want a Precondition failure", err)
		}
	})
}
