// Package gitrepo is the source-control plugin: it finds the last
// released tag, commits the prepared files, tags the release, and pushes.
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/releasekit/releasekit/pkg/protocol"
	"github.com/releasekit/releasekit/pkg/version"
)

// Config is the plugin's cfg subtree.
type Config struct {
	// Remote is the remote pushed to after tagging.
	Remote string `json:"remote"`

	// Push disables the push when set to false. Commit and tag still
	// happen.
	Push *bool `json:"push"`

	// TagPrefix is prepended to the version when naming tags.
	TagPrefix string `json:"tag_prefix"`
}

func (c *Config) pushEnabled() bool { return c.Push == nil || *c.Push }

// Plugin speaks to the working copy through go-git.
type Plugin struct{}

// New creates the gitrepo plugin.
func New() *Plugin { return &Plugin{} }

// Name returns the plugin name.
func (p *Plugin) Name() string { return "gitrepo" }

// Methods returns the advertised capability set.
func (p *Plugin) Methods() []protocol.Step {
	return []protocol.Step{protocol.StepPreFlight, protocol.StepGetLastRelease, protocol.StepCommit}
}

// Run dispatches to the step method.
func (p *Plugin) Run(req *protocol.StepRequest, host protocol.Host) (*protocol.StepResult, error) {
	cfg, err := parseConfig(req.Config)
	if err != nil {
		return nil, err
	}

	switch req.Step {
	case protocol.StepPreFlight:
		return p.preFlight(req, cfg)
	case protocol.StepGetLastRelease:
		return p.getLastRelease(req, cfg, host)
	case protocol.StepCommit:
		return p.commit(req, cfg, host)
	default:
		return nil, protocol.NewFailure(protocol.FailureLogic, "unsupported method %s", req.Step)
	}
}

func parseConfig(raw json.RawMessage) (*Config, error) {
	cfg := &Config{Remote: git.DefaultRemoteName, TagPrefix: "v"}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, protocol.NewFailure(protocol.FailureConfig, "bad gitrepo configuration").WithCause(err)
		}
		if cfg.Remote == "" {
			cfg.Remote = git.DefaultRemoteName
		}
	}
	return cfg, nil
}

// preFlight verifies the project is a repository and a committer identity
// is resolvable before anything downstream runs.
func (p *Plugin) preFlight(req *protocol.StepRequest, cfg *Config) (*protocol.StepResult, error) {
	repo, err := git.PlainOpen(req.ProjectRoot)
	if err != nil {
		return nil, protocol.NewFailure(protocol.FailurePrecondition,
			"%s is not a git repository", req.ProjectRoot).WithCause(err)
	}
	if _, err := committerSignature(repo); err != nil {
		return nil, err
	}
	return &protocol.StepResult{}, nil
}

// getLastRelease scans the tags for the highest semantic version.
// Unparseable tags are skipped so unrelated tags cannot break a release.
func (p *Plugin) getLastRelease(req *protocol.StepRequest, cfg *Config, host protocol.Host) (*protocol.StepResult, error) {
	repo, err := git.PlainOpen(req.ProjectRoot)
	if err != nil {
		return nil, protocol.NewFailure(protocol.FailurePrecondition,
			"%s is not a git repository", req.ProjectRoot).WithCause(err)
	}

	tags, err := repo.Tags()
	if err != nil {
		return nil, protocol.NewFailure(protocol.FailureIo, "failed to list tags").WithCause(err)
	}

	var best *semver.Version
	var bestRevision plumbing.Hash
	err = tags.ForEach(func(ref *plumbing.Reference) error {
		parsed, perr := version.Parse(ref.Name().Short())
		if perr != nil {
			host.Log("debug", fmt.Sprintf("ignoring tag %s: not a version", ref.Name().Short()))
			return nil
		}
		if best != nil && !parsed.GreaterThan(best) {
			return nil
		}
		revision, rerr := tagCommit(repo, ref)
		if rerr != nil {
			return rerr
		}
		best = parsed
		bestRevision = revision
		return nil
	})
	if err != nil {
		return nil, protocol.NewFailure(protocol.FailureIo, "failed to scan tags").WithCause(err)
	}

	result := &protocol.StepResult{}
	if best == nil {
		host.Log("info", "no release tags found, starting from scratch")
		return result, nil
	}

	if err := result.Write(protocol.SlotLastRelease, protocol.Release{
		Version:  best.String(),
		Revision: bestRevision.String(),
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// tagCommit resolves a tag reference to the commit it points at,
// following annotated tag objects.
func tagCommit(repo *git.Repository, ref *plumbing.Reference) (plumbing.Hash, error) {
	tag, err := repo.TagObject(ref.Hash())
	if err == nil {
		return tag.Target, nil
	}
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return ref.Hash(), nil
	}
	return plumbing.ZeroHash, err
}

// commit stages the prepared files, commits them, tags the release with
// the notes as the tag message, and pushes branch and tag.
func (p *Plugin) commit(req *protocol.StepRequest, cfg *Config, host protocol.Host) (*protocol.StepResult, error) {
	var next string
	if ok, err := req.Slot(protocol.SlotNextVersion, &next); err != nil || !ok {
		return nil, protocol.NewFailure(protocol.FailureLogic, "next_version is not available").WithCause(err)
	}
	var notes string
	if _, err := req.Slot(protocol.SlotReleaseNotes, &notes); err != nil {
		return nil, protocol.NewFailure(protocol.FailureLogic, "bad release_notes slot").WithCause(err)
	}
	var files []string
	if _, err := req.Slot(protocol.SlotFilesChanged, &files); err != nil {
		return nil, protocol.NewFailure(protocol.FailureLogic, "bad files_changed slot").WithCause(err)
	}

	repo, err := git.PlainOpen(req.ProjectRoot)
	if err != nil {
		return nil, protocol.NewFailure(protocol.FailurePrecondition,
			"%s is not a git repository", req.ProjectRoot).WithCause(err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, protocol.NewFailure(protocol.FailureIo, "failed to open worktree").WithCause(err)
	}

	for _, file := range files {
		rel, err := filepath.Rel(req.ProjectRoot, file)
		if err != nil || filepath.IsAbs(rel) {
			rel = file
		}
		if _, err := wt.Add(rel); err != nil {
			return nil, protocol.NewFailure(protocol.FailureIo, "failed to stage %s", rel).WithCause(err)
		}
	}

	sig, err := committerSignature(repo)
	if err != nil {
		return nil, err
	}

	message := fmt.Sprintf("Bump version to %s", next)
	commitHash, err := wt.Commit(message, &git.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		return nil, protocol.NewFailure(protocol.FailureIo, "failed to commit release").WithCause(err)
	}

	tagName := cfg.TagPrefix + next
	tagMessage := notes
	if tagMessage == "" {
		tagMessage = message
	}
	if _, err := repo.CreateTag(tagName, commitHash, &git.CreateTagOptions{
		Tagger:  sig,
		Message: tagMessage,
	}); err != nil {
		return nil, protocol.NewFailure(protocol.FailureIo, "failed to create tag %s", tagName).WithCause(err)
	}

	if err := p.push(repo, cfg, tagName, host); err != nil {
		return nil, err
	}

	result := &protocol.StepResult{}
	if err := result.Write(protocol.SlotNewTag, tagName); err != nil {
		return nil, err
	}
	return result, nil
}

// push sends the current branch and the new tag to the configured remote.
// A repository without that remote, or push disabled in the cfg, commits
// and tags locally only.
func (p *Plugin) push(repo *git.Repository, cfg *Config, tagName string, host protocol.Host) error {
	if !cfg.pushEnabled() {
		host.Log("info", "push disabled, release committed and tagged locally")
		return nil
	}
	if _, err := repo.Remote(cfg.Remote); err != nil {
		if errors.Is(err, git.ErrRemoteNotFound) {
			host.Log("warn", fmt.Sprintf("remote %q not found, skipping push", cfg.Remote))
			return nil
		}
		return protocol.NewFailure(protocol.FailureIo, "failed to resolve remote %q", cfg.Remote).WithCause(err)
	}

	head, err := repo.Head()
	if err != nil {
		return protocol.NewFailure(protocol.FailureIo, "failed to resolve HEAD").WithCause(err)
	}

	err = repo.Push(&git.PushOptions{
		RemoteName: cfg.Remote,
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("%s:%s", head.Name(), head.Name())),
			gitconfig.RefSpec(fmt.Sprintf("refs/tags/%s:refs/tags/%s", tagName, tagName)),
		},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return protocol.NewFailure(protocol.FailureNetwork, "failed to push to %q", cfg.Remote).WithCause(err)
	}
	return nil
}

// committerSignature resolves the committer identity from the environment
// first, then the repository configuration.
func committerSignature(repo *git.Repository) (*object.Signature, error) {
	name := os.Getenv("GIT_COMMITTER_NAME")
	email := os.Getenv("GIT_COMMITTER_EMAIL")

	if name == "" || email == "" {
		cfg, err := repo.ConfigScoped(gitconfig.SystemScope)
		if err != nil {
			return nil, protocol.NewFailure(protocol.FailureIo, "failed to read repository config").WithCause(err)
		}
		if name == "" {
			name = cfg.User.Name
		}
		if email == "" {
			email = cfg.User.Email
		}
	}

	if name == "" || email == "" {
		return nil, protocol.NewFailure(protocol.FailurePrecondition,
			"committer identity is not configured: set GIT_COMMITTER_NAME and GIT_COMMITTER_EMAIL or user.name and user.email")
	}
	return &object.Signature{Name: name, Email: email, When: time.Now()}, nil
}
