// Package analyzer derives the next version bump from conventional commit
// messages in the range since the last release.
package analyzer

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/releasekit/releasekit/pkg/protocol"
	"github.com/releasekit/releasekit/pkg/version"
)

// headerPattern matches a conventional commit header: type, optional
// scope, optional breaking marker.
var headerPattern = regexp.MustCompile(`^(\w+)(\([^)]*\))?(!)?:\s`)

// Plugin analyzes the commit range since the last release.
type Plugin struct{}

// New creates the analyzer plugin.
func New() *Plugin { return &Plugin{} }

// Name returns the plugin name.
func (p *Plugin) Name() string { return "analyzer" }

// Methods returns the advertised capability set.
func (p *Plugin) Methods() []protocol.Step {
	return []protocol.Step{protocol.StepDeriveNextVersion}
}

// Run walks the commits from HEAD back to the last released revision and
// reports the maximum bump their messages call for.
func (p *Plugin) Run(req *protocol.StepRequest, host protocol.Host) (*protocol.StepResult, error) {
	repo, err := git.PlainOpen(req.ProjectRoot)
	if err != nil {
		return nil, protocol.NewFailure(protocol.FailurePrecondition,
			"%s is not a git repository", req.ProjectRoot).WithCause(err)
	}

	var last protocol.Release
	haveLast, err := req.Slot(protocol.SlotLastRelease, &last)
	if err != nil {
		return nil, protocol.NewFailure(protocol.FailureLogic, "bad last_release slot").WithCause(err)
	}

	messages, err := commitMessages(repo, lastRevision(haveLast, &last))
	if err != nil {
		return nil, err
	}

	bump := version.BumpNone
	for _, message := range messages {
		bump = version.MaxBump(bump, AnalyzeMessage(message))
	}
	host.Log("debug", fmt.Sprintf("analyzed %d commits, bump %s", len(messages), bump))

	return &protocol.StepResult{Bump: &bump}, nil
}

func lastRevision(have bool, last *protocol.Release) plumbing.Hash {
	if !have {
		return plumbing.ZeroHash
	}
	return plumbing.NewHash(last.Revision)
}

// commitMessages returns the messages of every commit reachable from HEAD
// down to, but excluding, the stop revision. A zero stop hash walks the
// whole history.
func commitMessages(repo *git.Repository, stop plumbing.Hash) ([]string, error) {
	head, err := repo.Head()
	if err != nil {
		// An empty repository has no commits to analyze.
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil
		}
		return nil, protocol.NewFailure(protocol.FailureIo, "failed to resolve HEAD").WithCause(err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, protocol.NewFailure(protocol.FailureIo, "failed to read commit log").WithCause(err)
	}
	defer iter.Close()

	var messages []string
	stopErr := errors.New("stop")
	err = iter.ForEach(func(c *object.Commit) error {
		if c.Hash == stop {
			return stopErr
		}
		messages = append(messages, c.Message)
		return nil
	})
	if err != nil && !errors.Is(err, stopErr) {
		return nil, protocol.NewFailure(protocol.FailureIo, "failed to walk commits").WithCause(err)
	}
	return messages, nil
}

// AnalyzeMessage classifies one commit message. fix maps to a patch bump,
// feat to minor, and a breaking marker (a "!" after the type or a
// "BREAKING CHANGE:" footer) to major. Anything else does not warrant a
// release.
func AnalyzeMessage(message string) version.Bump {
	header, _, _ := strings.Cut(message, "\n")

	match := headerPattern.FindStringSubmatch(header)
	if match == nil {
		return version.BumpNone
	}

	if match[3] == "!" || strings.Contains(message, "BREAKING CHANGE:") {
		return version.BumpMajor
	}

	switch match[1] {
	case "feat":
		return version.BumpMinor
	case "fix":
		return version.BumpPatch
	default:
		return version.BumpNone
	}
}
