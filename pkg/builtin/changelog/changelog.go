// Package changelog renders release notes from conventional commits and
// maintains the changelog file.
package changelog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/releasekit/releasekit/pkg/builtin/analyzer"
	"github.com/releasekit/releasekit/pkg/protocol"
	"github.com/releasekit/releasekit/pkg/version"
)

// DefaultPath is the changelog file maintained when none is configured.
const DefaultPath = "CHANGELOG.md"

// Config is the plugin's cfg subtree.
type Config struct {
	// Path is the changelog file relative to the project root.
	Path string `json:"path"`
}

// Plugin renders release notes and rewrites the changelog file.
type Plugin struct{}

// New creates the changelog plugin.
func New() *Plugin { return &Plugin{} }

// Name returns the plugin name.
func (p *Plugin) Name() string { return "changelog" }

// Methods returns the advertised capability set.
func (p *Plugin) Methods() []protocol.Step {
	return []protocol.Step{protocol.StepGenerateNotes, protocol.StepPrepare}
}

// Run dispatches to the step method.
func (p *Plugin) Run(req *protocol.StepRequest, host protocol.Host) (*protocol.StepResult, error) {
	switch req.Step {
	case protocol.StepGenerateNotes:
		return p.generateNotes(req, host)
	case protocol.StepPrepare:
		return p.prepare(req, host)
	default:
		return nil, protocol.NewFailure(protocol.FailureLogic, "unsupported method %s", req.Step)
	}
}

func (p *Plugin) config(req *protocol.StepRequest) (*Config, error) {
	cfg := &Config{Path: DefaultPath}
	if len(req.Config) > 0 {
		if err := json.Unmarshal(req.Config, cfg); err != nil {
			return nil, protocol.NewFailure(protocol.FailureConfig, "bad changelog configuration").WithCause(err)
		}
		if cfg.Path == "" {
			cfg.Path = DefaultPath
		}
	}
	return cfg, nil
}

func (p *Plugin) generateNotes(req *protocol.StepRequest, host protocol.Host) (*protocol.StepResult, error) {
	var next string
	if ok, err := req.Slot(protocol.SlotNextVersion, &next); err != nil || !ok {
		return nil, protocol.NewFailure(protocol.FailureLogic, "next_version is not available").WithCause(err)
	}
	var last protocol.Release
	haveLast, err := req.Slot(protocol.SlotLastRelease, &last)
	if err != nil {
		return nil, protocol.NewFailure(protocol.FailureLogic, "bad last_release slot").WithCause(err)
	}

	entries, err := collectEntries(req.ProjectRoot, haveLast, &last)
	if err != nil {
		return nil, err
	}

	notes := Render(next, time.Now(), entries)

	if req.DryRun {
		host.Log("info", "Would write the following changelog:")
		host.Log("info", "BEGIN CHANGELOG")
		host.Log("info", notes)
		host.Log("info", "END CHANGELOG")
	}

	result := &protocol.StepResult{}
	if err := result.Write(protocol.SlotReleaseNotes, notes); err != nil {
		return nil, err
	}
	return result, nil
}

// prepare prepends the merged release notes to the changelog file. The
// file is snapshotted first so a dry run leaves it untouched.
func (p *Plugin) prepare(req *protocol.StepRequest, host protocol.Host) (*protocol.StepResult, error) {
	cfg, err := p.config(req)
	if err != nil {
		return nil, err
	}
	var notes string
	if ok, err := req.Slot(protocol.SlotReleaseNotes, &notes); err != nil || !ok {
		return nil, protocol.NewFailure(protocol.FailureLogic, "release_notes is not available").WithCause(err)
	}

	path := filepath.Join(req.ProjectRoot, cfg.Path)
	if err := host.Snapshot(path); err != nil {
		return nil, protocol.NewFailure(protocol.FailureIo, "failed to snapshot %s", cfg.Path).WithCause(err)
	}

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, protocol.NewFailure(protocol.FailureIo, "failed to read %s", cfg.Path).WithCause(err)
	}

	if err := os.WriteFile(path, Prepend(existing, notes), 0644); err != nil {
		return nil, protocol.NewFailure(protocol.FailureIo, "failed to write %s", cfg.Path).WithCause(err)
	}

	result := &protocol.StepResult{}
	if err := result.Write(protocol.SlotFilesChanged, []string{path}); err != nil {
		return nil, err
	}
	return result, nil
}

// Entry is one conventional commit, parsed for rendering.
type Entry struct {
	Bump        version.Bump
	Description string
}

func collectEntries(root string, haveLast bool, last *protocol.Release) ([]Entry, error) {
	repo, err := git.PlainOpen(root)
	if err != nil {
		return nil, protocol.NewFailure(protocol.FailurePrecondition,
			"%s is not a git repository", root).WithCause(err)
	}

	stop := plumbing.ZeroHash
	if haveLast {
		stop = plumbing.NewHash(last.Revision)
	}

	head, err := repo.Head()
	if err != nil {
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

	var entries []Entry
	stopErr := errors.New("stop")
	err = iter.ForEach(func(c *object.Commit) error {
		if c.Hash == stop {
			return stopErr
		}
		bump := analyzer.AnalyzeMessage(c.Message)
		if bump == version.BumpNone {
			return nil
		}
		entries = append(entries, Entry{Bump: bump, Description: description(c.Message)})
		return nil
	})
	if err != nil && !errors.Is(err, stopErr) {
		return nil, protocol.NewFailure(protocol.FailureIo, "failed to walk commits").WithCause(err)
	}
	return entries, nil
}

// description strips the conventional header prefix from the first line.
func description(message string) string {
	header, _, _ := strings.Cut(message, "\n")
	if _, after, found := strings.Cut(header, ": "); found {
		return after
	}
	return header
}

// Render produces the markdown section for one release. Commits are
// grouped by their bump kind, breaking changes first.
func Render(next string, date time.Time, entries []Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s (%s)\n", next, date.Format("2006-01-02"))

	sections := []struct {
		bump  version.Bump
		title string
	}{
		{version.BumpMajor, "Breaking Changes"},
		{version.BumpMinor, "Features"},
		{version.BumpPatch, "Bug Fixes"},
	}
	for _, section := range sections {
		var lines []string
		for _, entry := range entries {
			if entry.Bump == section.bump {
				lines = append(lines, "- "+entry.Description)
			}
		}
		if len(lines) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n### %s\n\n%s\n", section.title, strings.Join(lines, "\n"))
	}

	if len(entries) == 0 {
		b.WriteString("\nNo notable changes.\n")
	}
	return b.String()
}

// Prepend inserts the new section at the top of the changelog body,
// keeping the leading "# Changelog" title when one exists.
func Prepend(existing []byte, notes string) []byte {
	const title = "# Changelog"

	body := strings.TrimSpace(string(existing))
	if body == "" {
		return []byte(title + "\n\n" + notes + "\n")
	}

	if rest, found := strings.CutPrefix(body, title); found {
		return []byte(title + "\n\n" + notes + "\n" + strings.TrimSpace(rest) + "\n")
	}
	return []byte(notes + "\n" + body + "\n")
}
