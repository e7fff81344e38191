package engine

import (
	"fmt"
	"os"

	"github.com/releasekit/releasekit/pkg/telemetry"
)

// snapshot records the pre-run state of one path.
type snapshot struct {
	path string

	// existed is false when the path was absent before the run; restore
	// then deletes whatever a plugin created there.
	existed bool
	mode    os.FileMode
	content []byte
}

// Guard tracks the snapshot/restore protocol for dry runs. Plugins call
// Snapshot before mutating a file; Restore puts every recorded path back
// when the run tears down.
type Guard struct {
	snapshots []snapshot
	byPath    map[string]struct{}
}

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{byPath: make(map[string]struct{})}
}

// Snapshot records the current contents of path, or its absence. It is
// idempotent per path; the first snapshot wins.
func (g *Guard) Snapshot(path string) error {
	if _, seen := g.byPath[path]; seen {
		return nil
	}

	snap := snapshot{path: path}
	info, err := os.Stat(path)
	switch {
	case err == nil:
		content, readErr := os.ReadFile(path)
		if readErr != nil {
			return NewIoError(fmt.Sprintf("failed to snapshot %s", path), readErr)
		}
		snap.existed = true
		snap.mode = info.Mode().Perm()
		snap.content = content
	case os.IsNotExist(err):
		snap.existed = false
	default:
		return NewIoError(fmt.Sprintf("failed to snapshot %s", path), err)
	}

	g.byPath[path] = struct{}{}
	g.snapshots = append(g.snapshots, snap)
	return nil
}

// Count returns how many paths are recorded.
func (g *Guard) Count() int {
	return len(g.snapshots)
}

// Restore puts every recorded path back to its snapshot state, in
// registration order. Restore failures are logged at error level together
// with the original contents, and do not prevent later restores.
func (g *Guard) Restore(logger *telemetry.Logger) {
	for _, snap := range g.snapshots {
		if err := g.restoreOne(snap); err != nil {
			logger.WithError(err).Errorf("failed to restore %s", snap.path)
			if snap.existed {
				logger.Errorf("original contents of %s:\n%s", snap.path, snap.content)
			}
		} else {
			logger.Debugf("restored %s", snap.path)
		}
	}
}

func (g *Guard) restoreOne(snap snapshot) error {
	if !snap.existed {
		if err := os.Remove(snap.path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return os.WriteFile(snap.path, snap.content, snap.mode)
}
