package engine

import (
	"github.com/releasekit/releasekit/pkg/telemetry"
)

// RunHost is the engine-side implementation of the plugin host contract:
// snapshot registration goes to the Dry-Run Guard, forwarded log lines go
// to the run's logger.
type RunHost struct {
	guard  *Guard
	logger *telemetry.Logger
}

// NewRunHost creates a host backed by the given guard and logger.
func NewRunHost(guard *Guard, logger *telemetry.Logger) *RunHost {
	return &RunHost{guard: guard, logger: logger}
}

// Snapshot records the current contents of path for dry-run restore.
func (h *RunHost) Snapshot(path string) error {
	return h.guard.Snapshot(path)
}

// Log replays a plugin log line into the engine's logger.
func (h *RunHost) Log(level, message string) {
	h.logger.ForwardPluginLog(level, message)
}
