package engine

import (
	"context"

	"github.com/releasekit/releasekit/pkg/protocol"
)

// Handle is the engine's view of a resolved plugin: a running instance,
// builtin or external, addressed by name with a known capability set.
type Handle interface {
	// Name returns the plugin name from the configuration document.
	Name() string

	// Methods returns the capability set fetched at handshake.
	Methods() []protocol.Step

	// Implements reports whether the plugin advertises the step.
	Implements(step protocol.Step) bool

	// Call invokes one step method. The context carries the per-call
	// timeout; a call that outlives it fails with a Protocol error naming
	// the method.
	Call(ctx context.Context, req *protocol.StepRequest) (*protocol.StepResult, error)

	// Shutdown asks the plugin to exit and releases its resources.
	Shutdown(ctx context.Context) error
}
