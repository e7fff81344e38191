package plugin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/releasekit/releasekit/pkg/protocol"
)

// BuiltinHandle runs an in-process provider behind the engine's handle
// contract. It skips the spawn and handshake steps; the capability set is
// read directly from the provider.
type BuiltinHandle struct {
	name    string
	plugin  protocol.Plugin
	methods []protocol.Step
	cfg     json.RawMessage
	host    protocol.Host
}

// NewBuiltinHandle wraps an in-process provider. The name is the plugin's
// registered name from the configuration document.
func NewBuiltinHandle(name string, p protocol.Plugin, cfg json.RawMessage, host protocol.Host) *BuiltinHandle {
	return &BuiltinHandle{
		name:    name,
		plugin:  p,
		methods: p.Methods(),
		cfg:     cfg,
		host:    host,
	}
}

// Name returns the plugin's registered name.
func (h *BuiltinHandle) Name() string { return h.name }

// Methods returns the capability set.
func (h *BuiltinHandle) Methods() []protocol.Step { return h.methods }

// Implements reports whether the plugin advertises the step.
func (h *BuiltinHandle) Implements(step protocol.Step) bool {
	for _, m := range h.methods {
		if m == step {
			return true
		}
	}
	return false
}

// Call invokes one step method in-process. The call runs in its own
// goroutine so the context deadline is honored even when the provider
// blocks; a timed-out provider keeps running but its result is discarded.
func (h *BuiltinHandle) Call(ctx context.Context, req *protocol.StepRequest) (*protocol.StepResult, error) {
	req.Config = h.cfg

	type outcome struct {
		result *protocol.StepResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		result, err := h.run(req)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, protocol.NewFailure(protocol.FailureProtocol,
			"plugin %q timed out in method %s", h.name, req.Step)
	case out := <-done:
		return out.result, out.err
	}
}

func (h *BuiltinHandle) run(req *protocol.StepRequest) (result *protocol.StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = protocol.NewFailure(protocol.FailureLogic,
				"plugin %q panicked in method %s: %v", h.name, req.Step, r)
		}
	}()
	return h.plugin.Run(req, h.host)
}

// Shutdown releases the handle. Builtins hold no external resources.
func (h *BuiltinHandle) Shutdown(ctx context.Context) error {
	return nil
}

// String describes the handle for diagnostics.
func (h *BuiltinHandle) String() string {
	return fmt.Sprintf("builtin:%s", h.name)
}
