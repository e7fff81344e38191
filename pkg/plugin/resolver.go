package plugin

import (
	"context"
	"fmt"
	"sort"

	"github.com/releasekit/releasekit/pkg/config"
	"github.com/releasekit/releasekit/pkg/engine"
	"github.com/releasekit/releasekit/pkg/protocol"
	"github.com/releasekit/releasekit/pkg/telemetry"
)

// Resolve starts a handle for every plugin in the configuration document
// and returns them in registration order, which discovery uses as the
// invocation order. Plugin names sort lexicographically so registration
// order is stable across runs.
//
// Builtins come from the provided registry; unknown builtin names and
// failed handshakes are Config errors. On failure every already-started
// handle is shut down before returning.
func Resolve(ctx context.Context, doc *config.Document, builtins map[string]protocol.Plugin, host protocol.Host, logger *telemetry.Logger) ([]engine.Handle, error) {
	names := make([]string, 0, len(doc.Plugins))
	for name := range doc.Plugins {
		names = append(names, name)
	}
	sort.Strings(names)

	log := logger.NewComponentLogger("resolver")

	var handles []engine.Handle
	fail := func(err error) ([]engine.Handle, error) {
		shutdownAll(ctx, handles, log)
		return nil, err
	}

	for _, name := range names {
		loc := doc.Plugins[name]
		cfg, err := doc.PluginCfg(name)
		if err != nil {
			return fail(engine.NewConfigError(fmt.Sprintf("bad cfg subtree for plugin %q", name), err))
		}

		switch loc.Kind {
		case config.LocationBuiltin:
			p, ok := builtins[name]
			if !ok {
				return fail(engine.NewConfigError(fmt.Sprintf("unknown builtin plugin %q", name), nil))
			}
			handle := NewBuiltinHandle(name, p, cfg, host)
			log.Debugf("registered builtin plugin %s with %d methods", name, len(handle.Methods()))
			handles = append(handles, handle)

		case config.LocationExec:
			handle, err := StartProcess(ctx, name, loc.Command, loc.Args, cfg, host)
			if err != nil {
				return fail(engine.NewConfigError(fmt.Sprintf("failed to start plugin %q", name), err))
			}
			log.Debugf("started external plugin %s with %d methods", name, len(handle.Methods()))
			handles = append(handles, handle)

		default:
			return fail(engine.NewConfigError(fmt.Sprintf("plugin %q has unknown location %q", name, loc.Kind), nil))
		}
	}

	return handles, nil
}

func shutdownAll(ctx context.Context, handles []engine.Handle, log *telemetry.Logger) {
	for _, handle := range handles {
		if err := handle.Shutdown(ctx); err != nil {
			log.WithPlugin(handle.Name()).WithError(err).Warn("plugin shutdown failed")
		}
	}
}
