// Package telemetry provides structured logging for the release pipeline.
//
// The logger wraps zerolog with component child loggers and field helpers
// for the identifiers that matter during a release run: the run ID, the
// plugin being invoked, and the pipeline step in flight.
//
// Initialize logging at application startup:
//
//	logger, err := telemetry.NewLogger(telemetry.DefaultLoggingConfig())
//	if err != nil {
//	    return err
//	}
//
//	engineLog := logger.NewComponentLogger("engine")
//	engineLog = engineLog.WithRunID(runID)
//	engineLog.WithStep("commit").Info("Running step 'commit'")
//
// Log lines forwarded by plugins over the wire protocol are replayed into
// the engine's logger via ForwardPluginLog so that external and builtin
// plugins produce uniform output.
package telemetry
