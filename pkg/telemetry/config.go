package telemetry

// LoggingConfig holds the three knobs the CLI exposes for logging.
type LoggingConfig struct {
	// Level is the minimum level to emit (any level zerolog accepts).
	Level string

	// Format selects console or json output.
	Format string

	// Output names the stream to write to: stdout or stderr.
	Output string
}

// DefaultLoggingConfig returns the logging configuration used when the
// command line does not override it.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: "console",
		Output: "stderr",
	}
}
