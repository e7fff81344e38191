package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/releasekit/releasekit/pkg/builtin/analyzer"
	"github.com/releasekit/releasekit/pkg/builtin/changelog"
	"github.com/releasekit/releasekit/pkg/builtin/github"
	"github.com/releasekit/releasekit/pkg/builtin/gitrepo"
	"github.com/releasekit/releasekit/pkg/builtin/manifest"
	builtinpolicy "github.com/releasekit/releasekit/pkg/builtin/policy"
	"github.com/releasekit/releasekit/pkg/builtin/registry"
	"github.com/releasekit/releasekit/pkg/config"
	"github.com/releasekit/releasekit/pkg/protocol"
	"github.com/releasekit/releasekit/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command. Invocations that name no subcommand run
// the release pipeline.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	args := os.Args[1:]
	if cmd, _, err := rootCmd.Find(args); err == nil && cmd == rootCmd && !wantsRootOutput(args) {
		rootCmd.SetArgs(append([]string{"release"}, args...))
	}
	return rootCmd.ExecuteContext(ctx)
}

func wantsRootOutput(args []string) bool {
	for _, arg := range args {
		switch arg {
		case "-h", "--help", "--version", "help", "completion":
			return true
		}
	}
	return false
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "releasekit",
		Short: "ReleaseKit - Plugin-based release automation",
		Long: `ReleaseKit drives a release through a fixed pipeline of steps, each
handled by plugins declared in the project's releaserc file.

Pipeline:
  - Analyze commits since the last release tag
  - Derive the next semantic version
  - Generate release notes and rewrite manifests
  - Verify the release against policies
  - Commit, tag, publish, and notify`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newReleaseCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPluginsCommand())

	return rootCmd
}

// newCLILogger builds the logger the commands share. Verbose switches the
// level, json switches the format.
func newCLILogger() (*telemetry.Logger, error) {
	cfg := telemetry.DefaultLoggingConfig()
	if verbose {
		cfg.Level = "debug"
	}
	if jsonOutput {
		cfg.Format = "json"
	}
	return telemetry.NewLogger(cfg)
}

// loadDocument locates and parses the configuration for the project. An
// explicit --config path wins over the default search.
func loadDocument(projectRoot string) (*config.Document, error) {
	path := configPath
	if path == "" {
		found, err := config.Find(projectRoot)
		if err != nil {
			return nil, err
		}
		path = found
	}
	return config.Load(path)
}

// builtins returns the plugin set compiled into the binary, keyed by the
// name the configuration refers to them with.
func builtins(logger *telemetry.Logger) map[string]protocol.Plugin {
	return map[string]protocol.Plugin{
		"analyzer":  analyzer.New(),
		"changelog": changelog.New(),
		"gitrepo":   gitrepo.New(),
		"manifest":  manifest.New(),
		"github":    github.New(),
		"registry":  registry.New(),
		"policy":    builtinpolicy.New(logger),
	}
}

func resolveProjectRoot(project string) (string, error) {
	root, err := filepath.Abs(project)
	if err != nil {
		return "", fmt.Errorf("failed to resolve project root %q: %w", project, err)
	}
	return root, nil
}
