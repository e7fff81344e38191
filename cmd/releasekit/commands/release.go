package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/releasekit/releasekit/pkg/config"
	"github.com/releasekit/releasekit/pkg/engine"
	"github.com/releasekit/releasekit/pkg/plugin"
)

func newReleaseCommand() *cobra.Command {
	var (
		project     string
		dry         bool
		writeMode   string
		releaseMode string
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Run the release pipeline",
		Long: `Run the release pipeline against the project.

Outside CI the pipeline defaults to a dry run: every step executes but
commit, publish, and notify are skipped, and files rewritten during the
run are restored afterwards. Set CI=true or pass --write=yes to make the
release for real. An explicit --write always wins over --dry and over
the CI default.`,
		Example: `  # Dry run, show what the release would do
  releasekit release --dry

  # Release for real from a laptop
  releasekit release --write=yes

  # Commit and tag, but skip publish and notify
  releasekit release --write=yes --release=no`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun, err := resolveWriteMode(dry, writeMode)
			if err != nil {
				return err
			}
			doRelease, err := resolveYesNo("release", releaseMode)
			if err != nil {
				return err
			}
			return runRelease(cmd.Context(), project, dryRun, doRelease, timeout)
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", ".", "project root")
	cmd.Flags().BoolVar(&dry, "dry", false, "force a dry run")
	cmd.Flags().StringVar(&writeMode, "write", "", "write mode: yes or no (default: no, yes when CI=true)")
	cmd.Flags().StringVar(&releaseMode, "release", "yes", "run the publish and notify steps: yes or no")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per plugin call timeout (default 60s)")

	return cmd
}

// resolveWriteMode decides whether the run is dry. The precedence is an
// explicit --write, then --dry, then the CI environment, then dry.
func resolveWriteMode(dry bool, writeMode string) (bool, error) {
	dryRun := os.Getenv("CI") != "true"
	if dry {
		dryRun = true
	}
	switch writeMode {
	case "":
	case "yes":
		dryRun = false
	case "no":
		dryRun = true
	default:
		return false, fmt.Errorf("bad --write value %q (want yes or no)", writeMode)
	}
	return dryRun, nil
}

func resolveYesNo(flag, value string) (bool, error) {
	switch value {
	case "yes":
		return true, nil
	case "no":
		return false, nil
	default:
		return false, fmt.Errorf("bad --%s value %q (want yes or no)", flag, value)
	}
}

func runRelease(ctx context.Context, project string, dryRun, doRelease bool, timeout time.Duration) error {
	root, err := resolveProjectRoot(project)
	if err != nil {
		return err
	}
	logger, err := newCLILogger()
	if err != nil {
		return err
	}
	log := logger.NewComponentLogger("cli")

	doc, err := loadDocument(root)
	if err != nil {
		return err
	}
	if !doRelease {
		suppressPush(doc)
	}

	guard := engine.NewGuard()
	host := engine.NewRunHost(guard, logger)

	handles, err := plugin.Resolve(ctx, doc, builtins(logger), host, logger)
	if err != nil {
		return err
	}

	plan, diagnostics, err := engine.Plan(doc.Steps, handles)
	if err != nil {
		shutdownHandles(handles)
		return err
	}
	for _, diagnostic := range diagnostics {
		log.Warn(diagnostic)
	}

	eng, err := engine.New(plan, engine.Options{
		ProjectRoot: root,
		DryRun:      dryRun,
		Release:     doRelease,
		CallTimeout: timeout,
		Logger:      logger,
		Guard:       guard,
	})
	if err != nil {
		shutdownHandles(handles)
		return err
	}

	report, runErr := eng.Run(ctx)
	printReport(report, dryRun)
	return runErr
}

// suppressPush turns off the gitrepo push for --release=no runs, so the
// version is committed and tagged locally without reaching the remote.
func suppressPush(doc *config.Document) {
	if doc.Cfg == nil {
		doc.Cfg = make(map[string]interface{})
	}
	sub, ok := doc.Cfg["gitrepo"].(map[string]interface{})
	if !ok {
		sub = make(map[string]interface{})
	}
	sub["push"] = false
	doc.Cfg["gitrepo"] = sub
}

// shutdownHandles releases plugin handles when the run never reaches the
// engine, which otherwise owns teardown. Shared handles appear once per
// step, so shutdown deduplicates by name.
func shutdownHandles(handles []engine.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	seen := make(map[string]bool, len(handles))
	for _, handle := range handles {
		if seen[handle.Name()] {
			continue
		}
		seen[handle.Name()] = true
		_ = handle.Shutdown(ctx)
	}
}

func printReport(report *engine.RunReport, dryRun bool) {
	if report == nil {
		return
	}
	if jsonOutput {
		data, err := json.MarshalIndent(report, "", "  ")
		if err == nil {
			fmt.Println(string(data))
		}
		return
	}

	if report.NoBump {
		fmt.Println("No version bump. Nothing to do")
		return
	}

	fmt.Printf("Run %s: %s\n", report.RunID, report.State)
	for _, status := range report.Steps {
		line := fmt.Sprintf("  %-20s %s", status.Step, status.State)
		if status.Err != nil {
			line += ": " + status.Err.Error()
		}
		fmt.Println(line)
	}
	if report.NextVersion != "" {
		if dryRun {
			fmt.Printf("Would release version %s\n", report.NextVersion)
		} else {
			fmt.Printf("Released version %s\n", report.NextVersion)
		}
	}
	for _, target := range report.PublishedTargets {
		fmt.Printf("Published to %s\n", target)
	}
}
