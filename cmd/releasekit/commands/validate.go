package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/releasekit/releasekit/pkg/engine"
	"github.com/releasekit/releasekit/pkg/plugin"
)

func newValidateCommand() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and show the plan",
		Long: `Validate the releaserc file, resolve the declared plugins, and print
the execution plan without running any step.`,
		Example: `  # Validate the current project
  releasekit validate

  # Validate another project with an explicit config
  releasekit validate -p ../widget --config ../widget/releaserc.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveProjectRoot(project)
			if err != nil {
				return err
			}
			logger, err := newCLILogger()
			if err != nil {
				return err
			}

			doc, err := loadDocument(root)
			if err != nil {
				return err
			}

			host := engine.NewRunHost(engine.NewGuard(), logger)
			handles, err := plugin.Resolve(cmd.Context(), doc, builtins(logger), host, logger)
			if err != nil {
				return err
			}
			defer shutdownHandles(handles)

			plan, diagnostics, err := engine.Plan(doc.Steps, handles)
			if err != nil {
				return err
			}

			fmt.Println("Configuration is valid.")
			fmt.Println("Plan:")
			for _, planned := range plan {
				names := make([]string, len(planned.Plugins))
				for i, handle := range planned.Plugins {
					names[i] = handle.Name()
				}
				fmt.Printf("  %-20s %-10s %s\n", planned.Step, planned.Mode, strings.Join(names, ", "))
			}
			for _, diagnostic := range diagnostics {
				fmt.Println("Note:", diagnostic)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", ".", "project root")

	return cmd
}
