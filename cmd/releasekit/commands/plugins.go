package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/releasekit/releasekit/pkg/engine"
	"github.com/releasekit/releasekit/pkg/plugin"
)

func newPluginsCommand() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "List the resolved plugins and their capabilities",
		Long: `Resolve every plugin the configuration declares, builtin and external,
and print the step methods each one advertises.`,
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

			for _, handle := range handles {
				methods := make([]string, len(handle.Methods()))
				for i, step := range handle.Methods() {
					methods[i] = string(step)
				}
				fmt.Printf("%-12s %s\n", handle.Name(), strings.Join(methods, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", ".", "project root")

	return cmd
}
