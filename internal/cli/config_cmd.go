package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"omegacamer/internal/tools"
)

// Version is the program version, set at build time.
var Version = "v0.1.0-dev"

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or validate the configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.loadConfig(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			source := root.cfg.Path()
			if source == "" {
				source = "(defaults)"
			}
			fmt.Fprintf(out, "# loaded from %s\n", source)
			data, err := yaml.Marshal(root.cfg)
			if err != nil {
				return err
			}
			_, err = out.Write(data)
			return err
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate [command]",
		Short: "Check the configuration, optionally for one command",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.loadConfig(); err != nil {
				return err
			}
			err := root.cfg.Validate()
			if len(args) == 1 {
				err = root.cfg.ValidateFor(args[0])
			}
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s configuration is invalid:\n%v\n", failText("✗"), err)
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintf(cmd.OutOrStdout(), "%s configuration is valid\n", okText("✓"))
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Show which external tools are available",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.loadConfig(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			status := root.toolStatuses()
			missing := 0
			for _, name := range tools.Names(status) {
				st := status[name]
				if st.Available {
					fmt.Fprintf(out, "%s %-10s %s %s\n", okText("✓"), name, st.Path, st.Version)
					continue
				}
				missing++
				fmt.Fprintf(out, "%s %-10s %s: %v\n", failText("✗"), name, st.Path, st.Error)
			}
			if missing > 0 {
				fmt.Fprintf(out, "%s %d tool(s) unavailable, check the *_bin settings and reducer.command\n",
					warnText("!"), missing)
			}
			return nil
		},
	}
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "omegacamer %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Built with Go %s\n", runtime.Version())
		},
	}
}
