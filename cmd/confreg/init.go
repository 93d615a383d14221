package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"confreg/pkg/config"
)

// NewInitCmd creates the init command.
func NewInitCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long: `Init writes a configuration file holding every setting with its default value.

Examples:
  # Create .confreg.yaml in the current directory
  confreg init

  # Create the user configuration file
  confreg init --user

  # Overwrite an existing file
  confreg init -o study.yaml -f`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer g.teardown()
			return runInit(cmd, g)
		},
	}

	cmd.Flags().StringP("output", "o", config.LocalConfigFile, "Output file path for the configuration")
	cmd.Flags().Bool("user", false, "Write to the user configuration directory instead")
	cmd.Flags().BoolP("force", "f", false, "Overwrite an existing configuration file")

	return cmd
}

func runInit(cmd *cobra.Command, g *globalOptions) error {
	path, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}
	user, err := cmd.Flags().GetBool("user")
	if err != nil {
		return err
	}
	if user {
		path = config.UserConfigFile()
	}
	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}

	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file already exists: %s (use -f to overwrite)", path)
		}
	}
	if err := config.CreateDefaultConfigFile(path); err != nil {
		return err
	}
	g.logger.Debug("Wrote default configuration", zap.String("path", path))
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
	return nil
}
