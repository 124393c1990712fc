package main

import (
	"errors"
	"fmt"

	"github.com/openmined/twinsync/internal/config"
	"github.com/openmined/twinsync/internal/utils"
	"github.com/spf13/cobra"
)

var errConfigExists = errors.New("config file already exists, use --force to overwrite")

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config template to edit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = config.DefaultConfigPath
			}
			path, err := utils.ResolvePath(path)
			if err != nil {
				return err
			}

			if utils.FileExists(path) && !force {
				return fmt.Errorf("%s: %w", path, errConfigExists)
			}

			if err := config.Template().Save(path); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", green.Render("config written"), path)
			fmt.Fprintln(out, gray.Render("  edit the backends, then run `twinsync`"))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config")
	return cmd
}
