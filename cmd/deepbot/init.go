// ABOUTME: The init subcommand writes a commented sample configuration
// ABOUTME: Refuses to overwrite an existing file unless --force is given

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/deepbot/internal/config"
)

func newInitCmd(flags *globalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := flags.resolveConfigPath()
			if err := config.WriteSample(path, force); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			color.New(color.FgGreen).Fprint(out, "    ▶ ")
			fmt.Fprintf(out, "Wrote %s\n", path)
			fmt.Fprintln(out, "      Edit matrix.* and backend.* then run: deepbot run")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config")
	return cmd
}
