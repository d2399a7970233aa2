package main

import (
	"fmt"

	"github.com/danmuck/portmux/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage portmux.toml",
	}

	var overwrite bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a starter config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "portmux.toml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteTemplate(path, overwrite); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&overwrite, "force", false, "overwrite an existing file")

	checkCmd := &cobra.Command{
		Use:   "check <path>",
		Short: "Load and validate a config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: server=%s framed=%t\n", cfg.Server.Addr, cfg.Framed.Enabled)
			return nil
		},
	}

	cmd.AddCommand(initCmd, checkCmd)
	return cmd
}
