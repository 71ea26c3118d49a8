package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "sync_server",
		Short:        "Real-time collaborative parameter sync server",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to syncConfig.yaml (default: search ./backend/config, ./config, .)")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newReplayCommand())
	root.AddCommand(newJoinCommand(&configPath))
	return root
}
