/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os"
	"strings"

	"teamsrelay/pkg/config"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "teamsrelay",
	Short: "Correlating HTTP relay between a Teams bot backend and an agent bus",
	Long: "teamsrelay accepts inbound chat turns over HTTP, publishes them on a message bus, " +
		"and answers with the agent's reply when it arrives in time. Late replies are " +
		"delivered out of band through the Teams backend's proactive endpoint.",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if path := strings.TrimSpace(configPath); path != "" {
			_ = os.Setenv(config.EnvConfigPath, path)
		}
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json (overrides "+config.EnvConfigPath+")")
}
