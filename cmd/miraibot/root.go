package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "miraibot",
	Short: "miraibot is a bot runtime for the mirai-api-http gateway",
	Long: `miraibot connects to a mirai-api-http gateway over HTTP polling or a
websocket stream, dispatches inbound QQ events to registered handlers through
an ordered filter chain and runs scheduled jobs alongside.`,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}
