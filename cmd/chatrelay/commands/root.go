// Package commands provides the CLI commands for chatrelay.
package commands

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var logLevel string

var rootCmd = &cobra.Command{
	Use:   "chatrelay",
	Short: "chatrelay - durable event streams for tool-calling chat",
	Long: `chatrelay serves multi-turn tool-calling chat sessions over HTTP as
durable, reconnectable NDJSON event streams.

Run 'chatrelay serve' to start the server.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	// Local .env keys (API credentials) load before anything reads them.
	godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.SetVersionTemplate(fmt.Sprintf("chatrelay %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}
