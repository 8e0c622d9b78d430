package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time
var version = "dev"

var (
	configPath string
	logLevel   string
	jsonOutput bool
	rootCmd    = &cobra.Command{
		Use:   "cursor-bridge",
		Short: "Cursor Bridge - MCP server for terminal command execution",
		Long: `Cursor Bridge exposes tmux sessions and local shells to an AI assistant
over the Model Context Protocol. Commands are queued by priority, run under
a concurrency ceiling, retried on failure and recorded in a history database.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (YAML or TOML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
}

// exitCodeError carries a command's exit status out of exec
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("command exited with status %d", e.code)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
