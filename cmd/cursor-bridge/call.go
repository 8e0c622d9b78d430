package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/cursor-bridge/internal/mcp"
)

var (
	callServerCmd string
	callResource  string
	callTimeout   time.Duration
)

func init() {
	callCmd := &cobra.Command{
		Use:   "call [TOOL [KEY=VALUE...]]",
		Short: "Call a tool on an MCP server over stdio",
		Long: `Call starts "cursor-bridge serve" (or --server-cmd) as a child process and
talks MCP to it. Without a tool it lists the available tools; --resource
reads a resource instead. Values that parse as JSON are sent as JSON, so
timeout=30 is a number and command="echo hi" stays a string.`,
		RunE: runCall,
	}
	callCmd.Flags().StringVar(&callServerCmd, "server-cmd", "", "MCP server command line (default: this binary's serve command)")
	callCmd.Flags().StringVar(&callResource, "resource", "", "read this resource URI instead of calling a tool")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 2*time.Minute, "overall deadline for the call")
	rootCmd.AddCommand(callCmd)
}

// parseToolArgs turns KEY=VALUE pairs into tool arguments
func parseToolArgs(pairs []string) (map[string]any, error) {
	args := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("argument %q is not KEY=VALUE", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		args[key] = value
	}
	return args, nil
}

// serverCommand returns the command line spawning the MCP server
func serverCommand() (string, []string, error) {
	if callServerCmd != "" {
		fields := strings.Fields(callServerCmd)
		if len(fields) == 0 {
			return "", nil, fmt.Errorf("--server-cmd is empty")
		}
		return fields[0], fields[1:], nil
	}
	self, err := os.Executable()
	if err != nil {
		return "", nil, fmt.Errorf("locating executable: %w", err)
	}
	args := []string{"serve"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if logLevel != "" {
		args = append(args, "--log-level", logLevel)
	}
	return self, args, nil
}

func runCall(cmd *cobra.Command, args []string) error {
	toolArgs, err := parseToolArgs(args[min(len(args), 1):])
	if err != nil {
		return err
	}
	command, commandArgs, err := serverCommand()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()

	client, err := mcp.Spawn(ctx, command, commandArgs, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	switch {
	case callResource != "":
		result, err := client.ReadResource(ctx, callResource)
		if err != nil {
			return err
		}
		for _, c := range result.Contents {
			fmt.Println(c.Text)
		}
		return nil

	case len(args) == 0:
		tools, err := client.ListTools(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(tools)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, t := range tools {
			fmt.Fprintf(w, "%s\t%s\n", t.Name, t.Description)
		}
		return w.Flush()
	}

	result, err := client.CallTool(ctx, args[0], toolArgs)
	if err != nil {
		return err
	}
	fmt.Println(result.Text())
	if result.IsError {
		return &exitCodeError{code: 1}
	}
	return nil
}
