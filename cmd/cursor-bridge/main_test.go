package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `default_server: dev
servers:
  dev:
    type: local_shell
    description: test shell
    session:
      working_directory: ` + dir + `
security:
  blocked_commands: [shutdown]
history:
  database_path: ` + filepath.Join(dir, "data", "history.db") + `
logging:
  level: error
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	stdout := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = stdout }()

	rootCmd.SetArgs(args)
	runErr := rootCmd.Execute()
	w.Close()

	out, _ := io.ReadAll(r)
	return string(out), runErr
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t)
	t.Setenv("CURSOR_BRIDGE_LOG_LEVEL", "debug")
	t.Setenv("CURSOR_BRIDGE_MAX_CONCURRENT", "3")

	configPath, logLevel = path, ""
	defer func() { configPath = "" }()

	cfg, _, gotPath, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != path {
		t.Errorf("path = %s", gotPath)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %s, want env override", cfg.Logging.Level)
	}
	if cfg.Security.MaxConcurrentCommands != 3 {
		t.Errorf("max concurrent = %d", cfg.Security.MaxConcurrentCommands)
	}
	if cfg.DefaultServer != "dev" || cfg.Servers["dev"].Session.Name != "dev" {
		t.Errorf("servers = %+v", cfg.Servers)
	}
}

func TestCommands(t *testing.T) {
	path := writeConfig(t)

	out, err := run(t, "--config", path, "exec", "dev", "echo", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "hello" {
		t.Errorf("exec output = %q", out)
	}

	_, err = run(t, "--config", path, "exec", "default", "exit 3")
	var exitErr *exitCodeError
	if !errors.As(err, &exitErr) || exitErr.code != 3 {
		t.Errorf("exec exit = %v, want status 3", err)
	}

	_, err = run(t, "--config", path, "exec", "dev", "shutdown now")
	if !errors.As(err, &exitErr) || exitErr.code != 1 {
		t.Errorf("blocked command = %v, want status 1", err)
	}

	out, err = run(t, "--config", path, "suggest", "dev", "echo")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "echo hello" {
		t.Errorf("suggest output = %q", out)
	}

	out, err = run(t, "--config", path, "status")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "dev *") || !strings.Contains(out, "connected") {
		t.Errorf("status output = %q", out)
	}

	out, err = run(t, "--config", path, "--json", "history", "--server", "dev")
	jsonOutput = false
	if err != nil {
		t.Fatal(err)
	}
	var hist struct {
		Count   int              `json:"count"`
		History []map[string]any `json:"history"`
	}
	if err := json.Unmarshal([]byte(out), &hist); err != nil {
		t.Fatalf("history is not JSON: %v\n%s", err, out)
	}
	// the blocked command never reached the executor
	if hist.Count != 2 || hist.History[0]["command"] != "exit 3" {
		t.Errorf("history = %+v", hist)
	}
}

func TestParseToolArgs(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]any
		wantErr bool
	}{
		{"none", nil, map[string]any{}, false},
		{"plain string", []string{"command=echo hi"}, map[string]any{"command": "echo hi"}, false},
		{"json values", []string{"timeout=30", "batch=true", `commands=["a","b"]`},
			map[string]any{"timeout": 30.0, "batch": true, "commands": []any{"a", "b"}}, false},
		{"quoted number stays string", []string{`id="42"`}, map[string]any{"id": "42"}, false},
		{"value with equals", []string{"command=a=b"}, map[string]any{"command": "a=b"}, false},
		{"empty value", []string{"server="}, map[string]any{"server": ""}, false},
		{"missing equals", []string{"command"}, nil, true},
		{"empty key", []string{"=x"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseToolArgs(tt.pairs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

const serveHelperEnv = "CURSOR_BRIDGE_SERVE_HELPER"

// TestHelperServe is not a real test: TestCall re-executes the test binary
// with serveHelperEnv set to get a serve process.
func TestHelperServe(t *testing.T) {
	if os.Getenv(serveHelperEnv) != "1" {
		t.Skip("helper process only")
	}
	rootCmd.SetArgs([]string{"serve"})
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func TestCall(t *testing.T) {
	path := writeConfig(t)
	t.Setenv(serveHelperEnv, "1")
	t.Setenv("CURSOR_BRIDGE_CONFIG", path)
	server := "--server-cmd=" + os.Args[0] + " -test.run=^TestHelperServe$"
	defer func() { callServerCmd, callResource = "", "" }()

	out, err := run(t, "call", server, "execute_command", "command=echo hi", "server=dev")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"stdout": "hi"`) {
		t.Errorf("execute_command output = %q", out)
	}

	out, err = run(t, "call", server)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "execute_command") || !strings.Contains(out, "cancel_execution") {
		t.Errorf("tool list = %q", out)
	}

	_, err = run(t, "call", server, "cancel_execution", "execution_id=missing")
	var exitErr *exitCodeError
	if !errors.As(err, &exitErr) || exitErr.code != 1 {
		t.Errorf("tool error = %v, want status 1", err)
	}

	out, err = run(t, "call", server, "--resource", "cursor-bridge://config")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "local_shell") || !strings.Contains(out, `"default_server": "dev"`) {
		t.Errorf("config resource = %q", out)
	}
}
