package bridge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/cursor-bridge/internal/config"
	"github.com/hochfrequenz/cursor-bridge/internal/execution"
	"github.com/hochfrequenz/cursor-bridge/internal/history"
	"github.com/hochfrequenz/cursor-bridge/internal/mcp"
	"github.com/hochfrequenz/cursor-bridge/internal/session"
)

func testConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.DefaultServer = "dev"
	cfg.Servers = map[string]config.ServerConfig{
		"dev": {
			Type:        string(session.KindShell),
			Description: "Dev box",
			Session:     config.SessionConfig{Name: "dev", WorkingDirectory: dir},
		},
		"build": {
			Type:    string(session.KindShell),
			Session: config.SessionConfig{Name: "build"},
		},
	}
	cfg.Security.BlockedCommands = []string{"shutdown"}
	cfg.Security.MaxConcurrentCommands = 2
	return cfg
}

func newTestBridge(t *testing.T, cfg *config.Config) *Bridge {
	t.Helper()
	store, err := history.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	b, err := New(cfg, Deps{History: store})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Stop(time.Second) })
	return b
}

func call(t *testing.T, b *Bridge, tool string, args map[string]any) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := b.CallTool(ctx, tool, args)
	if err != nil {
		t.Fatalf("%s: %v", tool, err)
	}
	payload, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("%s returned %T", tool, result)
	}
	return payload
}

func TestBridge_ExecuteCommand(t *testing.T) {
	dir := t.TempDir()
	b := newTestBridge(t, testConfig(dir))

	payload := call(t, b, mcp.ToolExecuteCommand, map[string]any{"command": "echo hello", "server": "dev"})

	for _, key := range []string{"stdout", "stderr", "exit_code", "execution_time", "command", "server", "working_directory", "execution_id", "status"} {
		if _, ok := payload[key]; !ok {
			t.Errorf("payload missing %q", key)
		}
	}
	if payload["stdout"] != "hello" || payload["exit_code"] != 0 {
		t.Errorf("stdout=%v exit_code=%v", payload["stdout"], payload["exit_code"])
	}
	if payload["status"] != string(execution.StatusCompleted) || payload["server"] != "dev" {
		t.Errorf("status=%v server=%v", payload["status"], payload["server"])
	}
	if payload["working_directory"] != dir {
		t.Errorf("working_directory = %v, want %s", payload["working_directory"], dir)
	}
}

func TestBridge_ResolveServer(t *testing.T) {
	b := newTestBridge(t, testConfig(t.TempDir()))

	tests := []struct {
		requested string
		want      string
		wantErr   bool
	}{
		{"", "dev", false},
		{"default", "dev", false},
		{"build", "build", false},
		{"nope", "", true},
	}
	for _, tt := range tests {
		binding, err := b.ResolveServer(tt.requested)
		if (err != nil) != tt.wantErr {
			t.Errorf("ResolveServer(%q) error = %v", tt.requested, err)
			continue
		}
		if binding.Server != tt.want {
			t.Errorf("ResolveServer(%q) = %q, want %q", tt.requested, binding.Server, tt.want)
		}
	}

	cfg := testConfig(t.TempDir())
	cfg.DefaultServer = ""
	fallback := newTestBridge(t, cfg)
	if binding, _ := fallback.ResolveServer("default"); binding.Server != "build" {
		t.Errorf("fallback = %q, want first sorted server", binding.Server)
	}
}

func TestBridge_ExecuteFailures(t *testing.T) {
	b := newTestBridge(t, testConfig(t.TempDir()))

	tests := []struct {
		name       string
		args       map[string]any
		wantStderr string
	}{
		{"unknown server", map[string]any{"command": "ls", "server": "nope"}, "server 'nope' not found"},
		{"blocked command", map[string]any{"command": "shutdown -h now"}, "blocked"},
		{"timeout above limit", map[string]any{"command": "ls", "timeout": 3600}, "exceeds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := call(t, b, mcp.ToolExecuteCommand, tt.args)
			if payload["exit_code"] != 1 {
				t.Errorf("exit_code = %v, want 1", payload["exit_code"])
			}
			if stderr, _ := payload["stderr"].(string); !strings.Contains(stderr, tt.wantStderr) {
				t.Errorf("stderr = %q, want %q", stderr, tt.wantStderr)
			}
			if _, ok := payload["execution_time"]; !ok {
				t.Error("payload missing execution_time")
			}
		})
	}
}

func TestBridge_MissingSession(t *testing.T) {
	b := newTestBridge(t, testConfig(t.TempDir()))

	call(t, b, mcp.ToolDestroySession, map[string]any{"server": "dev", "session_id": "dev"})

	payload := call(t, b, mcp.ToolExecuteCommand, map[string]any{"command": "echo hello"})
	if payload["exit_code"] != 1 || payload["status"] != string(execution.StatusFailed) {
		t.Errorf("exit_code=%v status=%v", payload["exit_code"], payload["status"])
	}
	if stderr, _ := payload["stderr"].(string); !strings.Contains(stderr, "not found") {
		t.Errorf("stderr = %q", stderr)
	}

	// the failed submission is recorded
	hist := call(t, b, mcp.ToolGetCommandHistory, map[string]any{"server": "dev"})
	if hist["count"] != 1 {
		t.Errorf("history count = %v, want 1", hist["count"])
	}

	call(t, b, mcp.ToolCreateSession, map[string]any{"server": "dev", "session_name": "dev"})
	payload = call(t, b, mcp.ToolExecuteCommand, map[string]any{"command": "echo back"})
	if payload["stdout"] != "back" {
		t.Errorf("after recreate stdout = %v", payload["stdout"])
	}
}

func TestBridge_SessionTools(t *testing.T) {
	b := newTestBridge(t, testConfig(t.TempDir()))

	created := call(t, b, mcp.ToolCreateSession, map[string]any{
		"server":            "dev",
		"session_name":      "scratch",
		"working_directory": t.TempDir(),
	})
	if created["success"] != true {
		t.Errorf("create = %v", created)
	}

	list := call(t, b, mcp.ToolListSessions, map[string]any{"server": "dev"})
	if list["count"] != 2 {
		t.Errorf("dev sessions = %v, want dev and scratch", list["sessions"])
	}

	status := call(t, b, mcp.ToolGetSessionStatus, map[string]any{"server": "dev", "session_id": "scratch"})
	if status["exists"] != true || status["server"] != "dev" {
		t.Errorf("status = %v", status)
	}

	// commands can target the new session through the executor
	e, err := b.Executor().ExecuteCommand(context.Background(), "scratch", "echo in scratch", execution.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	done, _ := b.Executor().Wait(context.Background(), e.ID())
	if done.Stdout != "in scratch" {
		t.Errorf("stdout = %q", done.Stdout)
	}

	call(t, b, mcp.ToolDestroySession, map[string]any{"server": "dev", "session_id": "scratch"})
	status = call(t, b, mcp.ToolGetSessionStatus, map[string]any{"server": "dev", "session_id": "scratch"})
	if status["exists"] != false {
		t.Errorf("destroyed session still exists: %v", status)
	}

	if _, err := b.CallTool(context.Background(), mcp.ToolDestroySession, map[string]any{"server": "dev", "session_id": "scratch"}); !execution.IsSessionNotFound(err) {
		t.Errorf("second destroy = %v", err)
	}
}

func TestBridge_HistoryAndSuggestions(t *testing.T) {
	b := newTestBridge(t, testConfig(t.TempDir()))

	for _, cmd := range []string{"echo one", "echo two", "true", "echo one"} {
		call(t, b, mcp.ToolExecuteCommand, map[string]any{"command": cmd})
	}
	call(t, b, mcp.ToolExecuteCommand, map[string]any{"command": "echo other", "server": "build"})

	hist := call(t, b, mcp.ToolGetCommandHistory, map[string]any{"server": "dev", "limit": 10})
	if hist["count"] != 4 {
		t.Errorf("dev history count = %v, want 4", hist["count"])
	}
	entries := hist["history"].([]map[string]any)
	if entries[0]["command"] != "echo one" || entries[1]["command"] != "true" {
		t.Errorf("history not newest first: %v, %v", entries[0]["command"], entries[1]["command"])
	}

	all := call(t, b, mcp.ToolGetCommandHistory, map[string]any{})
	if all["count"] != 5 {
		t.Errorf("all history count = %v, want 5", all["count"])
	}

	sugg := call(t, b, mcp.ToolGetCommandSuggestions, map[string]any{"server": "dev", "prefix": "echo"})
	got := sugg["suggestions"].([]string)
	if strings.Join(got, ",") != "echo one,echo two" {
		t.Errorf("suggestions = %v", got)
	}

	none := call(t, b, mcp.ToolGetCommandSuggestions, map[string]any{"server": "dev", "prefix": "zzz"})
	if len(none["suggestions"].([]string)) != 0 {
		t.Errorf("suggestions = %v", none["suggestions"])
	}
}

func TestBridge_Stats(t *testing.T) {
	b := newTestBridge(t, testConfig(t.TempDir()))
	call(t, b, mcp.ToolExecuteCommand, map[string]any{"command": "echo hi"})
	call(t, b, mcp.ToolExecuteCommand, map[string]any{"command": "exit 1"})

	stats := call(t, b, mcp.ToolGetExecutionStats, nil)
	exec := stats["executor"].(map[string]any)
	if exec["total_executions"] != 2 || exec["successful_executions"] != 1 {
		t.Errorf("executor stats = %v", exec)
	}
	if _, ok := exec["queue"]; !ok {
		t.Error("executor stats missing queue")
	}
	hist := stats["history"].(map[string]any)
	if hist["total_executions"] != 2 {
		t.Errorf("history stats = %v", hist)
	}

	status := call(t, b, mcp.ToolGetServerStatus, nil)
	servers := status["servers"].([]map[string]any)
	if len(servers) != 2 || servers[0]["name"] != "build" || servers[1]["status"] != "connected" {
		t.Errorf("servers = %v", servers)
	}
	if servers[1]["default"] != true {
		t.Error("dev should be marked default")
	}
}

func TestBridge_Resources(t *testing.T) {
	b := newTestBridge(t, testConfig(t.TempDir()))
	ctx := context.Background()

	var provider mcp.ResourceProvider = b
	uris := make(map[string]bool)
	for _, r := range provider.ListResources() {
		uris[r.URI] = r.MimeType == "application/json"
	}
	if !uris[ResourceServerStatus] || !uris[ResourceConfig] {
		t.Errorf("resources = %v", uris)
	}

	tests := []struct {
		uri   string
		check func(map[string]any) bool
	}{
		{ResourceServerStatus, func(v map[string]any) bool {
			servers, _ := v["servers"].([]map[string]any)
			return len(servers) == 2 && v["default_server"] == "dev"
		}},
		{ResourceConfig, func(v map[string]any) bool {
			servers, _ := v["servers"].(map[string]any)
			dev, _ := servers["dev"].(map[string]any)
			return len(servers) == 2 && dev["type"] == "local_shell" && dev["session"] == "dev"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			v, err := b.ReadResource(ctx, tt.uri)
			if err != nil {
				t.Fatal(err)
			}
			payload, ok := v.(map[string]any)
			if !ok || !tt.check(payload) {
				t.Errorf("%s = %v", tt.uri, v)
			}
		})
	}

	if _, err := b.ReadResource(ctx, "cursor-bridge://secrets"); !errors.Is(err, mcp.ErrUnknownResource) {
		t.Errorf("unknown uri = %v", err)
	}
}

func TestBridge_Cancel(t *testing.T) {
	b := newTestBridge(t, testConfig(t.TempDir()))

	if _, err := b.CallTool(context.Background(), mcp.ToolCancelExecution, map[string]any{"execution_id": "missing"}); !errors.Is(err, execution.ErrNotFound) {
		t.Errorf("cancel unknown = %v", err)
	}

	e, err := b.Executor().ExecuteCommand(context.Background(), "dev", "sleep 0.3", execution.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	payload := call(t, b, mcp.ToolCancelExecution, map[string]any{"execution_id": e.ID()})
	if payload["cancel_requested"] != true {
		t.Errorf("cancel = %v", payload)
	}
	done, _ := b.Executor().Wait(context.Background(), e.ID())
	if done.Status != execution.StatusCancelled {
		t.Errorf("status = %s, want cancelled", done.Status)
	}
}

func TestBridge_InvalidArguments(t *testing.T) {
	b := newTestBridge(t, testConfig(t.TempDir()))

	tests := []struct {
		name string
		tool string
		args map[string]any
	}{
		{"timeout not a number", mcp.ToolExecuteCommand, map[string]any{"command": "ls", "timeout": "soon"}},
		{"negative timeout", mcp.ToolExecuteCommand, map[string]any{"command": "ls", "timeout": -1.0}},
		{"fractional retries", mcp.ToolExecuteCommand, map[string]any{"command": "ls", "retry_count": 1.5}},
		{"bad priority", mcp.ToolExecuteCommand, map[string]any{"command": "ls", "priority": "asap"}},
		{"bad limit", mcp.ToolGetCommandHistory, map[string]any{"limit": true}},
		{"unknown tool", "reboot_host", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.CallTool(context.Background(), tt.tool, tt.args)
			var rpcErr *mcp.RPCError
			if !errors.As(err, &rpcErr) || rpcErr.Code != mcp.CodeInvalidParams {
				t.Errorf("err = %v, want invalid params", err)
			}
		})
	}
}

func TestBridge_Batch(t *testing.T) {
	b := newTestBridge(t, testConfig(t.TempDir()))

	result, err := b.ExecuteBatch(context.Background(), "default", []string{"echo a", "echo b"}, ExecuteRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if result["completed"] != 2 {
		t.Errorf("completed = %v", result["completed"])
	}
	results := result["results"].([]map[string]any)
	if results[0]["stdout"] != "a" || results[1]["stdout"] != "b" {
		t.Errorf("results = %v", results)
	}

	if _, err := b.ExecuteBatch(context.Background(), "nope", []string{"ls"}, ExecuteRequest{}); err == nil {
		t.Error("unknown server should fail")
	}
}

func TestBridge_Reload(t *testing.T) {
	cfg := testConfig(t.TempDir())
	b := newTestBridge(t, cfg)

	updated := testConfig(t.TempDir())
	updated.Security.BlockedCommands = []string{"echo"}
	if err := b.Reload(updated); err != nil {
		t.Fatal(err)
	}

	payload := call(t, b, mcp.ToolExecuteCommand, map[string]any{"command": "echo hi"})
	if stderr, _ := payload["stderr"].(string); !strings.Contains(stderr, "blocked") {
		t.Errorf("stderr = %q, reloaded policy not applied", stderr)
	}

	updated.Security.BlockedPatterns = []string{"("}
	if err := b.Reload(updated); err == nil {
		t.Error("invalid pattern should fail reload")
	}
}

type nopRunner struct{}

func (nopRunner) Run(ctx context.Context, args ...string) (string, error) { return "", nil }

func TestNewRegistry_Tmux(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Servers["prod"] = config.ServerConfig{
		Type: string(session.KindTmux),
		Tmux: config.TmuxConfig{SessionName: "prod-tmux", WindowName: "ops"},
	}

	reg, err := NewRegistry(cfg, nopRunner{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	binding, ok := reg.ForServer("prod")
	if !ok {
		t.Fatal("prod not registered")
	}
	if binding.Backend.Kind() != session.KindTmux || binding.Session != "prod-tmux" || binding.Window != "ops" {
		t.Errorf("binding = %+v", binding)
	}
	if dev, _ := reg.ForServer("dev"); dev.Backend.Kind() != session.KindShell {
		t.Errorf("dev kind = %s", dev.Backend.Kind())
	}
	if reg.Count() != 3 {
		t.Errorf("Count = %d", reg.Count())
	}
}
