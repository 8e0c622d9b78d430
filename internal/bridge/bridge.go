// Package bridge maps tool calls onto the executor, the session registry and
// the history store. Execution failures are reported in result payloads;
// only malformed requests and session management failures become errors.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/cursor-bridge/internal/config"
	"github.com/hochfrequenz/cursor-bridge/internal/execution"
	"github.com/hochfrequenz/cursor-bridge/internal/executor"
	"github.com/hochfrequenz/cursor-bridge/internal/history"
	"github.com/hochfrequenz/cursor-bridge/internal/metrics"
	"github.com/hochfrequenz/cursor-bridge/internal/session"
	"github.com/hochfrequenz/cursor-bridge/internal/session/shell"
	"github.com/hochfrequenz/cursor-bridge/internal/session/tmux"
)

// DefaultServerAlias selects the configured default server
const DefaultServerAlias = "default"

// Deps are the collaborators New wires in. Zero values are allowed: a nil
// Runner uses the tmux binary, a nil History disables history tools.
type Deps struct {
	Runner  tmux.Runner
	History *history.Store
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Bridge answers tool calls
type Bridge struct {
	servers       map[string]config.ServerConfig
	defaultServer string
	registry      *session.Registry
	executor      *executor.Executor
	history       *history.Store
	logger        *zap.Logger
}

// New builds the registry and executor described by cfg. The executor is not
// started.
func New(cfg *config.Config, deps Deps) (*Bridge, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	registry, err := NewRegistry(cfg, deps.Runner, logger)
	if err != nil {
		return nil, err
	}
	policy, err := PolicyFromConfig(cfg.Security)
	if err != nil {
		return nil, err
	}

	var store executor.HistoryStore
	if deps.History != nil {
		store = deps.History
	}
	x := executor.New(ExecutorConfig(cfg), registry, store,
		executor.WithLogger(logger),
		executor.WithMetrics(deps.Metrics),
		executor.WithPolicy(policy))

	return &Bridge{
		servers:       cfg.Servers,
		defaultServer: cfg.DefaultServer,
		registry:      registry,
		executor:      x,
		history:       deps.History,
		logger:        logger.Named("bridge"),
	}, nil
}

// NewRegistry binds every configured server to a backend. All tmux servers
// share one tmux backend and all shell servers share one shell backend.
func NewRegistry(cfg *config.Config, runner tmux.Runner, logger *zap.Logger) (*session.Registry, error) {
	if runner == nil {
		runner = tmux.ExecRunner{}
	}
	mode, err := session.ParseCaptureMode(cfg.Execution.CaptureMode)
	if err != nil {
		return nil, err
	}

	var tmuxBackend *tmux.Backend
	var shellSessions []session.Config
	for _, name := range cfg.ServerNames() {
		srv := cfg.Servers[name]
		if srv.Type == string(session.KindShell) {
			shellSessions = append(shellSessions, session.Config{
				Name:             cfg.SessionName(name),
				Server:           name,
				WorkingDirectory: srv.Session.WorkingDirectory,
				Environment:      srv.Session.Environment,
				Shell:            srv.Session.Shell,
			})
		}
	}
	shellBackend := shell.New(logger, shellSessions...)

	registry := session.NewRegistry()
	for _, name := range cfg.ServerNames() {
		srv := cfg.Servers[name]
		kind, err := session.ParseKind(srv.Type)
		if err != nil {
			return nil, fmt.Errorf("server %q: %w", name, err)
		}

		binding := session.Binding{Server: name, Session: cfg.SessionName(name)}
		switch kind {
		case session.KindTmux:
			if tmuxBackend == nil {
				tmuxBackend = tmux.New(runner, tmux.Options{
					Mode:          mode,
					SettleDelay:   cfg.Execution.SettleDelay.Std(),
					CdSettleDelay: cfg.Execution.CdSettleDelay.Std(),
					CaptureLines:  cfg.Execution.CaptureLines,
					PollInterval:  cfg.Execution.PollInterval.Std(),
				}, logger)
			}
			binding.Backend = tmuxBackend
			binding.Window = srv.Tmux.WindowName
		case session.KindShell:
			binding.Backend = shellBackend
		}
		if err := registry.Register(binding); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// PolicyFromConfig compiles the command policy of the security section
func PolicyFromConfig(sec config.SecurityConfig) (*executor.Policy, error) {
	return executor.NewPolicy(executor.PolicyConfig{
		AllowedCommands: sec.AllowedCommands,
		BlockedCommands: sec.BlockedCommands,
		BlockedPatterns: sec.BlockedPatterns,
		AllowedPaths:    sec.AllowedPaths,
		BlockedPaths:    sec.BlockedPaths,
	})
}

// ExecutorConfig derives executor sizing and limits from cfg
func ExecutorConfig(cfg *config.Config) executor.Config {
	return executor.Config{
		Workers:               cfg.Execution.Workers,
		MaxConcurrent:         cfg.Security.MaxConcurrentCommands,
		CommandTimeoutCeiling: cfg.Security.CommandTimeout.Std(),
		MaxOutputSize:         cfg.Security.MaxOutputSize,
		RetryBackoff:          cfg.Execution.RetryBackoff,
	}
}

// Start launches the executor's workers
func (b *Bridge) Start(ctx context.Context) error {
	return b.executor.Start(ctx)
}

// Stop shuts the executor down, allowing grace for in-flight work
func (b *Bridge) Stop(grace time.Duration) error {
	return b.executor.Stop(grace)
}

// Executor returns the underlying executor
func (b *Bridge) Executor() *executor.Executor {
	return b.executor
}

// Reload applies the parts of cfg that can change at runtime. Only the
// command policy is swapped; topology changes need a restart.
func (b *Bridge) Reload(cfg *config.Config) error {
	policy, err := PolicyFromConfig(cfg.Security)
	if err != nil {
		return err
	}
	b.executor.SetPolicy(policy)

	if !sameServers(b.servers, cfg.ServerNames()) {
		b.logger.Warn("server topology changed; restart to apply")
	}
	b.logger.Info("configuration reloaded")
	return nil
}

func sameServers(current map[string]config.ServerConfig, names []string) bool {
	if len(current) != len(names) {
		return false
	}
	for _, name := range names {
		if _, ok := current[name]; !ok {
			return false
		}
	}
	return true
}

// ResolveServer maps a requested server name to its registry binding.
// "default" and the empty string select default_server, falling back to the
// first configured server in sorted order.
func (b *Bridge) ResolveServer(name string) (session.Binding, error) {
	if name == "" || name == DefaultServerAlias {
		name = b.defaultServer
		if name == "" {
			if servers := b.registry.Servers(); len(servers) > 0 {
				name = servers[0]
			}
		}
	}
	binding, ok := b.registry.ForServer(name)
	if !ok {
		return session.Binding{}, fmt.Errorf("server '%s' not found", name)
	}
	return binding, nil
}

// ExecuteRequest is one execute_command call
type ExecuteRequest struct {
	Server           string
	Command          string
	Timeout          time.Duration
	WorkingDirectory string
	Priority         execution.Priority
	RetryCount       int
	Stream           bool
}

func (r ExecuteRequest) options() execution.Options {
	opts := execution.DefaultOptions()
	if r.Timeout > 0 {
		opts.Timeout = r.Timeout
	}
	if r.Priority != 0 {
		opts.Priority = r.Priority
	}
	opts.RetryCount = r.RetryCount
	opts.WorkingDirectory = r.WorkingDirectory
	opts.StreamOutput = r.Stream
	return opts
}

// Execute runs one command and waits for its terminal state. The payload
// always carries stdout, stderr, exit_code, execution_time and command.
func (b *Bridge) Execute(ctx context.Context, req ExecuteRequest) map[string]any {
	binding, err := b.ResolveServer(req.Server)
	if err != nil {
		return failurePayload(req.Server, req.Command, err)
	}

	snap, err := b.executor.ExecuteCommand(ctx, binding.Session, req.Command, req.options())
	if err != nil {
		if execution.IsSessionNotFound(err) {
			return b.executionPayload(binding, snap)
		}
		return failurePayload(binding.Server, req.Command, err)
	}

	final, err := b.executor.Wait(ctx, snap.ID())
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return failurePayload(binding.Server, req.Command, err)
	}
	return b.executionPayload(binding, final)
}

// ExecuteBatch runs commands in order against one server and waits for all
// of them
func (b *Bridge) ExecuteBatch(ctx context.Context, server string, commands []string, req ExecuteRequest) (map[string]any, error) {
	binding, err := b.ResolveServer(server)
	if err != nil {
		return nil, err
	}

	batch, err := b.executor.ExecuteBatch(ctx, binding.Session, commands, req.options())
	if err != nil {
		return nil, err
	}
	if err := b.executor.WaitBatch(ctx, batch); err != nil {
		return nil, err
	}

	results := make([]map[string]any, len(batch.Executions))
	for i := range batch.Executions {
		results[i] = b.executionPayload(binding, batch.Executions[i])
	}
	return map[string]any{
		"batch_id":  batch.ID,
		"server":    binding.Server,
		"total":     batch.Total(),
		"completed": batch.Completed(),
		"results":   results,
	}, nil
}

func (b *Bridge) executionPayload(binding session.Binding, e execution.CommandExecution) map[string]any {
	payload := e.Payload()
	payload["server"] = binding.Server
	dir := e.Options.WorkingDirectory
	if dir == "" {
		dir = b.servers[binding.Server].Session.WorkingDirectory
	}
	payload["working_directory"] = dir
	return payload
}

func failurePayload(server, command string, err error) map[string]any {
	return map[string]any{
		"command":        command,
		"server":         server,
		"status":         string(execution.StatusFailed),
		"stdout":         "",
		"stderr":         err.Error(),
		"exit_code":      execution.ExitCodeFailure,
		"execution_time": 0.0,
		"is_successful":  false,
	}
}

// ListSessions lists the sessions known to a server's backend
func (b *Bridge) ListSessions(ctx context.Context, server string) (map[string]any, error) {
	binding, err := b.ResolveServer(server)
	if err != nil {
		return nil, err
	}
	infos, err := binding.Backend.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	sessions := make([]map[string]any, 0, len(infos))
	for i := range infos {
		// backends shared by several servers tag their sessions
		if infos[i].Server != "" && infos[i].Server != binding.Server {
			continue
		}
		sessions = append(sessions, infos[i].Map())
	}
	return map[string]any{
		"server":   binding.Server,
		"sessions": sessions,
		"count":    len(sessions),
	}, nil
}

// CreateSession creates a session on a server's backend and binds it so
// commands can target it
func (b *Bridge) CreateSession(ctx context.Context, server, name, workingDir string) (map[string]any, error) {
	binding, err := b.ResolveServer(server)
	if err != nil {
		return nil, err
	}
	info, err := binding.Backend.CreateSession(ctx, session.Config{
		Name:             name,
		Server:           binding.Server,
		Window:           binding.Window,
		WorkingDirectory: config.ExpandPath(workingDir),
	})
	if err != nil {
		return nil, err
	}
	if _, err := b.registry.AddSession(binding.Server, name, binding.Window); err != nil {
		return nil, err
	}
	b.logger.Info("session created", zap.String("server", binding.Server), zap.String("session", name))
	return map[string]any{
		"success": true,
		"server":  binding.Server,
		"session": info.Map(),
	}, nil
}

// DestroySession destroys a session and unbinds it
func (b *Bridge) DestroySession(ctx context.Context, server, name string) (map[string]any, error) {
	binding, err := b.ResolveServer(server)
	if err != nil {
		return nil, err
	}
	if err := binding.Backend.DestroySession(ctx, name); err != nil {
		return nil, err
	}
	b.registry.RemoveSession(name)
	b.logger.Info("session destroyed", zap.String("server", binding.Server), zap.String("session", name))
	return map[string]any{
		"success":    true,
		"server":     binding.Server,
		"session_id": name,
	}, nil
}

// SessionStatus describes one session
func (b *Bridge) SessionStatus(ctx context.Context, server, name string) (map[string]any, error) {
	binding, err := b.ResolveServer(server)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = binding.Session
	}
	info, err := binding.Backend.GetSessionInfo(ctx, name)
	if err != nil {
		return nil, err
	}
	m := info.Map()
	m["server"] = binding.Server
	return m, nil
}

// ServerStatus reports every configured server and whether its session is
// present
func (b *Bridge) ServerStatus(ctx context.Context) map[string]any {
	bindings := b.registry.Bindings()
	servers := make([]map[string]any, 0, len(bindings))
	for _, binding := range bindings {
		srv := b.servers[binding.Server]
		entry := map[string]any{
			"name":        binding.Server,
			"type":        string(binding.Backend.Kind()),
			"description": srv.Description,
			"session":     binding.Session,
			"default":     binding.Server == b.defaultServer,
			"status":      "disconnected",
		}
		if binding.Window != "" {
			entry["window"] = binding.Window
		}
		info, err := binding.Backend.GetSessionInfo(ctx, binding.Session)
		switch {
		case err != nil:
			entry["status"] = "error"
			entry["error"] = err.Error()
		case info.Exists:
			entry["status"] = "connected"
		}
		servers = append(servers, entry)
	}

	stats := b.executor.Stats()
	return map[string]any{
		"servers":           servers,
		"default_server":    b.defaultServer,
		"active_executions": stats.Executions.ActiveExecutions,
		"queue":             stats.Queue.Map(),
	}
}

// ExecutionStats combines live executor counters with persisted history
func (b *Bridge) ExecutionStats(ctx context.Context) (map[string]any, error) {
	result := map[string]any{"executor": b.executor.Stats().Map()}
	if b.history != nil {
		stats, err := b.history.ExecutionStats(ctx)
		if err != nil {
			return nil, err
		}
		result["history"] = stats.Map()
	}
	return result, nil
}

var errHistoryDisabled = errors.New("command history is disabled")

// History returns recent executions, newest first. An empty server lists
// every session.
func (b *Bridge) History(ctx context.Context, server string, limit int) (map[string]any, error) {
	if b.history == nil {
		return nil, errHistoryDisabled
	}
	q := history.Query{Limit: limit}
	if server != "" {
		binding, err := b.ResolveServer(server)
		if err != nil {
			return nil, err
		}
		q.SessionName = binding.Session
		server = binding.Server
	}
	records, err := b.history.QueryExecutions(ctx, q)
	if err != nil {
		return nil, err
	}
	entries := make([]map[string]any, len(records))
	for i, r := range records {
		entries[i] = r.Map()
	}
	return map[string]any{
		"server":  server,
		"history": entries,
		"count":   len(entries),
	}, nil
}

// Suggestions returns prior commands on a server starting with prefix
func (b *Bridge) Suggestions(ctx context.Context, server, prefix string, limit int) (map[string]any, error) {
	if b.history == nil {
		return nil, errHistoryDisabled
	}
	binding, err := b.ResolveServer(server)
	if err != nil {
		return nil, err
	}
	suggestions, err := b.history.CommandSuggestions(ctx, binding.Session, prefix, limit)
	if err != nil {
		return nil, err
	}
	if suggestions == nil {
		suggestions = []string{}
	}
	return map[string]any{
		"server":      binding.Server,
		"prefix":      prefix,
		"suggestions": suggestions,
	}, nil
}

// Cancel requests cancellation of an execution
func (b *Bridge) Cancel(id string) (map[string]any, error) {
	if err := b.executor.Cancel(id); err != nil {
		return nil, err
	}
	snap, err := b.executor.Get(id)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"execution_id":     id,
		"cancel_requested": true,
		"status":           string(snap.Status),
	}, nil
}
