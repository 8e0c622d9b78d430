package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hochfrequenz/cursor-bridge/internal/bridge"
	"github.com/hochfrequenz/cursor-bridge/internal/config"
	"github.com/hochfrequenz/cursor-bridge/internal/execution"
	"github.com/hochfrequenz/cursor-bridge/internal/history"
	"github.com/hochfrequenz/cursor-bridge/internal/logging"
	"github.com/hochfrequenz/cursor-bridge/internal/mcp"
	"github.com/hochfrequenz/cursor-bridge/internal/metrics"
)

var (
	metricsAddr   string
	execTimeout   time.Duration
	execPriority  string
	execRetries   int
	execBatch     bool
	execDir       string
	historyServer string
	historyLimit  int
	suggestLimit  int
)

func init() {
	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP over stdin/stdout",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address")
	rootCmd.AddCommand(serveCmd)

	// exec command
	execCmd := &cobra.Command{
		Use:   "exec SERVER COMMAND...",
		Short: "Run a command on a server and print its output",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runExec,
	}
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "per-attempt timeout")
	execCmd.Flags().StringVar(&execPriority, "priority", "normal", "low, normal, high or urgent")
	execCmd.Flags().IntVar(&execRetries, "retries", 0, "retries after a failed attempt")
	execCmd.Flags().BoolVar(&execBatch, "batch", false, "treat every argument as a separate command")
	execCmd.Flags().StringVar(&execDir, "dir", "", "working directory")
	rootCmd.AddCommand(execCmd)

	// sessions command
	sessionsCmd := &cobra.Command{
		Use:   "sessions [SERVER]",
		Short: "List sessions of a server",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSessions,
	}
	rootCmd.AddCommand(sessionsCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show configured servers and their sessions",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	// history command
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent executions",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}
	historyCmd.Flags().StringVar(&historyServer, "server", "", "filter by server")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of entries")
	rootCmd.AddCommand(historyCmd)

	// stats command
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show execution statistics",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}
	rootCmd.AddCommand(statsCmd)

	// suggest command
	suggestCmd := &cobra.Command{
		Use:   "suggest SERVER PREFIX",
		Short: "Suggest previously run commands",
		Args:  cobra.ExactArgs(2),
		RunE:  runSuggest,
	}
	suggestCmd.Flags().IntVar(&suggestLimit, "limit", 10, "number of suggestions")
	rootCmd.AddCommand(suggestCmd)
}

func loadConfig() (*config.Config, config.Env, string, error) {
	env, err := config.LoadEnv()
	if err != nil {
		return nil, env, "", err
	}

	path := configPath
	if path == "" {
		path = env.Config
	}
	if path == "" {
		path = config.DefaultConfigPath()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, env, "", err
	}
	if err := cfg.ApplyEnv(env); err != nil {
		return nil, env, "", err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, env, "", fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, env, path, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: cfg.Logging.Output,
	})
}

func openHistory(cfg *config.Config) (*history.Store, error) {
	path := cfg.History.DatabasePath
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}
	return history.Open(path)
}

type app struct {
	cfg    *config.Config
	env    config.Env
	path   string
	logger *zap.Logger
	store  *history.Store
	bridge *bridge.Bridge
}

func (rt *app) close() {
	if rt.bridge != nil {
		if err := rt.bridge.Stop(rt.cfg.Execution.ShutdownGrace.Std()); err != nil {
			rt.logger.Warn("executor stop", zap.Error(err))
		}
	}
	if rt.store != nil {
		rt.store.Close()
	}
	rt.logger.Sync()
}

// startApp opens the history database and starts the bridge's executor
func startApp(cfg *config.Config, env config.Env, path string, m *metrics.Metrics) (*app, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, env: env, path: path, logger: logger}

	if a.store, err = openHistory(cfg); err != nil {
		a.close()
		return nil, err
	}
	b, err := bridge.New(cfg, bridge.Deps{History: a.store, Metrics: m, Logger: logger})
	if err != nil {
		a.close()
		return nil, err
	}
	if err := b.Start(context.Background()); err != nil {
		a.close()
		return nil, err
	}
	a.bridge = b
	return a, nil
}

func openApp() (*app, error) {
	cfg, env, path, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return startApp(cfg, env, path, nil)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, env, path, err := loadConfig()
	if err != nil {
		return err
	}
	addr := metricsAddr
	if addr == "" && cfg.Metrics.Enabled {
		addr = cfg.Metrics.Listen
	}
	var m *metrics.Metrics
	if addr != "" {
		m = metrics.New()
	}

	rt, err := startApp(cfg, env, path, m)
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if m != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		logger.Info("metrics listening", zap.String("addr", addr))
	}

	if rt.cfg.History.MaxAge > 0 {
		retention, err := history.NewRetention(rt.store, rt.cfg.History.RetentionCron, rt.cfg.History.MaxAge.Std(), logger)
		if err != nil {
			return err
		}
		if _, err := retention.RunOnce(ctx); err != nil {
			logger.Warn("initial prune failed", zap.Error(err))
		}
		retention.Start()
		defer retention.Stop()
	}

	if _, err := os.Stat(rt.path); err == nil {
		watcher, err := config.Watch(ctx, rt.path, func(cfg *config.Config, err error) {
			if err != nil {
				logger.Error("config reload failed", zap.Error(err))
				return
			}
			if err := cfg.ApplyEnv(rt.env); err != nil {
				logger.Error("config reload failed", zap.Error(err))
				return
			}
			if err := rt.bridge.Reload(cfg); err != nil {
				logger.Error("config reload rejected", zap.Error(err))
			}
		})
		if err != nil {
			logger.Warn("config watch disabled", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	server := mcp.NewServer(mcp.ServerInfo{Name: "cursor-bridge", Version: version}, mcp.BridgeTools(), rt.bridge, logger)
	logger.Info("serving MCP on stdio", zap.Strings("servers", rt.cfg.ServerNames()))

	err = server.Serve(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}
	return err
}

func runExec(cmd *cobra.Command, args []string) error {
	rt, err := openApp()
	if err != nil {
		return err
	}
	defer rt.close()

	req := bridge.ExecuteRequest{
		Server:           args[0],
		Timeout:          execTimeout,
		RetryCount:       execRetries,
		WorkingDirectory: execDir,
	}
	if req.Priority, err = execution.ParsePriority(execPriority); err != nil {
		return err
	}

	ctx := cmd.Context()
	if execBatch {
		result, err := rt.bridge.ExecuteBatch(ctx, args[0], args[1:], req)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(result)
		}
		code := 0
		for _, r := range result["results"].([]map[string]any) {
			fmt.Printf("$ %s\n", r["command"])
			printOutput(r)
			if c, _ := r["exit_code"].(int); c != 0 && code == 0 {
				code = c
			}
		}
		if code != 0 {
			return &exitCodeError{code: code}
		}
		return nil
	}

	req.Command = strings.Join(args[1:], " ")
	result := rt.bridge.Execute(ctx, req)
	if jsonOutput {
		return printJSON(result)
	}
	printOutput(result)
	if code, _ := result["exit_code"].(int); code != 0 {
		return &exitCodeError{code: code}
	}
	return nil
}

func printOutput(result map[string]any) {
	if stdout, _ := result["stdout"].(string); stdout != "" {
		fmt.Println(stdout)
	}
	if stderr, _ := result["stderr"].(string); stderr != "" {
		fmt.Fprintln(os.Stderr, stderr)
	}
}

func runSessions(cmd *cobra.Command, args []string) error {
	rt, err := openApp()
	if err != nil {
		return err
	}
	defer rt.close()

	server := bridge.DefaultServerAlias
	if len(args) > 0 {
		server = args[0]
	}
	result, err := rt.bridge.ListSessions(cmd.Context(), server)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(result)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tSTATUS\tUPTIME\tCOMMANDS")
	for _, s := range result["sessions"].([]map[string]any) {
		uptime, _ := s["uptime"].(float64)
		commands, _ := s["command_count"].(int)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s["name"], s["kind"], s["status"],
			time.Duration(uptime*float64(time.Second)).Round(time.Second),
			humanize.Comma(int64(commands)))
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	rt, err := openApp()
	if err != nil {
		return err
	}
	defer rt.close()

	result := rt.bridge.ServerStatus(cmd.Context())
	if jsonOutput {
		return printJSON(result)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tTYPE\tSESSION\tSTATUS\tDESCRIPTION")
	for _, s := range result["servers"].([]map[string]any) {
		name := s["name"].(string)
		if s["default"] == true {
			name += " *"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name, s["type"], s["session"], s["status"], s["description"])
	}
	return w.Flush()
}

func runHistory(cmd *cobra.Command, args []string) error {
	rt, err := openApp()
	if err != nil {
		return err
	}
	defer rt.close()

	result, err := rt.bridge.History(cmd.Context(), historyServer, historyLimit)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(result)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tSESSION\tSTATUS\tEXIT\tCOMMAND")
	for _, e := range result["history"].([]map[string]any) {
		when := "-"
		if ts, err := time.Parse(time.RFC3339Nano, fmt.Sprint(e["timestamp"])); err == nil {
			when = humanize.Time(ts)
		}
		exit := "-"
		if code, ok := e["exit_code"]; ok {
			exit = fmt.Sprint(code)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", when, e["session"], e["status"], exit, e["command"])
	}
	return w.Flush()
}

func runStats(cmd *cobra.Command, args []string) error {
	rt, err := openApp()
	if err != nil {
		return err
	}
	defer rt.close()

	result, err := rt.bridge.ExecutionStats(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(result)
	}

	stats, ok := result["history"].(map[string]any)
	if !ok {
		return errors.New("no history available")
	}
	total, _ := stats["total_executions"].(int)
	successful, _ := stats["successful_executions"].(int)
	failed, _ := stats["failed_executions"].(int)
	rate, _ := stats["success_rate"].(float64)
	avg, _ := stats["average_execution_time"].(float64)

	fmt.Printf("Executions:   %s\n", humanize.Comma(int64(total)))
	fmt.Printf("Successful:   %s\n", humanize.Comma(int64(successful)))
	fmt.Printf("Failed:       %s\n", humanize.Comma(int64(failed)))
	fmt.Printf("Success rate: %s%%\n", humanize.FormatFloat("#.##", rate*100))
	fmt.Printf("Average time: %s\n", time.Duration(avg*float64(time.Second)).Round(time.Millisecond))
	return nil
}

func runSuggest(cmd *cobra.Command, args []string) error {
	rt, err := openApp()
	if err != nil {
		return err
	}
	defer rt.close()

	result, err := rt.bridge.Suggestions(cmd.Context(), args[0], args[1], suggestLimit)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(result)
	}
	for _, s := range result["suggestions"].([]string) {
		fmt.Println(s)
	}
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
