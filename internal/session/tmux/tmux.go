// Package tmux implements the session backend that drives pre-existing local
// tmux sessions, each of which is typically already logged in to a remote
// host.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hochfrequenz/cursor-bridge/internal/execution"
	"github.com/hochfrequenz/cursor-bridge/internal/session"
)

const listFormat = "#{session_name},#{session_created},#{session_attached},#{session_activity},#{session_windows}"

// Options tunes dispatch and capture
type Options struct {
	Mode          session.CaptureMode
	DefaultWindow string
	// SettleDelay is the fixed wait before scraping in settle mode
	SettleDelay time.Duration
	// CdSettleDelay is the wait after changing directory
	CdSettleDelay time.Duration
	// SettleLines is the capture depth in settle mode
	SettleLines int
	// CaptureLines is the capture depth in sentinel mode
	CaptureLines int
	PollInterval time.Duration
}

// DefaultOptions returns the sentinel-mode defaults
func DefaultOptions() Options {
	return Options{
		Mode:          session.CaptureSentinel,
		DefaultWindow: "main",
		SettleDelay:   time.Second,
		CdSettleDelay: 500 * time.Millisecond,
		SettleLines:   20,
		CaptureLines:  2000,
		PollInterval:  200 * time.Millisecond,
	}
}

// Backend drives local tmux sessions through a Runner
type Backend struct {
	runner Runner
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	targets  map[string]*sync.Mutex
	commands map[string]int

	newToken func() string
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a tmux backend. A nil logger disables logging.
func New(runner Runner, opts Options, logger *zap.Logger) *Backend {
	defaults := DefaultOptions()
	if opts.Mode == "" {
		opts.Mode = defaults.Mode
	}
	if opts.DefaultWindow == "" {
		opts.DefaultWindow = defaults.DefaultWindow
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = defaults.SettleDelay
	}
	if opts.CdSettleDelay < 0 {
		opts.CdSettleDelay = 0
	}
	if opts.SettleLines <= 0 {
		opts.SettleLines = defaults.SettleLines
	}
	if opts.CaptureLines <= 0 {
		opts.CaptureLines = defaults.CaptureLines
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		runner:   runner,
		opts:     opts,
		logger:   logger.Named("tmux"),
		targets:  make(map[string]*sync.Mutex),
		commands: make(map[string]int),
		newToken: func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Kind returns session.KindTmux
func (b *Backend) Kind() session.Kind { return session.KindTmux }

// targetLock returns the mutex serializing dispatch and capture on one pane
func (b *Backend) targetLock(target string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.targets[target]
	if !ok {
		l = &sync.Mutex{}
		b.targets[target] = l
	}
	return l
}

func (b *Backend) hasSession(ctx context.Context, name string) (bool, error) {
	_, err := b.runner.Run(ctx, "has-session", "-t", exactSession(name))
	if err == nil {
		return true, nil
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return false, nil
	}
	return false, err
}

func (b *Backend) sendKeys(ctx context.Context, target, text string) error {
	_, err := b.runner.Run(ctx, "send-keys", "-t", target, text, "Enter")
	return err
}

func (b *Backend) capture(ctx context.Context, target string, lines int, join bool) (string, error) {
	args := []string{"capture-pane", "-t", target, "-p"}
	if join {
		args = append(args, "-J")
	}
	args = append(args, "-S", "-"+strconv.Itoa(lines))
	out, err := b.runner.Run(ctx, args...)
	if err != nil {
		return "", err
	}
	return StripANSI(out), nil
}

// ExecuteCommand dispatches one command into the session's window and
// captures its output. It serializes with every other dispatch to the same
// session:window target.
func (b *Backend) ExecuteCommand(ctx context.Context, name string, req session.Request) (*execution.CommandResult, error) {
	start := b.now()

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	window := req.Window
	if window == "" {
		window = b.opts.DefaultWindow
	}
	target := exactSession(name) + ":" + window

	lock := b.targetLock(target)
	lock.Lock()
	defer lock.Unlock()

	exists, err := b.hasSession(ctx, name)
	if err != nil {
		return nil, execution.NewError(execution.ErrBackendDispatch, "tmux.has-session", err)
	}
	if !exists {
		return nil, execution.SessionNotFound(name)
	}

	if req.WorkingDirectory != "" {
		if err := b.sendKeys(ctx, target, "cd "+shellQuote(req.WorkingDirectory)); err != nil {
			return nil, execution.NewError(execution.ErrBackendDispatch, "tmux.send-keys", err)
		}
		if err := b.sleep(ctx, b.opts.CdSettleDelay); err != nil {
			return nil, b.contextError(err)
		}
	}

	b.logger.Debug("dispatching command",
		zap.String("target", target),
		zap.String("mode", string(b.opts.Mode)),
		zap.String("command", req.Command))

	var result *execution.CommandResult
	if b.opts.Mode == session.CaptureSettle {
		result, err = b.executeSettle(ctx, target, req)
	} else {
		result, err = b.executeSentinel(ctx, target, req)
	}
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.commands[name]++
	b.mu.Unlock()

	result.Command = req.Command
	result.Timestamp = b.now()
	result.ExecutionTime = result.Timestamp.Sub(start)
	return result, nil
}

// executeSettle sends the command, waits a fixed delay and scrapes the most
// recent screen lines. The exit status is not observable this way.
func (b *Backend) executeSettle(ctx context.Context, target string, req session.Request) (*execution.CommandResult, error) {
	command := req.Command
	if len(req.Environment) > 0 {
		command = statement(req.Command, req.Environment)
	}
	if err := b.sendKeys(ctx, target, command); err != nil {
		return nil, execution.NewError(execution.ErrBackendDispatch, "tmux.send-keys", err)
	}
	if err := b.sleep(ctx, b.opts.SettleDelay); err != nil {
		return nil, b.contextError(err)
	}

	screen, err := b.capture(ctx, target, b.opts.SettleLines, false)
	if err != nil {
		return nil, execution.NewError(execution.ErrBackendDispatch, "tmux.capture-pane", err)
	}

	stdout := extractRecentOutput(screen, command)
	if req.Stream && req.OnOutput != nil && stdout != "" {
		req.OnOutput("stdout", stdout+"\n")
	}
	return &execution.CommandResult{Stdout: stdout, ExitCode: 0}, nil
}

// executeSentinel brackets the command with marker lines and polls the pane
// until the END marker carrying the exit status appears.
func (b *Backend) executeSentinel(ctx context.Context, target string, req session.Request) (*execution.CommandResult, error) {
	m := newMarkers(b.newToken())
	if err := b.sendKeys(ctx, target, m.wrap(statement(req.Command, req.Environment))); err != nil {
		return nil, execution.NewError(execution.ErrBackendDispatch, "tmux.send-keys", err)
	}

	emitted := 0
	for {
		screen, err := b.capture(ctx, target, b.opts.CaptureLines, true)
		if err != nil {
			if ctx.Err() != nil {
				return nil, b.interrupt(ctx, target)
			}
			return nil, execution.NewError(execution.ErrBackendDispatch, "tmux.capture-pane", err)
		}

		scan := m.scan(screen)
		if req.Stream && req.OnOutput != nil && scan.started {
			// While running, the last visible line may still be growing
			complete := len(scan.body)
			if !scan.finished && complete > 0 {
				complete--
			}
			for ; emitted < complete; emitted++ {
				req.OnOutput("stdout", scan.body[emitted]+"\n")
			}
		}
		if scan.finished {
			return &execution.CommandResult{
				Stdout:   strings.Join(scan.body, "\n"),
				ExitCode: scan.exitCode,
			}, nil
		}

		if err := b.sleep(ctx, b.opts.PollInterval); err != nil {
			return nil, b.interrupt(ctx, target)
		}
	}
}

// interrupt sends Ctrl-C to the pane after the attempt context ended so the
// next dispatch does not land in a still-running command.
func (b *Backend) interrupt(ctx context.Context, target string) error {
	sendCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := b.runner.Run(sendCtx, "send-keys", "-t", target, "C-c"); err != nil {
		b.logger.Warn("failed to interrupt pane", zap.String("target", target), zap.Error(err))
	}
	return b.contextError(ctx.Err())
}

func (b *Backend) contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return execution.NewError(execution.ErrTimeoutExceeded, "tmux.execute", err)
	}
	return err
}

// CreateSession starts a detached tmux session
func (b *Backend) CreateSession(ctx context.Context, cfg session.Config) (*session.Info, error) {
	if cfg.Name == "" {
		return nil, execution.Validationf("session name is required")
	}
	exists, err := b.hasSession(ctx, cfg.Name)
	if err != nil {
		return nil, execution.NewError(execution.ErrBackendDispatch, "tmux.has-session", err)
	}
	if exists {
		return nil, fmt.Errorf("tmux session %q already exists", cfg.Name)
	}

	window := cfg.Window
	if window == "" {
		window = b.opts.DefaultWindow
	}
	args := []string{"new-session", "-d", "-s", cfg.Name, "-n", window}
	if cfg.WorkingDirectory != "" {
		args = append(args, "-c", cfg.WorkingDirectory)
	}
	for _, k := range sortedKeys(cfg.Environment) {
		args = append(args, "-e", k+"="+cfg.Environment[k])
	}
	if cfg.Shell != "" {
		args = append(args, cfg.Shell)
	}
	if _, err := b.runner.Run(ctx, args...); err != nil {
		return nil, execution.NewError(execution.ErrBackendDispatch, "tmux.new-session", err)
	}

	b.logger.Info("created session", zap.String("session", cfg.Name), zap.String("window", window))

	info, err := b.GetSessionInfo(ctx, cfg.Name)
	if err != nil {
		return nil, err
	}
	info.Server = cfg.Server
	info.Window = window
	info.WorkingDirectory = cfg.WorkingDirectory
	return info, nil
}

// DestroySession kills a tmux session
func (b *Backend) DestroySession(ctx context.Context, name string) error {
	exists, err := b.hasSession(ctx, name)
	if err != nil {
		return execution.NewError(execution.ErrBackendDispatch, "tmux.has-session", err)
	}
	if !exists {
		return execution.SessionNotFound(name)
	}
	if _, err := b.runner.Run(ctx, "kill-session", "-t", exactSession(name)); err != nil {
		return execution.NewError(execution.ErrBackendDispatch, "tmux.kill-session", err)
	}

	b.mu.Lock()
	delete(b.commands, name)
	b.mu.Unlock()

	b.logger.Info("destroyed session", zap.String("session", name))
	return nil
}

// GetSessionInfo reports a session. A session tmux does not know is
// returned with Exists false and no error.
func (b *Backend) GetSessionInfo(ctx context.Context, name string) (*session.Info, error) {
	infos, err := b.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range infos {
		if infos[i].Name == name {
			return &infos[i], nil
		}
	}
	return &session.Info{Name: name, Kind: session.KindTmux}, nil
}

// ListSessions lists every session on the local tmux server. No running
// server means no sessions.
func (b *Backend) ListSessions(ctx context.Context) ([]session.Info, error) {
	out, err := b.runner.Run(ctx, "list-sessions", "-F", listFormat)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			b.logger.Debug("list-sessions failed", zap.Error(err))
			return nil, nil
		}
		return nil, execution.NewError(execution.ErrBackendDispatch, "tmux.list-sessions", err)
	}

	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	var infos []session.Info
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		info, ok := parseSessionLine(line, now)
		if !ok {
			continue
		}
		info.CommandCount = b.commands[info.Name]
		infos = append(infos, info)
	}
	return infos, nil
}

// parseSessionLine parses one list-sessions line in listFormat. Fields are
// taken from the right so session names may contain commas.
func parseSessionLine(line string, now time.Time) (session.Info, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return session.Info{}, false
	}
	parts := strings.Split(line, ",")
	if len(parts) < 5 {
		return session.Info{}, false
	}
	n := len(parts)
	info := session.Info{
		Name:   strings.Join(parts[:n-4], ","),
		Kind:   session.KindTmux,
		Exists: true,
	}

	if created, err := strconv.ParseInt(parts[n-4], 10, 64); err == nil && created > 0 {
		info.CreatedAt = time.Unix(created, 0)
		info.Uptime = now.Sub(info.CreatedAt)
	}
	if attached, err := strconv.Atoi(parts[n-3]); err == nil {
		info.Attached = attached > 0
	}
	if activity, err := strconv.ParseInt(parts[n-2], 10, 64); err == nil && activity > 0 {
		info.LastActivity = time.Unix(activity, 0)
		info.IdleTime = now.Sub(info.LastActivity)
	}
	if windows, err := strconv.Atoi(parts[n-1]); err == nil {
		info.Windows = windows
	}
	return info, true
}

// statement turns a command into one shell statement that can be followed
// by more text on the same line. The command runs through eval so a trailing
// '&' or '#' comment stays inside it. Per-command environment variables are
// exported in a subshell and never reach later commands on the pane; a cd in
// such a command does not persist either.
func statement(command string, env map[string]string) string {
	eval := "eval " + shellQuote(command)
	if len(env) == 0 {
		return eval
	}
	var sb strings.Builder
	sb.WriteString("(")
	for _, k := range sortedKeys(env) {
		sb.WriteString("export ")
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(shellQuote(env[k]))
		sb.WriteString("; ")
	}
	sb.WriteString(eval)
	sb.WriteString(")")
	return sb.String()
}

// exactSession disables tmux's prefix matching so "dev" never resolves to
// a session named "devbox"
func exactSession(name string) string {
	return "=" + name
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
