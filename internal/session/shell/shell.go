// Package shell provides a session backend that runs commands through a local
// shell. Sessions are logical: a name bound to a working directory and
// environment.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/cursor-bridge/internal/execution"
	"github.com/hochfrequenz/cursor-bridge/internal/session"
)

// DefaultShell is used when a session does not name one
const DefaultShell = "sh"

const waitDelay = 500 * time.Millisecond

type localSession struct {
	cfg          session.Config
	createdAt    time.Time
	lastActivity time.Time
	commands     int
}

// Backend runs commands with exec.CommandContext
type Backend struct {
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*localSession
	now      func() time.Time
}

// New creates a shell backend with the given sessions pre-registered
func New(logger *zap.Logger, sessions ...session.Config) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Backend{
		logger:   logger.Named("shell"),
		sessions: make(map[string]*localSession),
		now:      time.Now,
	}
	for _, cfg := range sessions {
		b.add(cfg)
	}
	return b
}

func (b *Backend) add(cfg session.Config) *localSession {
	now := b.now()
	s := &localSession{cfg: cfg, createdAt: now, lastActivity: now}
	b.sessions[cfg.Name] = s
	return s
}

// Kind returns session.KindShell
func (b *Backend) Kind() session.Kind { return session.KindShell }

// CreateSession registers a logical session
func (b *Backend) CreateSession(ctx context.Context, cfg session.Config) (*session.Info, error) {
	if cfg.Name == "" {
		return nil, execution.Validationf("session name is required")
	}
	if cfg.WorkingDirectory != "" {
		fi, err := os.Stat(cfg.WorkingDirectory)
		if err != nil {
			return nil, fmt.Errorf("working directory: %w", err)
		}
		if !fi.IsDir() {
			return nil, fmt.Errorf("working directory %s is not a directory", cfg.WorkingDirectory)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[cfg.Name]; ok {
		return nil, fmt.Errorf("session %q already exists", cfg.Name)
	}
	s := b.add(cfg)
	b.logger.Info("created session", zap.String("session", cfg.Name))
	info := b.infoLocked(s)
	return &info, nil
}

// DestroySession forgets a logical session
func (b *Backend) DestroySession(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[name]; !ok {
		return execution.SessionNotFound(name)
	}
	delete(b.sessions, name)
	return nil
}

// GetSessionInfo reports a session; unknown names have Exists false
func (b *Backend) GetSessionInfo(ctx context.Context, name string) (*session.Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[name]
	if !ok {
		return &session.Info{Name: name, Kind: session.KindShell}, nil
	}
	info := b.infoLocked(s)
	return &info, nil
}

// ListSessions returns every logical session sorted by name
func (b *Backend) ListSessions(ctx context.Context) ([]session.Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	infos := make([]session.Info, 0, len(b.sessions))
	for _, s := range b.sessions {
		infos = append(infos, b.infoLocked(s))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (b *Backend) infoLocked(s *localSession) session.Info {
	now := b.now()
	return session.Info{
		Name:             s.cfg.Name,
		Server:           s.cfg.Server,
		Kind:             session.KindShell,
		WorkingDirectory: s.cfg.WorkingDirectory,
		Exists:           true,
		CreatedAt:        s.createdAt,
		LastActivity:     s.lastActivity,
		Uptime:           now.Sub(s.createdAt),
		IdleTime:         now.Sub(s.lastActivity),
		CommandCount:     s.commands,
	}
}

// ExecuteCommand runs the command through the session's shell and reports
// its real exit status
func (b *Backend) ExecuteCommand(ctx context.Context, name string, req session.Request) (*execution.CommandResult, error) {
	b.mu.Lock()
	s, ok := b.sessions[name]
	var cfg session.Config
	if ok {
		cfg = s.cfg
	}
	b.mu.Unlock()
	if !ok {
		return nil, execution.SessionNotFound(name)
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := b.now()

	shell := cfg.Shell
	if shell == "" {
		shell = DefaultShell
	}
	cmd := exec.CommandContext(ctx, shell, "-c", req.Command)
	cmd.Dir = cfg.WorkingDirectory
	if req.WorkingDirectory != "" {
		cmd.Dir = req.WorkingDirectory
	}

	cmd.Env = os.Environ()
	for _, env := range []map[string]string{cfg.Environment, req.Environment} {
		for k, v := range env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	var callback session.OutputCallback
	if req.Stream {
		callback = req.OnOutput
	}
	stdout := &lineWriter{stream: "stdout", callback: callback}
	stderr := &lineWriter{stream: "stderr", callback: callback}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// background children may hold the pipes open after the shell is killed
	cmd.WaitDelay = waitDelay

	b.logger.Debug("running command",
		zap.String("session", name),
		zap.String("dir", cmd.Dir),
		zap.String("command", req.Command))

	if err := cmd.Start(); err != nil {
		return nil, execution.NewError(execution.ErrBackendDispatch, "shell.start", err)
	}

	err := cmd.Wait()
	stdout.flush()
	stderr.flush()
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, execution.NewError(execution.ErrTimeoutExceeded, "shell.execute", ctxErr)
		}
		return nil, ctxErr
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, execution.NewError(execution.ErrBackendDispatch, "shell.wait", err)
		}
		exitCode = exitErr.ExitCode()
	}

	now := b.now()
	b.mu.Lock()
	if s, ok := b.sessions[name]; ok {
		s.commands++
		s.lastActivity = now
	}
	b.mu.Unlock()

	return &execution.CommandResult{
		Command:       req.Command,
		ExitCode:      exitCode,
		Stdout:        strings.TrimRight(stdout.buf.String(), "\n"),
		Stderr:        strings.TrimRight(stderr.buf.String(), "\n"),
		ExecutionTime: now.Sub(start),
		Timestamp:     now,
	}, nil
}

// lineWriter keeps everything written and hands complete lines to the
// callback. exec copies each stream from its own goroutine.
type lineWriter struct {
	stream   string
	buf      strings.Builder
	partial  []byte
	callback session.OutputCallback
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	if w.callback == nil {
		return len(p), nil
	}
	w.partial = append(w.partial, p...)
	for {
		idx := bytes.IndexByte(w.partial, '\n')
		if idx < 0 {
			break
		}
		w.callback(w.stream, string(w.partial[:idx+1]))
		w.partial = w.partial[idx+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if w.callback != nil && len(w.partial) > 0 {
		w.callback(w.stream, string(w.partial)+"\n")
		w.partial = nil
	}
}
