// Package session defines the capability contract every session backend
// implements and the registry that binds configured servers to backends.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/hochfrequenz/cursor-bridge/internal/execution"
)

// Kind selects a backend implementation. The set is closed and chosen once
// when configuration is parsed.
type Kind string

const (
	KindTmux  Kind = "local_tmux"
	KindShell Kind = "local_shell"
)

// ParseKind validates a backend type read from configuration
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindTmux, KindShell:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unsupported server type %q", s)
}

// CaptureMode selects how a backend decides a dispatched command finished
type CaptureMode string

const (
	// CaptureSentinel brackets the command with generated marker lines and
	// waits for the trailing marker. The exit status is observed.
	CaptureSentinel CaptureMode = "sentinel"
	// CaptureSettle sleeps a fixed settle delay and scrapes the screen.
	// The exit status is not observed and is always reported as 0.
	CaptureSettle CaptureMode = "settle"
)

// ParseCaptureMode validates a capture mode; empty means sentinel.
func ParseCaptureMode(s string) (CaptureMode, error) {
	switch CaptureMode(s) {
	case "", CaptureSentinel:
		return CaptureSentinel, nil
	case CaptureSettle:
		return CaptureSettle, nil
	}
	return "", fmt.Errorf("unknown capture mode %q", s)
}

// OutputCallback receives streamed output as it is observed
type OutputCallback func(stream, data string)

// Config describes a session to create
type Config struct {
	Name             string
	Server           string
	Window           string
	WorkingDirectory string
	Environment      map[string]string
	Shell            string
}

// Info describes a backend-managed session. Only the backend mutates it.
type Info struct {
	Name             string        `json:"name"`
	Server           string        `json:"server,omitempty"`
	Kind             Kind          `json:"kind"`
	Window           string        `json:"window,omitempty"`
	WorkingDirectory string        `json:"working_directory,omitempty"`
	Exists           bool          `json:"exists"`
	Attached         bool          `json:"attached"`
	Windows          int           `json:"windows,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	LastActivity     time.Time     `json:"last_activity"`
	Uptime           time.Duration `json:"uptime"`
	IdleTime         time.Duration `json:"idle_time"`
	CommandCount     int           `json:"command_count"`
}

// Map flattens the info for JSON payloads
func (i Info) Map() map[string]any {
	m := map[string]any{
		"name":          i.Name,
		"session_id":    i.Name,
		"kind":          string(i.Kind),
		"exists":        i.Exists,
		"attached":      i.Attached,
		"uptime":        i.Uptime.Seconds(),
		"idle_time":     i.IdleTime.Seconds(),
		"command_count": i.CommandCount,
		"status":        "missing",
	}
	if i.Exists {
		m["status"] = "active"
	}
	if i.Server != "" {
		m["server"] = i.Server
	}
	if i.Window != "" {
		m["window"] = i.Window
	}
	if i.WorkingDirectory != "" {
		m["working_directory"] = i.WorkingDirectory
	}
	if !i.CreatedAt.IsZero() {
		m["created_at"] = i.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !i.LastActivity.IsZero() {
		m["last_activity"] = i.LastActivity.UTC().Format(time.RFC3339)
	}
	return m
}

// Request is one physical command dispatch
type Request struct {
	Command          string
	Window           string
	WorkingDirectory string
	Environment      map[string]string
	Timeout          time.Duration
	Stream           bool
	OnOutput         OutputCallback
}

// Backend is the capability contract of a session backend
type Backend interface {
	Kind() Kind
	CreateSession(ctx context.Context, cfg Config) (*Info, error)
	DestroySession(ctx context.Context, name string) error
	ExecuteCommand(ctx context.Context, name string, req Request) (*execution.CommandResult, error)
	GetSessionInfo(ctx context.Context, name string) (*Info, error)
	ListSessions(ctx context.Context) ([]Info, error)
}
