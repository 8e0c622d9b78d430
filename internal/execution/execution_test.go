package execution

import (
	"errors"
	"testing"
	"time"
)

func TestCommandExecution_StatusPredicates(t *testing.T) {
	completed := New(NewContext("dev"), "ls", DefaultOptions())
	completed.Status = StatusCompleted
	completed.SetExitCode(0)

	if !completed.IsSuccessful() {
		t.Error("completed with exit 0 should be successful")
	}
	if !completed.IsCompleted() {
		t.Error("completed should be completed")
	}
	if completed.IsRunning() {
		t.Error("completed should not be running")
	}

	pending := New(NewContext("dev"), "ls", DefaultOptions())
	if pending.IsSuccessful() {
		t.Error("pending should not be successful")
	}
	if pending.IsCompleted() {
		t.Error("pending should not be completed")
	}
	if pending.IsRunning() {
		t.Error("pending should not be running")
	}
}

func TestCommandExecution_NonZeroExitNotSuccessful(t *testing.T) {
	e := New(NewContext("dev"), "false", DefaultOptions())
	e.Status = StatusCompleted
	e.SetExitCode(2)

	if e.IsSuccessful() {
		t.Error("non-zero exit code should not be successful")
	}
	if !e.IsCompleted() {
		t.Error("should be completed")
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusRetrying, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusTimeout, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.want {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusRetrying, true},
		{StatusFailed, StatusRetrying, true},
		{StatusRetrying, StatusRunning, true},
		{StatusCompleted, StatusRunning, false},
		{StatusCancelled, StatusRunning, false},
		{StatusTimeout, StatusRetrying, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCommandExecution_Duration(t *testing.T) {
	e := New(NewContext("dev"), "ls", DefaultOptions())
	if _, ok := e.Duration(); ok {
		t.Error("duration should be undefined before start")
	}

	start := time.Now()
	e.StartedAt = &start
	if _, ok := e.Duration(); ok {
		t.Error("duration should be undefined before completion")
	}

	end := start.Add(1500 * time.Millisecond)
	e.CompletedAt = &end
	d, ok := e.Duration()
	if !ok || d != 1500*time.Millisecond {
		t.Errorf("Duration() = %v, %v; want 1.5s, true", d, ok)
	}
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(o *Options)
		wantErr bool
	}{
		{"defaults", func(o *Options) {}, false},
		{"zero timeout", func(o *Options) { o.Timeout = 0 }, true},
		{"negative timeout", func(o *Options) { o.Timeout = -time.Second }, true},
		{"negative retry count", func(o *Options) { o.RetryCount = -1 }, true},
		{"negative retry delay", func(o *Options) { o.RetryDelay = -time.Second }, true},
		{"bad priority", func(o *Options) { o.Priority = 9 }, true},
		{"bad format", func(o *Options) { o.OutputFormat = "xml" }, true},
		{"retries allowed", func(o *Options) { o.RetryCount = 3 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			err := opts.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in   string
		want Priority
	}{
		{"", PriorityNormal},
		{"low", PriorityLow},
		{"HIGH", PriorityHigh},
		{" urgent ", PriorityUrgent},
	}
	for _, tt := range tests {
		got, err := ParsePriority(tt.in)
		if err != nil {
			t.Fatalf("ParsePriority(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParsePriority(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := ParsePriority("critical"); !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestError_Is(t *testing.T) {
	err := SessionNotFound("missing")
	wrapped := errors.Join(errors.New("context"), err)

	if !IsSessionNotFound(wrapped) {
		t.Error("wrapped error should match ErrSessionNotFound")
	}
	if IsValidation(err) {
		t.Error("session error should not match ErrValidation")
	}
	if err.Error() != "session 'missing' not found" {
		t.Errorf("Error() = %q", err.Error())
	}
	if KindOf(wrapped) != ErrSessionNotFound {
		t.Errorf("KindOf() = %v", KindOf(wrapped))
	}
}

func TestCommandExecution_CloneIsIndependent(t *testing.T) {
	opts := DefaultOptions()
	opts.Environment = map[string]string{"A": "1"}
	e := New(NewContext("dev"), "env", opts)
	e.SetExitCode(0)

	c := e.Clone()
	c.Options.Environment["A"] = "2"
	*c.ExitCode = 5

	if e.Options.Environment["A"] != "1" {
		t.Error("clone shares environment map")
	}
	if *e.ExitCode != 0 {
		t.Error("clone shares exit code")
	}
}

func TestCommandExecution_Payload(t *testing.T) {
	e := New(NewContext("dev"), "echo hello", DefaultOptions())
	p := e.Payload()

	for _, key := range []string{"stdout", "stderr", "exit_code", "execution_time", "command"} {
		if _, ok := p[key]; !ok {
			t.Errorf("payload missing %q", key)
		}
	}
	if p["command"] != "echo hello" {
		t.Errorf("command = %v", p["command"])
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in      string
		limit   int
		want    string
		wantCut bool
	}{
		{"hello", 10, "hello", false},
		{"hello", 3, "hel", true},
		{"héllo", 2, "h", true},
		{"日本語", 4, "日", true},
		{"hello", 0, "hello", false},
	}
	for _, tt := range tests {
		got, cut := Truncate(tt.in, tt.limit)
		if got != tt.want || cut != tt.wantCut {
			t.Errorf("Truncate(%q, %d) = %q, %v", tt.in, tt.limit, got, cut)
		}
	}
}
