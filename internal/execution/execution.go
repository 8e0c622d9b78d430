package execution

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Context identifies one execution across queue, backend and history.
// It is immutable once created.
type Context struct {
	ExecutionID string
	SessionName string
	UserID      string
	RequestID   string
	Tags        map[string]string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// NewContext creates a context with a fresh execution id
func NewContext(sessionName string) Context {
	return Context{
		ExecutionID: uuid.NewString(),
		SessionName: sessionName,
		Tags:        map[string]string{},
		Metadata:    map[string]any{},
		CreatedAt:   time.Now(),
	}
}

// CommandResult is the outcome of one physical dispatch to a backend
type CommandResult struct {
	Command       string
	ExitCode      int
	Stdout        string
	Stderr        string
	ExecutionTime time.Duration
	Timestamp     time.Time
	Truncated     bool
}

// Success reports whether the dispatch exited zero
func (r CommandResult) Success() bool {
	return r.ExitCode == 0
}

// CommandExecution is the mutable record the executor drives through the
// status state machine. Once terminal it is handed to history and no longer
// changes.
type CommandExecution struct {
	Context       Context
	Command       string
	Options       Options
	Status        Status
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ExitCode      *int
	Stdout        string
	Stderr        string
	ErrorMessage  string
	RetryAttempts int
	Truncated     bool
	Attempts      []CommandResult
}

// New creates a PENDING execution for command
func New(ctx Context, command string, opts Options) *CommandExecution {
	return &CommandExecution{
		Context: ctx,
		Command: command,
		Options: opts.Clone(),
		Status:  StatusPending,
	}
}

// ID returns the execution id
func (e *CommandExecution) ID() string {
	return e.Context.ExecutionID
}

// Duration returns CompletedAt - StartedAt; ok is false until both are set.
func (e *CommandExecution) Duration() (d time.Duration, ok bool) {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return 0, false
	}
	return e.CompletedAt.Sub(*e.StartedAt), true
}

func (e *CommandExecution) IsRunning() bool {
	return e.Status == StatusRunning
}

func (e *CommandExecution) IsCompleted() bool {
	return e.Status.IsTerminal()
}

// IsSuccessful is true only for COMPLETED with exit code zero
func (e *CommandExecution) IsSuccessful() bool {
	return e.Status == StatusCompleted && e.ExitCode != nil && *e.ExitCode == 0
}

// SetExitCode stores a copy of code
func (e *CommandExecution) SetExitCode(code int) {
	e.ExitCode = &code
}

// Clone returns a deep copy safe to hand to other goroutines
func (e *CommandExecution) Clone() CommandExecution {
	c := *e
	c.Options = e.Options.Clone()
	c.Context.Tags = cloneStrings(e.Context.Tags)
	if e.Context.Metadata != nil {
		c.Context.Metadata = make(map[string]any, len(e.Context.Metadata))
		for k, v := range e.Context.Metadata {
			c.Context.Metadata[k] = v
		}
	}
	if e.StartedAt != nil {
		t := *e.StartedAt
		c.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	if e.ExitCode != nil {
		code := *e.ExitCode
		c.ExitCode = &code
	}
	c.Attempts = append([]CommandResult(nil), e.Attempts...)
	return c
}

// Payload renders the execution as a tool result mapping. The keys stdout,
// stderr, exit_code, execution_time and command are always present.
func (e *CommandExecution) Payload() map[string]any {
	exitCode := ExitCodeFailure
	if e.ExitCode != nil {
		exitCode = *e.ExitCode
	}
	var seconds float64
	if d, ok := e.Duration(); ok {
		seconds = d.Seconds()
	}
	payload := map[string]any{
		"execution_id":   e.Context.ExecutionID,
		"session":        e.Context.SessionName,
		"command":        e.Command,
		"status":         string(e.Status),
		"stdout":         e.Stdout,
		"stderr":         e.Stderr,
		"exit_code":      exitCode,
		"execution_time": seconds,
		"retry_attempts": e.RetryAttempts,
		"is_successful":  e.IsSuccessful(),
	}
	if e.ErrorMessage != "" {
		payload["error_message"] = e.ErrorMessage
	}
	if e.Truncated {
		payload["truncated"] = true
	}
	return payload
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Batch is an ordered group of executions submitted together against one
// session. Members run independently; the batch is not transactional.
type Batch struct {
	ID          string
	SessionName string
	Executions  []CommandExecution
	CreatedAt   time.Time
}

// NewBatch creates an empty batch for sessionName
func NewBatch(sessionName string) *Batch {
	return &Batch{
		ID:          uuid.NewString(),
		SessionName: sessionName,
		CreatedAt:   time.Now(),
	}
}

// Total returns the number of members
func (b *Batch) Total() int {
	return len(b.Executions)
}

// Completed counts members in a terminal state
func (b *Batch) Completed() int {
	n := 0
	for i := range b.Executions {
		if b.Executions[i].IsCompleted() {
			n++
		}
	}
	return n
}

// Results returns the member payloads in submission order
func (b *Batch) Results() []map[string]any {
	results := make([]map[string]any, len(b.Executions))
	for i := range b.Executions {
		results[i] = b.Executions[i].Payload()
	}
	return results
}

// Stats aggregates execution outcomes. It is always recomputed, never the
// source of truth.
type Stats struct {
	TotalExecutions      int
	ActiveExecutions     int
	SuccessfulExecutions int
	FailedExecutions     int
	SuccessRate          float64
	AverageExecutionTime time.Duration
}

// Map flattens the stats for JSON payloads
func (s Stats) Map() map[string]any {
	return map[string]any{
		"total_executions":       s.TotalExecutions,
		"active_executions":      s.ActiveExecutions,
		"successful_executions":  s.SuccessfulExecutions,
		"failed_executions":      s.FailedExecutions,
		"success_rate":           s.SuccessRate,
		"average_execution_time": s.AverageExecutionTime.Seconds(),
	}
}

// Truncate cuts s to at most limit bytes, backing off to a rune boundary.
// A limit of zero or less disables the cut.
func Truncate(s string, limit int) (string, bool) {
	if limit <= 0 || len(s) <= limit {
		return s, false
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}
