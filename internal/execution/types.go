// Package execution defines the value types that describe one command
// execution: its identity, the options it was submitted with, and the outcome
// recovered from the session backend.
package execution

import (
	"fmt"
	"strings"
)

// Status represents the lifecycle state of an execution
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further work happens in this state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus converts a stored status string back into a Status
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusRetrying, StatusCompleted,
		StatusFailed, StatusTimeout, StatusCancelled:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

var transitions = map[Status][]Status{
	StatusPending:  {StatusRunning, StatusCancelled},
	StatusRunning:  {StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled, StatusRetrying},
	StatusFailed:   {StatusRetrying},
	StatusRetrying: {StatusRunning, StatusCancelled},
}

// CanTransition reports whether the state machine permits from -> to.
// FAILED -> RETRYING is only taken before a failed attempt is published.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Priority orders executions in the queue. Higher values dequeue first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

// Priorities lists every priority from highest to lowest.
var Priorities = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the four known priorities
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

// ParsePriority accepts a priority name; the empty string means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return 0, NewError(ErrValidation, "parse priority", fmt.Errorf("unknown priority %q", s))
}

// OutputFormat selects how captured text is post-processed
type OutputFormat string

const (
	FormatRaw        OutputFormat = "raw"
	FormatJSON       OutputFormat = "json"
	FormatStructured OutputFormat = "structured"
	FormatFiltered   OutputFormat = "filtered"
)
