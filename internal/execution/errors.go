package execution

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	ErrValidation         = errors.New("validation error")
	ErrSessionNotFound    = errors.New("session not found")
	ErrBackendDispatch    = errors.New("backend dispatch failed")
	ErrTimeoutExceeded    = errors.New("timeout exceeded")
	ErrRetryExhausted     = errors.New("retries exhausted")
	ErrOutputTruncated    = errors.New("output truncated")
	ErrDuplicateExecution = errors.New("duplicate execution")
	ErrExecutorStopped    = errors.New("executor stopped")
	ErrNotFound           = errors.New("execution not found")
)

// Exit codes reported for failures the backend never saw a status for.
const (
	ExitCodeFailure   = 1
	ExitCodeTimeout   = 124
	ExitCodeCancelled = 130
)

// Error carries an error kind together with the operation that failed
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Op == "":
		return e.Err.Error()
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the error kind as well as anything in the wrapped chain.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

// NewError builds an Error of the given kind
func NewError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validationf returns a validation error with a formatted message
func Validationf(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Err: fmt.Errorf(format, args...)}
}

// SessionNotFound returns the error reported for an absent session
func SessionNotFound(name string) error {
	return &Error{Kind: ErrSessionNotFound, Err: fmt.Errorf("session '%s' not found", name)}
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsSessionNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeoutExceeded)
}

// KindOf returns the first known kind found in err's chain, or nil.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrValidation, ErrSessionNotFound, ErrTimeoutExceeded, ErrBackendDispatch,
		ErrRetryExhausted, ErrOutputTruncated, ErrDuplicateExecution,
		ErrExecutorStopped, ErrNotFound,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
