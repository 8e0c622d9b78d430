// Package executor turns submitted commands into terminal execution records.
//
// A fixed pool of workers pulls from the priority queue, dispatches to the
// session backend bound to the execution's session, and drives the record
// through the status state machine with per-attempt timeouts and retries.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/cursor-bridge/internal/execution"
	"github.com/hochfrequenz/cursor-bridge/internal/metrics"
	"github.com/hochfrequenz/cursor-bridge/internal/queue"
	"github.com/hochfrequenz/cursor-bridge/internal/session"
)

// Retry backoff strategies
const (
	BackoffConstant = "constant"
	BackoffLinear   = "linear"
)

const (
	defaultRetained = 1000
	saveTimeout     = 5 * time.Second
)

// HistoryStore persists execution snapshots. SaveExecution must be an upsert
// keyed on the execution id.
type HistoryStore interface {
	SaveExecution(ctx context.Context, e execution.CommandExecution) error
}

// StatusCallback is invoked with a snapshot after every status change
type StatusCallback func(e execution.CommandExecution)

// OutputCallback is invoked with streamed output of a running execution
type OutputCallback func(executionID, stream, data string)

// Config holds sizing and security limits
type Config struct {
	Workers               int
	MaxConcurrent         int
	CommandTimeoutCeiling time.Duration
	MaxOutputSize         int
	RetryBackoff          string
	// Retained bounds how many finished executions stay available to Get
	Retained int
}

// Option configures an Executor
type Option func(*Executor)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(x *Executor) {
		if logger != nil {
			x.logger = logger.Named("executor")
		}
	}
}

// WithMetrics records executions into m
func WithMetrics(m *metrics.Metrics) Option {
	return func(x *Executor) { x.metrics = m }
}

// WithPolicy sets the initial command policy
func WithPolicy(p *Policy) Option {
	return func(x *Executor) { x.policy.Store(p) }
}

// WithStatusCallback registers a status change callback
func WithStatusCallback(cb StatusCallback) Option {
	return func(x *Executor) { x.onStatus = cb }
}

// WithOutputCallback registers a streamed output callback
func WithOutputCallback(cb OutputCallback) Option {
	return func(x *Executor) { x.onOutput = cb }
}

// Stats combines executor counters with a queue snapshot
type Stats struct {
	Executions execution.Stats
	Queue      queue.Stats
	Workers    int
}

// Map flattens the stats for JSON payloads
func (s Stats) Map() map[string]any {
	m := s.Executions.Map()
	m["queue"] = s.Queue.Map()
	m["workers"] = s.Workers
	return m
}

type entry struct {
	exec    *execution.CommandExecution
	binding session.Binding
	done    chan struct{}

	cancelRequested bool
	wake            chan struct{} // closed to interrupt a retry backoff
}

// Executor owns the worker pool and every live execution record
type Executor struct {
	cfg      Config
	registry *session.Registry
	history  HistoryStore
	queue    *queue.Queue
	logger   *zap.Logger
	metrics  *metrics.Metrics
	policy   atomic.Pointer[Policy]
	onStatus StatusCallback
	onOutput OutputCallback

	mu       sync.Mutex
	entries  map[string]*entry
	finished []string
	active   int
	stopped  bool
	drained  chan struct{}

	total         int
	successful    int
	failed        int
	ended         int
	totalDuration time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates an executor. history may be nil.
func New(cfg Config, registry *session.Registry, history HistoryStore, opts ...Option) *Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = cfg.MaxConcurrent
	}
	if cfg.RetryBackoff == "" {
		cfg.RetryBackoff = BackoffConstant
	}
	if cfg.Retained <= 0 {
		cfg.Retained = defaultRetained
	}

	x := &Executor{
		cfg:      cfg,
		registry: registry,
		history:  history,
		queue:    queue.New(cfg.MaxConcurrent),
		logger:   zap.NewNop(),
		entries:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(x)
	}

	x.metrics.SetSlotsAvailable(cfg.MaxConcurrent)
	x.queue.SetOnSlotsChanged(func(available int) {
		x.metrics.SetSlotsAvailable(available)
		x.metrics.SetQueueDepth(x.queue.Stats().Buckets)
	})
	return x
}

// SetPolicy replaces the command policy for subsequent submissions
func (x *Executor) SetPolicy(p *Policy) {
	x.policy.Store(p)
}

// Start launches the worker pool. Workers run until Stop or until ctx is
// cancelled.
func (x *Executor) Start(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.stopped {
		return execution.NewError(execution.ErrExecutorStopped, "start", nil)
	}
	if x.group != nil {
		return errors.New("executor already started")
	}

	x.ctx, x.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(x.ctx)
	for i := 0; i < x.cfg.Workers; i++ {
		g.Go(func() error {
			return x.work(gctx)
		})
	}
	x.group = g

	x.logger.Info("executor started",
		zap.Int("workers", x.cfg.Workers),
		zap.Int("max_concurrent", x.cfg.MaxConcurrent))
	return nil
}

// ExecuteCommand validates and enqueues command for sessionName and returns
// the PENDING snapshot. An unknown session yields a FAILED snapshot that is
// recorded in history but never queued, together with an error wrapping
// ErrSessionNotFound.
func (x *Executor) ExecuteCommand(ctx context.Context, sessionName, command string, opts execution.Options) (execution.CommandExecution, error) {
	if err := x.validate(command, opts); err != nil {
		return execution.CommandExecution{}, err
	}

	binding, err := x.resolve(ctx, sessionName)
	if err != nil {
		return x.rejectMissing(ctx, sessionName, command, opts, err), err
	}

	return x.submit(sessionName, command, opts, binding)
}

// ExecuteBatch validates every command, then submits them in order against
// one session. It returns once all members are queued.
func (x *Executor) ExecuteBatch(ctx context.Context, sessionName string, commands []string, opts execution.Options) (*execution.Batch, error) {
	if len(commands) == 0 {
		return nil, execution.Validationf("batch has no commands")
	}
	for _, command := range commands {
		if err := x.validate(command, opts); err != nil {
			return nil, err
		}
	}

	binding, err := x.resolve(ctx, sessionName)
	if err != nil {
		return nil, err
	}

	batch := execution.NewBatch(sessionName)
	for _, command := range commands {
		snap, err := x.submit(sessionName, command, opts, binding)
		if err != nil {
			return batch, err
		}
		batch.Executions = append(batch.Executions, snap)
	}
	return batch, nil
}

func (x *Executor) validate(command string, opts execution.Options) error {
	x.mu.Lock()
	stopped := x.stopped
	x.mu.Unlock()
	if stopped {
		return execution.NewError(execution.ErrExecutorStopped, "execute", nil)
	}
	if strings.TrimSpace(command) == "" {
		return execution.Validationf("command must not be empty")
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	if x.cfg.CommandTimeoutCeiling > 0 && opts.Timeout > x.cfg.CommandTimeoutCeiling {
		return execution.Validationf("timeout %s exceeds the configured limit of %s", opts.Timeout, x.cfg.CommandTimeoutCeiling)
	}
	return x.policy.Load().Check(command, opts.WorkingDirectory)
}

// resolve finds the binding for sessionName and asks its backend whether the
// session is present. A backend that cannot answer is not treated as a
// missing session; the dispatch reports the failure instead.
func (x *Executor) resolve(ctx context.Context, sessionName string) (session.Binding, error) {
	binding, err := x.registry.Lookup(sessionName)
	if err != nil {
		return session.Binding{}, err
	}
	info, err := binding.Backend.GetSessionInfo(ctx, binding.Session)
	if err != nil {
		x.logger.Warn("session probe failed", zap.String("session", sessionName), zap.Error(err))
		return binding, nil
	}
	if info != nil && !info.Exists {
		return session.Binding{}, execution.SessionNotFound(sessionName)
	}
	return binding, nil
}

func (x *Executor) rejectMissing(ctx context.Context, sessionName, command string, opts execution.Options, cause error) execution.CommandExecution {
	e := execution.New(execution.NewContext(sessionName), command, opts)
	now := time.Now()
	e.Status = execution.StatusFailed
	e.StartedAt = &now
	e.CompletedAt = &now
	e.SetExitCode(execution.ExitCodeFailure)
	e.Stderr = cause.Error()
	e.ErrorMessage = cause.Error()
	snap := e.Clone()

	x.mu.Lock()
	x.total++
	x.failed++
	x.ended++
	x.mu.Unlock()

	x.metrics.RecordBackendCall("registry", "not_found")
	x.metrics.RecordExecution(snap.Status, 0)
	x.logger.Info("session not found", zap.String("session", sessionName), zap.String("execution_id", snap.ID()))
	x.save(ctx, snap)
	x.notify(snap)
	return snap
}

func (x *Executor) submit(sessionName, command string, opts execution.Options, binding session.Binding) (execution.CommandExecution, error) {
	e := execution.New(execution.NewContext(sessionName), command, opts)
	ent := &entry{exec: e, binding: binding, done: make(chan struct{})}

	x.mu.Lock()
	if x.stopped {
		x.mu.Unlock()
		return execution.CommandExecution{}, execution.NewError(execution.ErrExecutorStopped, "execute", nil)
	}
	if err := x.queue.Enqueue(e); err != nil {
		x.mu.Unlock()
		return execution.CommandExecution{}, err
	}
	x.entries[e.ID()] = ent
	x.total++
	x.active++
	snap := e.Clone()
	x.mu.Unlock()

	x.metrics.SetQueueDepth(x.queue.Stats().Buckets)
	x.logger.Debug("execution queued",
		zap.String("execution_id", snap.ID()),
		zap.String("session", sessionName),
		zap.String("priority", opts.Priority.String()))
	x.notify(snap)
	return snap, nil
}

func (x *Executor) work(ctx context.Context) error {
	for {
		e, err := x.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		x.metrics.SetQueueDepth(x.queue.Stats().Buckets)

		x.mu.Lock()
		ent := x.entries[e.ID()]
		x.mu.Unlock()
		if ent != nil {
			x.process(ctx, ent)
		}
		x.queue.Done(e.ID())
	}
}

// process runs every attempt of one execution until it reaches a terminal
// status
func (x *Executor) process(ctx context.Context, ent *entry) {
	e := ent.exec
	for attempt := 1; ; attempt++ {
		x.mu.Lock()
		if ent.cancelRequested || ctx.Err() != nil {
			snap := x.finishLocked(ent, execution.StatusCancelled, nil, "cancelled")
			x.mu.Unlock()
			x.publish(snap)
			return
		}
		x.transitionLocked(e, execution.StatusRunning)
		if e.StartedAt == nil {
			now := time.Now()
			e.StartedAt = &now
		}
		snap := e.Clone()
		x.mu.Unlock()
		x.publish(snap)

		result, err := x.dispatch(ctx, ent)

		x.mu.Lock()
		if result != nil {
			e.Attempts = append(e.Attempts, *result)
		}
		switch {
		case ent.cancelRequested, err != nil && ctx.Err() != nil:
			snap = x.finishLocked(ent, execution.StatusCancelled, result, "cancelled")
		case err == nil:
			snap = x.finishLocked(ent, execution.StatusCompleted, result, "")
		case e.RetryAttempts < e.Options.RetryCount:
			x.transitionLocked(e, execution.StatusRetrying)
			e.RetryAttempts++
			e.ErrorMessage = err.Error()
			ent.wake = make(chan struct{})
			wake := ent.wake
			snap = e.Clone()
			x.mu.Unlock()

			x.metrics.IncRetries()
			x.logger.Info("retrying execution",
				zap.String("execution_id", e.ID()),
				zap.Int("attempt", attempt),
				zap.Error(err))
			x.publish(snap)
			x.backoff(ctx, wake, x.retryDelay(e.Options.RetryDelay, attempt))
			continue
		default:
			status := execution.StatusFailed
			if errors.Is(err, execution.ErrTimeoutExceeded) {
				status = execution.StatusTimeout
			}
			if e.RetryAttempts > 0 {
				err = execution.NewError(execution.ErrRetryExhausted,
					fmt.Sprintf("after %d retries", e.RetryAttempts), err)
			}
			snap = x.finishLocked(ent, status, result, err.Error())
		}
		x.mu.Unlock()
		x.publish(snap)
		return
	}
}

func (x *Executor) backoff(ctx context.Context, wake <-chan struct{}, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-wake:
	case <-ctx.Done():
	}
}

func (x *Executor) retryDelay(base time.Duration, attempt int) time.Duration {
	if x.cfg.RetryBackoff == BackoffLinear {
		return base * time.Duration(attempt)
	}
	return base
}

// dispatch performs one bounded backend call. Backend panics are reported as
// dispatch failures.
func (x *Executor) dispatch(ctx context.Context, ent *entry) (result *execution.CommandResult, err error) {
	e := ent.exec
	backend := ent.binding.Backend
	kind := string(backend.Kind())

	attemptCtx, cancel := context.WithTimeout(ctx, e.Options.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			x.logger.Error("backend panic", zap.String("execution_id", e.ID()), zap.Any("panic", r))
			result = nil
			err = execution.NewError(execution.ErrBackendDispatch, "execute", fmt.Errorf("backend panic: %v", r))
		}
		x.metrics.RecordBackendCall(kind, callResult(err))
	}()

	req := session.Request{
		Command:          e.Command,
		Window:           ent.binding.Window,
		WorkingDirectory: e.Options.WorkingDirectory,
		Environment:      e.Options.Environment,
		Stream:           e.Options.StreamOutput,
	}
	if e.Options.StreamOutput && x.onOutput != nil {
		id := e.ID()
		req.OnOutput = func(stream, data string) {
			x.onOutput(id, stream, data)
		}
	}

	result, err = backend.ExecuteCommand(attemptCtx, ent.binding.Session, req)
	if err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && !errors.Is(err, execution.ErrTimeoutExceeded) {
			err = execution.NewError(execution.ErrTimeoutExceeded, "execute",
				fmt.Errorf("command timed out after %s: %w", e.Options.Timeout, err))
		}
		return result, err
	}
	if result == nil {
		return nil, execution.NewError(execution.ErrBackendDispatch, "execute", errors.New("backend returned no result"))
	}
	return result, nil
}

func callResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, execution.ErrTimeoutExceeded):
		return "timeout"
	case errors.Is(err, execution.ErrSessionNotFound):
		return "not_found"
	}
	return "error"
}

func (x *Executor) transitionLocked(e *execution.CommandExecution, to execution.Status) {
	if !execution.CanTransition(e.Status, to) {
		x.logger.Warn("unexpected status transition",
			zap.String("execution_id", e.ID()),
			zap.String("from", string(e.Status)),
			zap.String("to", string(to)))
	}
	e.Status = to
}

// finishLocked moves ent to a terminal status, fills in the outcome and
// returns the snapshot to publish. x.mu must be held.
func (x *Executor) finishLocked(ent *entry, status execution.Status, result *execution.CommandResult, message string) execution.CommandExecution {
	e := ent.exec
	x.transitionLocked(e, status)

	now := time.Now()
	if e.StartedAt == nil {
		e.StartedAt = &now
	}
	e.CompletedAt = &now

	if result != nil {
		x.applyOutput(e, result)
	}

	switch status {
	case execution.StatusCompleted:
		exitCode := execution.ExitCodeFailure
		if result != nil {
			exitCode = result.ExitCode
		}
		e.SetExitCode(exitCode)
		if message == "" && !e.Truncated {
			e.ErrorMessage = ""
		}
	case execution.StatusTimeout:
		e.SetExitCode(execution.ExitCodeTimeout)
	case execution.StatusCancelled:
		e.SetExitCode(execution.ExitCodeCancelled)
	default:
		e.SetExitCode(execution.ExitCodeFailure)
	}
	if message != "" {
		e.ErrorMessage = message
		if status != execution.StatusCompleted && e.Stderr == "" {
			e.Stderr = message
		}
	}

	x.active--
	switch {
	case e.IsSuccessful():
		x.successful++
	case status == execution.StatusCancelled:
		// counts toward neither outcome
	default:
		x.failed++
	}
	d, _ := e.Duration()
	x.ended++
	x.totalDuration += d

	close(ent.done)
	x.retainLocked(e.ID())
	if x.drained != nil && x.active == 0 {
		close(x.drained)
		x.drained = nil
	}

	x.metrics.RecordExecution(status, d)
	x.logger.Info("execution finished",
		zap.String("execution_id", e.ID()),
		zap.String("session", e.Context.SessionName),
		zap.String("status", string(status)),
		zap.Int("exit_code", *e.ExitCode),
		zap.Int("retry_attempts", e.RetryAttempts),
		zap.Duration("duration", d))
	return e.Clone()
}

// applyOutput copies the captured streams onto e, honouring the capture,
// format and size options
func (x *Executor) applyOutput(e *execution.CommandExecution, result *execution.CommandResult) {
	if !e.Options.CaptureOutput {
		e.Stdout, e.Stderr = "", ""
		return
	}
	stdout, stderr := result.Stdout, result.Stderr
	if e.Options.OutputFormat == execution.FormatFiltered {
		stdout, stderr = dropBlankLines(stdout), dropBlankLines(stderr)
	}

	limit := outputLimit(e.Options.MaxOutputSize, x.cfg.MaxOutputSize)
	var cut bool
	stdout, cut = execution.Truncate(stdout, limit)
	e.Truncated = e.Truncated || cut || result.Truncated
	stderr, cut = execution.Truncate(stderr, limit)
	e.Truncated = e.Truncated || cut

	e.Stdout, e.Stderr = stdout, stderr
	if e.Truncated {
		x.metrics.IncTruncated()
		e.ErrorMessage = execution.NewError(execution.ErrOutputTruncated, "capture",
			fmt.Errorf("output exceeded %d bytes", limit)).Error()
	}
}

func outputLimit(requested, ceiling int) int {
	switch {
	case requested <= 0:
		return ceiling
	case ceiling <= 0:
		return requested
	case requested < ceiling:
		return requested
	}
	return ceiling
}

// truncate cuts s to at most limit bytes without splitting a rune
func dropBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func (x *Executor) retainLocked(id string) {
	x.finished = append(x.finished, id)
	if len(x.finished) <= x.cfg.Retained {
		return
	}
	oldest := x.finished[0]
	x.finished = x.finished[1:]
	delete(x.entries, oldest)
}

func (x *Executor) publish(snap execution.CommandExecution) {
	x.save(context.Background(), snap)
	x.notify(snap)
}

func (x *Executor) save(ctx context.Context, snap execution.CommandExecution) {
	if x.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := x.history.SaveExecution(ctx, snap); err != nil {
		x.logger.Warn("saving execution failed", zap.String("execution_id", snap.ID()), zap.Error(err))
	}
}

func (x *Executor) notify(snap execution.CommandExecution) {
	if x.onStatus != nil {
		x.onStatus(snap)
	}
}

// Get returns a snapshot of a live or recently finished execution
func (x *Executor) Get(id string) (execution.CommandExecution, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	ent, ok := x.entries[id]
	if !ok {
		return execution.CommandExecution{}, execution.NewError(execution.ErrNotFound, "get", fmt.Errorf("execution %s", id))
	}
	return ent.exec.Clone(), nil
}

// Wait blocks until the execution is terminal or ctx is done
func (x *Executor) Wait(ctx context.Context, id string) (execution.CommandExecution, error) {
	x.mu.Lock()
	ent, ok := x.entries[id]
	x.mu.Unlock()
	if !ok {
		return execution.CommandExecution{}, execution.NewError(execution.ErrNotFound, "wait", fmt.Errorf("execution %s", id))
	}

	select {
	case <-ent.done:
	case <-ctx.Done():
		return x.snapshot(ent), ctx.Err()
	}
	return x.snapshot(ent), nil
}

func (x *Executor) snapshot(ent *entry) execution.CommandExecution {
	x.mu.Lock()
	defer x.mu.Unlock()
	return ent.exec.Clone()
}

// WaitBatch waits for every member of b and refreshes b.Executions in place
func (x *Executor) WaitBatch(ctx context.Context, b *execution.Batch) error {
	for i := range b.Executions {
		snap, err := x.Wait(ctx, b.Executions[i].ID())
		if err != nil {
			if errors.Is(err, execution.ErrNotFound) {
				continue
			}
			return err
		}
		b.Executions[i] = snap
	}
	return nil
}

// Cancel requests cancellation. A queued execution is removed and cancelled
// at once. A running one is marked and becomes CANCELLED when its in-flight
// backend call returns; no further attempt is made. A retry backoff is cut
// short. Cancelling a terminal execution is a no-op.
func (x *Executor) Cancel(id string) error {
	x.mu.Lock()
	ent, ok := x.entries[id]
	if !ok {
		x.mu.Unlock()
		return execution.NewError(execution.ErrNotFound, "cancel", fmt.Errorf("execution %s", id))
	}

	e := ent.exec
	switch e.Status {
	case execution.StatusPending:
		if x.queue.Remove(id) {
			snap := x.finishLocked(ent, execution.StatusCancelled, nil, "cancelled")
			x.mu.Unlock()
			x.metrics.SetQueueDepth(x.queue.Stats().Buckets)
			x.publish(snap)
			return nil
		}
		// dequeued but not yet running; the worker sees the flag
		ent.cancelRequested = true
	case execution.StatusRunning:
		ent.cancelRequested = true
	case execution.StatusRetrying:
		ent.cancelRequested = true
		if ent.wake != nil {
			close(ent.wake)
			ent.wake = nil
		}
	}
	x.mu.Unlock()
	return nil
}

// Stats returns executor counters combined with the queue snapshot
func (x *Executor) Stats() Stats {
	qs := x.queue.Stats()

	x.mu.Lock()
	defer x.mu.Unlock()

	s := execution.Stats{
		TotalExecutions:      x.total,
		ActiveExecutions:     x.active,
		SuccessfulExecutions: x.successful,
		FailedExecutions:     x.failed,
	}
	if done := x.successful + x.failed; done > 0 {
		s.SuccessRate = float64(x.successful) / float64(done)
	}
	if x.ended > 0 {
		s.AverageExecutionTime = x.totalDuration / time.Duration(x.ended)
	}
	return Stats{Executions: s, Queue: qs, Workers: x.cfg.Workers}
}

// Stop refuses new submissions, waits up to grace for queued and running
// executions to finish, then cancels whatever remains and waits for the
// workers to exit.
func (x *Executor) Stop(grace time.Duration) error {
	x.mu.Lock()
	if x.stopped {
		x.mu.Unlock()
		return nil
	}
	x.stopped = true
	cancel, group := x.cancel, x.group
	var drained chan struct{}
	if x.active > 0 && group != nil {
		drained = make(chan struct{})
		x.drained = drained
	}
	x.mu.Unlock()

	if drained != nil && grace > 0 {
		timer := time.NewTimer(grace)
		select {
		case <-drained:
		case <-timer.C:
			x.logger.Warn("shutdown grace expired", zap.Duration("grace", grace))
		}
		timer.Stop()
	}

	if cancel != nil {
		cancel()
	}

	var snaps []execution.CommandExecution
	x.mu.Lock()
	for _, e := range x.queue.Drain() {
		if ent, ok := x.entries[e.ID()]; ok && !e.Status.IsTerminal() {
			snaps = append(snaps, x.finishLocked(ent, execution.StatusCancelled, nil, "executor stopped"))
		}
	}
	x.drained = nil
	x.mu.Unlock()
	for _, snap := range snaps {
		x.publish(snap)
	}

	x.queue.Close()

	var err error
	if group != nil {
		err = group.Wait()
	}
	x.logger.Info("executor stopped", zap.Int("cancelled", len(snaps)))
	return err
}
