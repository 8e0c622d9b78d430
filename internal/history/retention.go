package history

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultRetentionSchedule prunes once a day at 03:00
const DefaultRetentionSchedule = "0 3 * * *"

// Retention periodically prunes records older than a maximum age
type Retention struct {
	store  *Store
	maxAge time.Duration
	cron   *cron.Cron
	logger *zap.Logger
	now    func() time.Time
}

// ParseSchedule parses a standard five-field cron expression
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// NewRetention validates the schedule and prepares the job. It does nothing
// until Start.
func NewRetention(store *Store, schedule string, maxAge time.Duration, logger *zap.Logger) (*Retention, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive, got %s", maxAge)
	}
	if schedule == "" {
		schedule = DefaultRetentionSchedule
	}
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, fmt.Errorf("parsing retention schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Retention{
		store:  store,
		maxAge: maxAge,
		cron:   cron.New(),
		logger: logger.Named("retention"),
		now:    time.Now,
	}
	r.cron.Schedule(sched, cron.FuncJob(func() {
		if _, err := r.RunOnce(context.Background()); err != nil {
			r.logger.Error("prune failed", zap.Error(err))
		}
	}))
	return r, nil
}

// RunOnce prunes immediately and returns the number of deleted records
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.maxAge)
	n, err := r.store.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("pruned history", zap.Int64("records", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// Start runs the schedule in the background
func (r *Retention) Start() {
	r.cron.Start()
}

// Stop halts the schedule and waits for a running prune to finish
func (r *Retention) Stop() {
	<-r.cron.Stop().Done()
}
