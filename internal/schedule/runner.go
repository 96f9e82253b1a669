package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"fieldroute/internal/logger"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateSpec reports whether expr is a usable 5-field cron expression.
func ValidateSpec(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Runner triggers recurring generation for every tenant on a cron schedule.
type Runner struct {
	sched   *Scheduler
	cron    *cron.Cron
	horizon int
	timeout time.Duration
	log     *logger.Logger

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
}

func NewRunner(s *Scheduler, spec string, horizonDays int, log *logger.Logger) (*Runner, error) {
	if err := ValidateSpec(spec); err != nil {
		return nil, err
	}
	l := logger.Or(log).WithField("component", "recurring_runner")
	r := &Runner{sched: s, horizon: horizonDays, timeout: 5 * time.Minute, log: l}
	r.cron = cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(l))),
	)
	if _, err := r.cron.AddFunc(spec, r.tick); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Runner) Start() { r.cron.Start() }

// Stop halts the schedule and waits for a running job to finish or ctx to end.
func (r *Runner) Stop(ctx context.Context) {
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (r *Runner) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if _, err := r.RunOnce(ctx); err != nil {
		r.log.WithError(err).Error("recurring generation failed")
	}
}

// RunOnce generates occurrences for every tenant. A failing tenant does not stop the others.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	tenants, err := r.sched.Store.ListTenants(ctx)
	if err != nil {
		r.record(err)
		return 0, fmt.Errorf("list tenants: %w", err)
	}
	asOf := r.sched.now()
	total := 0
	var errs []error
	for _, t := range tenants {
		created, err := r.sched.GenerateRecurringOccurrences(ctx, t, asOf, r.horizon)
		total += len(created)
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", t, err))
		}
	}
	err = errors.Join(errs...)
	r.record(err)
	r.log.WithFields(map[string]interface{}{
		"tenants": len(tenants),
		"created": total,
	}).Info("recurring run finished")
	return total, err
}

func (r *Runner) record(err error) {
	r.mu.Lock()
	r.lastRun = time.Now().UTC()
	r.lastErr = err
	r.mu.Unlock()
}

// LastRun returns when RunOnce last finished and its error.
func (r *Runner) LastRun() (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRun, r.lastErr
}
