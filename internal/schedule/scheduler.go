// Package schedule runs recurring jobs cooperatively from the runtime loop.
//
// Jobs never fire from a timer of their own: the owner calls RunPending on
// every tick. A job that is due fires at most once per call, missed
// firings collapse into one, and a job found more than the stale window
// past its due time is skipped for that cycle instead of running late.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/keepmind9/miraibot/internal/errs"
	"github.com/keepmind9/miraibot/internal/logger"
	"github.com/sirupsen/logrus"
)

// DefaultStaleWindow matches the default runtime tick
const DefaultStaleWindow = 500 * time.Millisecond

// Scheduler owns a set of jobs
type Scheduler struct {
	mu    sync.Mutex
	jobs  []*Job
	stale time.Duration
	now   func() time.Time
}

// Option configures a scheduler
type Option func(*Scheduler)

// WithStaleWindow sets how late a due job may be picked up and still run
func WithStaleWindow(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.stale = d
		}
	}
}

// WithClock replaces time.Now for registration
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty scheduler
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		stale: DefaultStaleWindow,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Every starts building a job that repeats every n units
func (s *Scheduler) Every(n int) *Job {
	return &Job{s: s, interval: n}
}

// Cron starts building a job driven by a cron expression. Cron jobs
// ignore the interval builders.
func (s *Scheduler) Cron(expr string) *Job {
	return &Job{s: s, cron: expr}
}

func (s *Scheduler) add(j *Job) error {
	now := s.now()
	next, err := j.first(now)
	if err != nil {
		return fmt.Errorf("job %q: %w", j.name, err)
	}

	s.mu.Lock()
	j.nextRun = next
	s.jobs = append(s.jobs, j)
	s.mu.Unlock()

	logger.ForComponent("scheduler").WithFields(logrus.Fields{
		"job":      j.name,
		"next_run": next.Format(time.RFC3339),
	}).Info("job-registered")
	return nil
}

// Cancel removes j. It returns false when j is not registered.
func (s *Scheduler) Cancel(j *Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, job := range s.jobs {
		if job == j {
			s.jobs = append(s.jobs[:i:i], s.jobs[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered jobs
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Jobs returns a snapshot of the registered jobs
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobInfo{Name: j.name, LastRun: j.lastRun, NextRun: j.nextRun})
	}
	return out
}

// RunPending fires every job due at now, in registration order, on the
// calling goroutine. It returns the number of jobs that ran. Job errors
// and panics are logged and never stop the remaining jobs.
func (s *Scheduler) RunPending(ctx context.Context, now time.Time) int {
	log := logger.ForComponent("scheduler")

	s.mu.Lock()
	var due []*Job
	for _, j := range s.jobs {
		if now.Before(j.nextRun) {
			continue
		}

		late := now.Sub(j.nextRun)
		if late > s.stale {
			log.WithFields(logrus.Fields{
				"job":      j.name,
				"next_run": j.nextRun.Format(time.RFC3339),
				"late":     late.String(),
			}).Warn("job-missed")
		} else {
			j.lastRun = now
			due = append(due, j)
		}

		next, err := j.advance(j.nextRun, now)
		if err != nil {
			log.WithFields(logrus.Fields{"job": j.name, "error": err}).Error("failed-to-compute-next-run")
			next = now.Add(s.stale)
		}
		j.nextRun = next
	}
	s.mu.Unlock()

	for _, j := range due {
		if err := j.call(ctx); err != nil {
			log.WithFields(logrus.Fields{
				"job":   j.name,
				"error": err,
			}).Error("job-failed")
		}
	}
	return len(due)
}

func (j *Job) call(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errs.DispatchError{Handler: j.name, Kind: "job", Panic: r}
		}
	}()
	return j.fn(ctx)
}

// Run calls RunPending every tick until ctx is done
func (s *Scheduler) Run(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case now := <-ticker.C:
			s.RunPending(ctx, now)
		}
	}
}
