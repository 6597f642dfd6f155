// Package scheduler implements the cooperative multi-interval task loop.
//
// All tasks run on the caller's goroutine, time-sliced by a polling tick
// derived from the smallest registered interval. There is no parallelism and
// no locking: tasks are expected to be short and non-blocking.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var ErrBadInterval = errors.New("task interval must be positive")
var ErrNilCallback = errors.New("task callback is nil")
var ErrNoStopPredicate = errors.New("no stop predicate declared")
var ErrNoTasks = errors.New("no tasks declared")

// tickDivider bounds worst-case scheduling jitter to a tenth of the
// tightest task's period.
const tickDivider = 10

// stopCheckInterval caps how often the stop predicate runs.
const stopCheckInterval = time.Second

type task struct {
	name     string
	fn       func(context.Context) error
	interval time.Duration
	lastRun  time.Time
	runs     int64
	errs     int64
}

// Scheduler runs N independent callbacks, each at its own interval, inside
// one blocking loop, until the stop predicate returns true.
type Scheduler struct {
	logger *zap.SugaredLogger
	tasks  []*task
	stop   func() (bool, error)
}

// New creates an empty scheduler.
func New(logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{logger: logger}
}

// DeclareTask registers a callback to run every interval. Tasks run in
// declaration order within a tick. Parameters travel in the closure.
func (s *Scheduler) DeclareTask(name string, interval time.Duration, fn func(context.Context) error) error {
	if interval <= 0 {
		return fmt.Errorf("task %q: %w", name, ErrBadInterval)
	}
	if fn == nil {
		return fmt.Errorf("task %q: %w", name, ErrNilCallback)
	}
	s.tasks = append(s.tasks, &task{name: name, fn: fn, interval: interval})
	return nil
}

// DeclareStopPredicate registers the single termination oracle. Declaring it
// again replaces the previous one.
func (s *Scheduler) DeclareStopPredicate(fn func() (bool, error)) {
	s.stop = fn
}

// TaskNames returns the names of the registered tasks in declaration order.
func (s *Scheduler) TaskNames() []string {
	names := make([]string, 0, len(s.tasks))
	for _, t := range s.tasks {
		names = append(names, t.name)
	}
	return names
}

// Run blocks until the stop predicate returns true, the predicate fails, or
// the context is canceled. A failing task is logged and the loop continues;
// a failing predicate is fatal since there is no termination oracle left.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.stop == nil {
		return ErrNoStopPredicate
	}
	tick := s.minInterval() / tickDivider
	if tick <= 0 {
		return ErrNoTasks
	}

	limiter := rate.NewLimiter(rate.Every(stopCheckInterval), 1)
	s.logger.Infof("scheduler started: %d tasks, tick %s", len(s.tasks), tick)

	for {
		now := time.Now()
		for _, t := range s.tasks {
			if t.lastRun.IsZero() || now.Sub(t.lastRun) > t.interval {
				s.runTask(ctx, t)
				t.lastRun = now
			}
		}

		if limiter.Allow() {
			done, err := s.stop()
			if err != nil {
				return fmt.Errorf("stop predicate: %w", err)
			}
			if done {
				s.logger.Info("scheduler stopping: stop predicate satisfied")
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(tick):
		}
	}
}

func (s *Scheduler) minInterval() time.Duration {
	var min time.Duration
	for _, t := range s.tasks {
		if min == 0 || t.interval < min {
			min = t.interval
		}
	}
	return min
}

func (s *Scheduler) runTask(ctx context.Context, t *task) {
	defer func() {
		if r := recover(); r != nil {
			t.errs++
			s.logger.Errorf("task %s panicked: %v", t.name, r)
		}
	}()

	if err := t.fn(ctx); err != nil {
		t.errs++
		s.logger.Errorf("task %s: %v", t.name, err)
		return
	}
	t.runs++
}
