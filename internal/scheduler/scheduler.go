// Package scheduler runs the settlement sweeps: independently timed,
// idempotent passes that move orders, payments and withdrawals forward
// when nobody else will.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/settle/internal/apperr"
	"github.com/mbd888/settle/internal/logging"
	"github.com/mbd888/settle/internal/metrics"
	"github.com/mbd888/settle/internal/traces"
)

// Task is one sweep. Run returns how many items it acted on. Items that
// fail are logged and left for the next tick; Run returns an error only
// when the sweep could not run at all.
type Task interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context) (int, error)
}

type entry struct {
	task Task
	mu   sync.Mutex // one run of a task at a time
}

// Scheduler runs each task on its own ticker.
type Scheduler struct {
	entries  map[string]*entry
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	running  atomic.Int32
}

// New creates a scheduler for tasks. Task names must be unique.
func New(logger *slog.Logger, tasks ...Task) *Scheduler {
	s := &Scheduler{
		entries: make(map[string]*entry, len(tasks)),
		logger:  logging.Component(logger, "scheduler"),
		stop:    make(chan struct{}),
	}
	for _, t := range tasks {
		s.entries[t.Name()] = &entry{task: t}
	}
	return s
}

// Start launches one loop per task and returns.
func (s *Scheduler) Start(ctx context.Context) {
	for _, e := range s.entries {
		s.wg.Add(1)
		go s.loop(ctx, e)
	}
	s.logger.Info("scheduler started", "tasks", s.Names())
}

// Stop signals every loop to exit. It does not wait; use Wait.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Wait blocks until every loop has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Running reports whether any task loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load() > 0
}

// Names lists the registered tasks in name order.
func (s *Scheduler) Names() []string {
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Intervals maps each task to its tick interval.
func (s *Scheduler) Intervals() map[string]time.Duration {
	out := make(map[string]time.Duration, len(s.entries))
	for name, e := range s.entries {
		out[name] = e.task.Interval()
	}
	return out
}

// RunOnce runs the named task now, outside its schedule. It waits for a
// tick already in progress to finish.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (int, error) {
	e, ok := s.entries[name]
	if !ok {
		return 0, apperr.NotFound("unknown sweep %q", name)
	}
	return s.safeRun(ctx, e)
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()
	s.running.Add(1)
	defer s.running.Add(-1)

	ticker := time.NewTicker(e.task.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			_, _ = s.safeRun(ctx, e)
		}
	}
}

func (s *Scheduler) safeRun(ctx context.Context, e *entry) (n int, err error) {
	name := e.task.Name()
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := traces.StartSpan(ctx, "scheduler."+name, traces.Task(name))
	start := time.Now()
	defer func() {
		result := "ok"
		if r := recover(); r != nil {
			err = fmt.Errorf("sweep %s panicked: %v", name, r)
			result = "panic"
		} else if err != nil {
			result = "error"
		}
		traces.End(span, err)
		metrics.SweepRunsTotal.WithLabelValues(name, result).Inc()
		metrics.SweepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

		switch {
		case err != nil:
			s.logger.Error("sweep failed", "task", name, "error", err)
		case n > 0:
			s.logger.Info("sweep finished", "task", name, "items", n, "duration", time.Since(start))
		default:
			s.logger.Debug("sweep finished", "task", name, "items", 0)
		}
	}()

	return e.task.Run(ctx)
}
