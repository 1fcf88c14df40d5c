// Package scheduler runs the periodic engine jobs (scheduling passes, pending
// dispatch and the no-show sweep) on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named periodic task. Errors are logged; the job keeps its schedule.
type Job func(ctx context.Context) error

// Standard 5-field expressions plus descriptors such as "@every 5m" and "@hourly".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// slogLogger adapts slog to cron.Logger.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("Scheduler.cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("Scheduler.cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    map[string]Job
	entries map[string]cron.EntryID
}

// NewScheduler creates a scheduler. Jobs do not run until Start.
// A job still running when its next tick fires is skipped for that tick.
func NewScheduler() *Scheduler {
	logger := slogLogger{}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    c,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]Job),
		entries: make(map[string]cron.EntryID),
	}
}

// AddJob schedules job under name using the provided cron expression.
// It returns an error if the expression is invalid or the name is taken.
func (s *Scheduler) AddJob(name, expr string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("job %q already scheduled", name)
	}
	id, err := s.cron.AddFunc(expr, func() { s.run(name, job) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %q: %w", expr, name, err)
	}
	s.jobs[name] = job
	s.entries[name] = id
	slog.Info("Scheduler.AddJob: job scheduled", "job", name, "expr", expr)
	return nil
}

// RemoveJob unschedules name. Unknown names are ignored.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
		delete(s.jobs, name)
	}
}

// Jobs returns the scheduled job names in sorted order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Next returns the next activation time of name, or the zero time if it is not
// scheduled or the scheduler has not started.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// Trigger runs name once, synchronously, outside its schedule.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not scheduled", name)
	}
	return s.invoke(name, job)
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	slog.Info("Scheduler.Start: starting", "jobs", s.Jobs())
	s.cron.Start()
}

// Stop stops the cron scheduler, cancels running jobs and waits for them to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	s.cancel()
	<-stopCtx.Done()
	slog.Info("Scheduler.Stop: stopped")
}

func (s *Scheduler) run(name string, job Job) {
	if err := s.invoke(name, job); err != nil {
		slog.Error("Scheduler.run: job failed", "job", name, "error", err)
	}
}

func (s *Scheduler) invoke(name string, job Job) error {
	start := time.Now()
	err := job(s.ctx)
	slog.Debug("Scheduler.invoke: job finished", "job", name, "duration", time.Since(start), "error", err)
	return err
}
