package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/i474232898/farm-advisory/internal/observability"
)

var (
	// ErrJobRunning is returned by RunNow while the previous invocation is still in flight.
	ErrJobRunning = errors.New("job already running")
	// ErrUnknownJob is returned by RunNow for a name that was never scheduled.
	ErrUnknownJob = errors.New("unknown job")
	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("scheduler stopped")
)

// ConfigError reports an invalid job registration. It is fatal at startup.
type ConfigError struct {
	Job    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("scheduler: job %q: %s", e.Job, e.Reason)
}

// JobFunc is one invocation of a background job. Errors are logged and swallowed.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	interval time.Duration
	fn       JobFunc
	running  atomic.Bool
}

// Scheduler runs named jobs on fixed intervals. Each job is single flight:
// a tick that fires while the previous invocation is running is skipped,
// never queued.
type Scheduler struct {
	cron    *gocron.Scheduler
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	jobs     map[string]*job
	started  bool
	stopped  bool
	ctx      context.Context
	inflight sync.WaitGroup
}

// New creates a Scheduler. Nothing runs until Start.
func New(logger *slog.Logger, metrics *observability.Metrics) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:    gocron.NewScheduler(time.UTC),
		logger:  logger,
		metrics: metrics,
		jobs:    make(map[string]*job),
		ctx:     context.Background(),
	}
}

// Schedule registers fn to run every interval. It returns a *ConfigError when
// the name is empty or already registered, or when interval is not positive.
func (s *Scheduler) Schedule(name string, interval time.Duration, fn JobFunc) error {
	switch {
	case name == "":
		return &ConfigError{Job: name, Reason: "name must not be empty"}
	case interval <= 0:
		return &ConfigError{Job: name, Reason: fmt.Sprintf("interval must be positive, got %s", interval)}
	case fn == nil:
		return &ConfigError{Job: name, Reason: "job function must not be nil"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if _, ok := s.jobs[name]; ok {
		return &ConfigError{Job: name, Reason: "already registered"}
	}

	j := &job{name: name, interval: interval, fn: fn}
	if _, err := s.cron.Every(interval).Tag(name).WaitForSchedule().Do(func() { s.tick(j) }); err != nil {
		return &ConfigError{Job: name, Reason: err.Error()}
	}
	s.jobs[name] = j
	s.logger.Info("job scheduled", "job", name, "interval", interval.String())
	return nil
}

// Start begins firing ticks. Values from ctx are passed to jobs, but its
// cancellation is not: a job is never interrupted mid-write. When runOnStart
// is set every job is also triggered once immediately.
func (s *Scheduler) Start(ctx context.Context, runOnStart bool) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	s.cron.StartAsync()
	s.logger.Info("scheduler started", "jobs", len(s.Jobs()))

	if runOnStart {
		for _, name := range s.Jobs() {
			if err := s.RunNow(name); err != nil {
				s.logger.Warn("initial run not started", "job", name, "error", err)
			}
		}
	}
}

// RunNow triggers name outside its schedule, honouring the single-flight rule.
// The job runs asynchronously.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownJob
	}
	if err := s.acquire(j); err != nil {
		return err
	}
	go s.run(j, "manual")
	return nil
}

// Running reports whether an invocation of name is in flight.
func (s *Scheduler) Running(name string) bool {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	return ok && j.running.Load()
}

// Jobs returns the registered job names in sorted order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stop prevents new invocations and waits for in-flight ones to finish.
// It returns ctx.Err() if ctx ends first; the jobs keep running in that case.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	already := s.stopped
	s.stopped = true
	s.mu.Unlock()

	if !already {
		s.logger.Info("scheduler stopping, waiting for running jobs")
	}

	// gocron's Stop blocks until its own running jobs return, so it runs
	// alongside the drain and ctx still bounds the wait.
	done := make(chan struct{})
	go func() {
		if !already {
			s.cron.Stop()
		}
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) tick(j *job) {
	if err := s.acquire(j); err != nil {
		if errors.Is(err, ErrJobRunning) {
			s.logger.Warn("previous run still in progress, skipping tick", "job", j.name)
			if s.metrics != nil {
				s.metrics.JobSkipped.WithLabelValues(j.name).Inc()
			}
		}
		return
	}
	s.run(j, "schedule")
}

// acquire marks j as running. The stopped check and the WaitGroup increment
// happen under the same lock Stop uses, so Stop never misses an invocation.
func (s *Scheduler) acquire(j *job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if !j.running.CompareAndSwap(false, true) {
		return ErrJobRunning
	}
	s.inflight.Add(1)
	return nil
}

func (s *Scheduler) run(j *job, trigger string) {
	defer s.inflight.Done()
	defer j.running.Store(false)

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	start := time.Now()
	status := "ok"
	defer func() {
		if r := recover(); r != nil {
			status = "panic"
			s.logger.Error("job panicked", "job", j.name, "panic", fmt.Sprint(r))
		}
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.JobRuns.WithLabelValues(j.name, status).Inc()
			s.metrics.JobDuration.WithLabelValues(j.name).Observe(elapsed.Seconds())
		}
		s.logger.Info("job finished", "job", j.name, "trigger", trigger, "status", status, "duration", elapsed.String())
	}()

	s.logger.Debug("job started", "job", j.name, "trigger", trigger)
	if err := j.fn(ctx); err != nil {
		status = "error"
		s.logger.Error("job failed", "job", j.name, "error", err)
	}
}
