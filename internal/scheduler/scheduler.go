// Package scheduler runs maintenance jobs on cron expressions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Job is one named task on a cron schedule.
type Job struct {
	Name     string
	Schedule string // five-field cron expression, e.g. "*/5 * * * *"
	Run      func(ctx context.Context) error
}

// JobStatus is a snapshot of a job's bookkeeping.
type JobStatus struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	LastRun  time.Time `json:"last_run"`
	NextRun  time.Time `json:"next_run"`
	LastErr  string    `json:"last_error,omitempty"`
	Runs     int       `json:"runs"`
}

type Config struct {
	Logger *slog.Logger
	Now    func() time.Time
	Tick   time.Duration // how often due jobs are checked, default 1s
}

type scheduled struct {
	job     Job
	status  JobStatus
	running bool
}

type Scheduler struct {
	mu       sync.Mutex
	jobs     map[string]*scheduled
	logger   *slog.Logger
	now      func() time.Time
	tick     time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	return &Scheduler{
		jobs:   make(map[string]*scheduled),
		logger: cfg.Logger,
		now:    cfg.Now,
		tick:   cfg.Tick,
		stopCh: make(chan struct{}),
	}
}

// Add registers job, replacing any job with the same name.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job needs a name and a run function")
	}
	next, err := gronx.NextTickAfter(job.Schedule, s.now(), false)
	if err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", job.Name, job.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = &scheduled{
		job:    job,
		status: JobStatus{Name: job.Name, Schedule: job.Schedule, NextRun: next},
	}
	s.logger.Info("scheduled job added", "name", job.Name, "schedule", job.Schedule, "next", next)
	return nil
}

func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, name)
	s.logger.Info("scheduled job removed", "name", name)
}

// List returns job snapshots sorted by name.
func (s *Scheduler) List() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.status)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Start checks for due jobs every tick until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler started", "jobs", len(s.List()))
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunDue(ctx, s.now())
		}
	}
}

// Stop halts the scheduler. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// RunDue runs every job whose next tick is at or before now and returns
// how many ran. A job still running from an earlier tick is skipped.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var due []*scheduled
	for _, j := range s.jobs {
		if !j.running && !now.Before(j.status.NextRun) {
			j.running = true
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, k int) bool { return due[i].job.Name < due[k].job.Name })
	for _, j := range due {
		s.execute(ctx, j, now)
	}
	return len(due)
}

// RunNow runs the named job immediately; its schedule is left unchanged.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if ok && j.running {
		s.mu.Unlock()
		return fmt.Errorf("job %s is already running", name)
	}
	if ok {
		j.running = true
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}

	err := run(ctx, j.job)
	s.mu.Lock()
	j.running = false
	s.record(j, s.now(), err)
	s.mu.Unlock()
	return err
}

func (s *Scheduler) execute(ctx context.Context, j *scheduled, now time.Time) {
	start := time.Now()
	s.logger.Debug("running scheduled job", "name", j.job.Name)
	err := run(ctx, j.job)

	next, nerr := gronx.NextTickAfter(j.job.Schedule, now, false)
	s.mu.Lock()
	j.running = false
	s.record(j, now, err)
	if nerr == nil {
		j.status.NextRun = next
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled job failed", "name", j.job.Name, "err", err, "duration", time.Since(start))
		return
	}
	s.logger.Info("scheduled job finished", "name", j.job.Name, "duration", time.Since(start), "next", next)
}

func (s *Scheduler) record(j *scheduled, at time.Time, err error) {
	j.status.LastRun = at
	j.status.Runs++
	j.status.LastErr = ""
	if err != nil {
		j.status.LastErr = err.Error()
	}
}

func run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()
	return job.Run(ctx)
}
