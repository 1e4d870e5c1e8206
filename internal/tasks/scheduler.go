package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/rendis/browserflow/pkg/schema"
)

// Enqueuer accepts new tasks. Satisfied by *store.LibSQLStore and
// *RedisSource.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *schema.Task) error
}

// Job enqueues one workflow on a cron schedule.
type Job struct {
	Name         string         `yaml:"name"`
	Cron         string         `yaml:"cron"`
	Workflow     string         `yaml:"workflow,omitempty"`
	WorkflowFile string         `yaml:"workflow_file,omitempty"`
	Params       map[string]any `yaml:"params,omitempty"`
}

type jobsFile struct {
	Jobs []Job `yaml:"jobs"`
}

// LoadJobs reads a jobs file. Relative workflow_file paths are resolved
// against the jobs file's directory and read eagerly.
func LoadJobs(path string) ([]Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jobs file: %w", err)
	}
	var f jobsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse jobs file: %w", err)
	}
	for i := range f.Jobs {
		j := &f.Jobs[i]
		if j.WorkflowFile == "" {
			continue
		}
		wf := j.WorkflowFile
		if !filepath.IsAbs(wf) {
			wf = filepath.Join(filepath.Dir(path), wf)
		}
		src, err := os.ReadFile(wf)
		if err != nil {
			return nil, fmt.Errorf("job %q: read workflow: %w", j.Name, err)
		}
		j.Workflow = string(src)
	}
	return f.Jobs, nil
}

// DefaultTick is how often the scheduler checks for due jobs.
const DefaultTick = 30 * time.Second

type scheduled struct {
	job      Job
	schedule cron.Schedule
	next     time.Time
	lastRun  time.Time
	lastErr  error
}

// JobStatus reports a job's schedule position.
type JobStatus struct {
	Name    string
	NextRun time.Time
	LastRun time.Time
	LastErr error
}

// Scheduler enqueues jobs into an Enqueuer when they come due. A job that
// came due several times between ticks is enqueued once.
type Scheduler struct {
	queue  Enqueuer
	logger *slog.Logger
	tick   time.Duration
	now    func() time.Time

	mu     sync.Mutex
	jobs   []*scheduled
	cancel context.CancelFunc
	done   chan struct{}
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTick overrides DefaultTick.
func WithTick(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler parses every job's cron expression. Workflows are not
// compiled here; callers validate them before scheduling.
func NewScheduler(queue Enqueuer, jobs []Job, logger *slog.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{queue: queue, logger: logger, tick: DefaultTick, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	seen := make(map[string]bool, len(jobs))
	start := s.now()
	for _, j := range jobs {
		if j.Name == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "scheduled job has no name")
		}
		if seen[j.Name] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate job name %q", j.Name)
		}
		seen[j.Name] = true
		if j.Workflow == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "job %q has no workflow", j.Name)
		}
		sched, err := cronParser.Parse(j.Cron)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "job %q: parse cron expression %q: %s", j.Name, j.Cron, err.Error())
		}
		s.jobs = append(s.jobs, &scheduled{job: j, schedule: sched, next: sched.Next(start)})
	}
	return s, nil
}

// Start launches the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	go s.loop(loopCtx, done)
	s.logger.Info("scheduler started", "jobs", len(s.jobs), "tick", s.tick)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick enqueues every job whose next run time has passed and advances it.
// It returns the number of tasks enqueued.
func (s *Scheduler) Tick(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	enqueued := 0
	for _, sj := range s.jobs {
		if sj.next.After(now) {
			continue
		}
		task := &schema.Task{Workflow: sj.job.Workflow, Params: maps.Clone(sj.job.Params)}
		err := s.queue.Enqueue(ctx, task)
		sj.lastRun, sj.lastErr = now, err
		sj.next = sj.schedule.Next(now)
		if err != nil {
			s.logger.ErrorContext(ctx, "enqueue scheduled job", "job", sj.job.Name, "error", err)
			continue
		}
		enqueued++
		s.logger.InfoContext(ctx, "scheduled job enqueued", "job", sj.job.Name, "task_id", task.ID, "next_run", sj.next)
	}
	return enqueued
}

// Jobs returns the schedule position of every job.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, len(s.jobs))
	for i, sj := range s.jobs {
		out[i] = JobStatus{Name: sj.job.Name, NextRun: sj.next, LastRun: sj.lastRun, LastErr: sj.lastErr}
	}
	return out
}

// Stop ends the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}
