// Package worker runs tasks from a task source: one dedicated browser
// session and one flow controller run per task, under bounded concurrency.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rendis/browserflow/internal/browser"
	"github.com/rendis/browserflow/internal/engine"
	"github.com/rendis/browserflow/internal/logging"
	"github.com/rendis/browserflow/internal/profiles"
	"github.com/rendis/browserflow/internal/workflow"
	"github.com/rendis/browserflow/pkg/schema"
)

// TaskSource is the remote dispatcher contract.
type TaskSource interface {
	// Poll claims the next task, or returns (nil, nil) when none is ready.
	Poll(ctx context.Context) (*schema.Task, error)
	// Heartbeat renews the claim on a running task. A CONFLICT or NOT_FOUND
	// error means the claim is lost and the run is cancelled.
	Heartbeat(ctx context.Context, taskID string) error
	ReportSuccess(ctx context.Context, outcome *schema.TaskOutcome) error
	ReportFailure(ctx context.Context, outcome *schema.TaskOutcome) error
}

// Observer receives worker metrics. Satisfied by *metrics.Collector.
type Observer interface {
	TaskFinished(status string, d time.Duration)
	Heartbeat(ok bool)
	TasksInFlight(n int)
}

type nopObserver struct{}

func (nopObserver) TaskFinished(string, time.Duration) {}
func (nopObserver) Heartbeat(bool)                     {}
func (nopObserver) TasksInFlight(int)                  {}

// Config holds the shell settings, resolved once by the caller.
type Config struct {
	Concurrency int
	// PollInterval is the minimum spacing between polls.
	PollInterval time.Duration
	// IdleBackoff spaces polls further while the source has nothing.
	IdleBackoff       Backoff
	HeartbeatInterval time.Duration
	// TaskTimeout bounds one run unless the workflow sets its own timeout.
	TaskTimeout   time.Duration
	ReportTimeout time.Duration
	Headless      bool
}

// Defaults for zero Config fields.
const (
	DefaultConcurrency       = 2
	DefaultPollInterval      = time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultTaskTimeout       = 10 * time.Minute
	DefaultReportTimeout     = 30 * time.Second
)

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.IdleBackoff.Base <= 0 {
		c.IdleBackoff = Backoff{Base: c.PollInterval, Max: 30 * c.PollInterval}
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = DefaultReportTimeout
	}
}

// Deps are the collaborators of a Shell. Source may be nil for a shell that
// only executes tasks handed to Execute.
type Deps struct {
	Source     TaskSource
	Compiler   *workflow.Compiler
	Controller *engine.Controller
	Profiles   *profiles.Store
	Launcher   browser.Launcher
	Observer   Observer
	Logger     *slog.Logger
}

// Shell is the worker loop.
type Shell struct {
	cfg     Config
	deps    Deps
	pool    *Pool
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Shell.
func New(cfg Config, deps Deps) (*Shell, error) {
	switch {
	case deps.Compiler == nil:
		return nil, errors.New("worker: compiler is required")
	case deps.Controller == nil:
		return nil, errors.New("worker: controller is required")
	case deps.Profiles == nil:
		return nil, errors.New("worker: profile store is required")
	case deps.Launcher == nil:
		return nil, errors.New("worker: browser launcher is required")
	}
	cfg.applyDefaults()
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Shell{
		cfg:     cfg,
		deps:    deps,
		pool:    NewPool(cfg.Concurrency),
		limiter: rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
		logger:  deps.Logger,
	}, nil
}

// Stats returns the pool counters.
func (s *Shell) Stats() PoolStats { return s.pool.Stats() }

// Run polls the source until ctx ends, running up to Concurrency tasks at
// once. On shutdown it stops polling, lets in-flight runs observe the
// cancellation at their next step boundary, reports them and returns nil.
func (s *Shell) Run(ctx context.Context) error {
	if s.deps.Source == nil {
		return errors.New("worker: no task source configured")
	}
	s.logger.InfoContext(ctx, "worker started",
		"concurrency", s.cfg.Concurrency, "poll_interval", s.cfg.PollInterval)
	defer func() {
		s.pool.Wait()
		s.logger.Info("worker stopped", "completed", s.pool.Stats().Completed)
	}()

	idle := 0
	for {
		if err := s.pool.Reserve(ctx); err != nil {
			return nil
		}
		if err := s.limiter.Wait(ctx); err != nil {
			s.pool.Release()
			return nil
		}

		task, err := s.deps.Source.Poll(ctx)
		if err != nil || task == nil {
			s.pool.Release()
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				s.logger.WarnContext(ctx, "poll failed", "error", err)
			}
			idle++
			if sleep(ctx, s.cfg.IdleBackoff.Delay(idle)) != nil {
				return nil
			}
			continue
		}

		idle = 0
		s.pool.Go(func() { s.handle(ctx, task) })
		s.deps.Observer.TasksInFlight(int(s.pool.Stats().Active))
	}
}

// handle runs one claimed task with a heartbeat beside it and reports the
// outcome. It never retries.
func (s *Shell) handle(ctx context.Context, task *schema.Task) {
	ctx = logging.WithTaskID(ctx, task.ID)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	done := make(chan struct{})
	var out *schema.TaskOutcome

	var g errgroup.Group
	g.Go(func() error {
		defer close(done)
		out = s.Execute(runCtx, task)
		return nil
	})
	g.Go(func() error {
		s.heartbeat(runCtx, task.ID, done, cancelRun)
		return nil
	})
	_ = g.Wait()

	s.report(ctx, out)
	s.deps.Observer.TasksInFlight(int(s.pool.Stats().Active) - 1)
}

func (s *Shell) heartbeat(ctx context.Context, taskID string, done <-chan struct{}, cancelRun context.CancelFunc) {
	t := time.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
		}

		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.HeartbeatInterval)
		err := s.deps.Source.Heartbeat(hctx, taskID)
		cancel()
		s.deps.Observer.Heartbeat(err == nil)
		if err == nil {
			continue
		}
		if schema.HasCode(err, schema.ErrCodeConflict) || schema.HasCode(err, schema.ErrCodeNotFound) {
			s.logger.ErrorContext(ctx, "task claim lost, cancelling run", "error", err)
			cancelRun()
			return
		}
		s.logger.WarnContext(ctx, "heartbeat failed", "error", err)
	}
}

func (s *Shell) report(ctx context.Context, out *schema.TaskOutcome) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ReportTimeout)
	defer cancel()

	s.deps.Observer.TaskFinished(string(out.Status), out.CompletedAt.Sub(out.StartedAt))
	var err error
	if out.Succeeded() {
		err = s.deps.Source.ReportSuccess(rctx, out)
	} else {
		err = s.deps.Source.ReportFailure(rctx, out)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "report task outcome", "status", out.Status, "error", err)
	}
}

// Execute runs one task end to end: compile, claim a profile, launch a
// browser, run the controller under the time budget. The session and the
// profile lease are released on every path.
func (s *Shell) Execute(ctx context.Context, task *schema.Task) (out *schema.TaskOutcome) {
	out = &schema.TaskOutcome{TaskID: task.ID, StartedAt: time.Now().UTC()}
	ctx = logging.WithTaskID(ctx, task.ID)
	defer func() {
		if p := recover(); p != nil {
			s.logger.ErrorContext(ctx, "task panicked", "panic", p)
			out.Status = schema.RunFailed
			out.Error = schema.NewErrorf(schema.ErrCodeStepExecution, "worker panic: %v", p)
		}
		out.CompletedAt = time.Now().UTC()
	}()

	wf, err := s.deps.Compiler.Parse([]byte(task.Workflow))
	if err != nil {
		s.logger.WarnContext(ctx, "workflow rejected", "error", err)
		return fail(out, err, schema.ErrCodeValidation)
	}

	lease, err := s.deps.Profiles.Acquire(ctx, wf.Session)
	if err != nil {
		return fail(out, err, schema.ErrCodeNotFound)
	}
	defer lease.Release()

	session, err := s.deps.Launcher.Launch(ctx, browser.LaunchOptions{
		ProfileDir: lease.Dir,
		Headless:   s.cfg.Headless,
	})
	if err != nil {
		return fail(out, fmt.Errorf("launch browser: %w", err), schema.ErrCodeStepExecution)
	}
	defer func() {
		if err := session.Close(); err != nil {
			s.logger.WarnContext(ctx, "close browser session", "error", err)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, s.budget(wf))
	defer cancel()

	res := s.deps.Controller.Run(runCtx, wf, session, engine.RunOptions{
		TaskID:    task.ID,
		Variables: task.Params,
	})
	out.RunID = res.RunID
	out.Status = res.Status
	out.Message = res.Message
	out.Error = res.Error
	out.LastStep = res.LastStep
	out.Variables = res.Variables
	return out
}

// budget is the workflow's own timeout when it sets one, else TaskTimeout.
func (s *Shell) budget(wf *workflow.Workflow) time.Duration {
	if wf.Timeout > 0 {
		return wf.Timeout
	}
	return s.cfg.TaskTimeout
}

func fail(out *schema.TaskOutcome, err error, code string) *schema.TaskOutcome {
	out.Status = schema.RunFailed
	out.Error = schema.AsFlowError(err, code)
	if errors.Is(err, context.Canceled) {
		out.Error = schema.NewError(schema.ErrCodeCancelled, err.Error()).WithCause(err)
	}
	return out
}
