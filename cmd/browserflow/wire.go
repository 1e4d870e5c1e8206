package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/browserflow/internal/browser"
	"github.com/rendis/browserflow/internal/browser/cdp"
	"github.com/rendis/browserflow/internal/browser/static"
	"github.com/rendis/browserflow/internal/conditions"
	"github.com/rendis/browserflow/internal/engine"
	"github.com/rendis/browserflow/internal/escalation"
	"github.com/rendis/browserflow/internal/expressions"
	"github.com/rendis/browserflow/internal/httpapi"
	"github.com/rendis/browserflow/internal/logging"
	"github.com/rendis/browserflow/internal/metrics"
	"github.com/rendis/browserflow/internal/profiles"
	"github.com/rendis/browserflow/internal/store"
	"github.com/rendis/browserflow/internal/tasks"
	"github.com/rendis/browserflow/internal/worker"
	"github.com/rendis/browserflow/internal/workflow"
	"github.com/rendis/browserflow/pkg/schema"
)

// queue is what the commands need from either task source.
type queue interface {
	worker.TaskSource
	Enqueue(ctx context.Context, task *schema.Task) error
	GetTask(ctx context.Context, id string) (*store.TaskRecord, error)
}

// app holds the process-wide collaborators built from Config. Members are
// created on first use so commands only open what they touch.
type app struct {
	cfg     Config
	logger  *slog.Logger
	stdout  io.Writer
	metrics *metrics.Collector
	broker  *escalation.Broker

	compiler *workflow.Compiler
	store    *store.LibSQLStore
	redis    *tasks.RedisSource
	closers  []func() error
}

func newApp(cfg Config, stdout, stderr io.Writer) (*app, error) {
	logger, err := logging.New(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	engines, err := expressions.NewEngines()
	if err != nil {
		return nil, fmt.Errorf("expression engines: %w", err)
	}
	compiler, err := workflow.NewCompiler(engines)
	if err != nil {
		return nil, fmt.Errorf("workflow compiler: %w", err)
	}
	return &app{
		cfg:      cfg,
		logger:   logger,
		stdout:   stdout,
		metrics:  metrics.NewCollector("browserflow"),
		broker:   escalation.NewBroker(logger),
		compiler: compiler,
	}, nil
}

// Close releases everything opened, newest first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) openStore(ctx context.Context) (*store.LibSQLStore, error) {
	if a.store != nil {
		return a.store, nil
	}
	if path, ok := strings.CutPrefix(a.cfg.DBPath, "file:"); ok {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	st, err := store.Open(ctx, a.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", a.cfg.DBPath, err)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)
	return st, nil
}

// queue returns the configured task source, claiming leases as owner.
func (a *app) queue(ctx context.Context, owner string) (queue, error) {
	if a.cfg.Queue == "redis" {
		if a.redis == nil {
			src, err := tasks.NewRedisSource(ctx, tasks.RedisConfig{
				Addr:      a.cfg.RedisAddr,
				Password:  a.cfg.RedisPassword,
				DB:        a.cfg.RedisDB,
				KeyPrefix: a.cfg.RedisPrefix,
				Owner:     owner,
				Lease:     a.cfg.Lease.Std(),
			})
			if err != nil {
				return nil, err
			}
			a.redis = src
			a.closers = append(a.closers, src.Close)
		}
		return a.redis, nil
	}
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	return localQueue{Queue: store.NewQueue(st, owner, a.cfg.Lease.Std()), store: st}, nil
}

// localQueue adds the store's enqueue and lookup to a libSQL claim view.
type localQueue struct {
	*store.Queue
	store *store.LibSQLStore
}

func (q localQueue) Enqueue(ctx context.Context, task *schema.Task) error {
	return q.store.Enqueue(ctx, task)
}

func (q localQueue) GetTask(ctx context.Context, id string) (*store.TaskRecord, error) {
	return q.store.GetTask(ctx, id)
}

func (q localQueue) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.TaskRecord, error) {
	return q.store.ListTasks(ctx, filter)
}

func (a *app) launcher() browser.Launcher {
	if a.cfg.Driver == "static" {
		return static.NewLauncher(static.WithLogger(a.logger))
	}
	opts := []cdp.Option{cdp.WithLogger(a.logger)}
	if a.cfg.ChromePath != "" {
		opts = append(opts, cdp.WithExecPath(a.cfg.ChromePath))
	}
	if a.cfg.ChromeURL != "" {
		opts = append(opts, cdp.WithRemoteURL(a.cfg.ChromeURL))
	}
	return cdp.NewLauncher(opts...)
}

// escalators builds the delegate per escalation mode. Human escalation is
// only offered when something can answer the broker.
func (a *app) escalators(human bool) (map[schema.EscalationMode]engine.Escalator, error) {
	out := make(map[schema.EscalationMode]engine.Escalator)
	if human {
		out[schema.EscalateHuman] = a.broker
	}
	if a.cfg.VisionEndpoint == "" {
		return out, nil
	}
	vision, err := escalation.NewVisionClient(escalation.VisionConfig{
		Endpoint:   a.cfg.VisionEndpoint,
		APIKey:     a.cfg.VisionAPIKey,
		MaxRetries: 2,
		Logger:     a.logger,
	})
	if err != nil {
		return nil, err
	}
	out[schema.EscalateVision] = vision
	if a.cfg.DOMEndpoint != "" {
		dom, err := escalation.NewVisionClient(escalation.VisionConfig{
			Endpoint:   a.cfg.DOMEndpoint,
			APIKey:     a.cfg.VisionAPIKey,
			MaxRetries: 2,
			Logger:     a.logger,
		})
		if err != nil {
			return nil, err
		}
		out[schema.EscalateProgressive] = &escalation.Progressive{DOM: dom, Vision: vision}
	}
	return out, nil
}

// shell builds a worker shell over source, which may be nil for shells that
// only run tasks handed to Execute.
func (a *app) shell(ctx context.Context, source worker.TaskSource, human bool) (*worker.Shell, error) {
	escalators, err := a.escalators(human)
	if err != nil {
		return nil, err
	}
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	engines := a.compiler.Engines()
	controller := engine.NewController(engine.Deps{
		Evaluator:  conditions.NewEvaluator(engines),
		JQ:         engines.JQ,
		Escalators: escalators,
		Events:     st,
		Observer:   a.metrics,
		Logger:     a.logger,
	}, engine.Config{
		ActionTimeout:     a.cfg.ActionTimeout.Std(),
		EscalationTimeout: a.cfg.EscalationTimeout.Std(),
		ArtifactDir:       a.cfg.ArtifactDir,
		Breaker: engine.BreakerConfig{
			FailureThreshold: a.cfg.BreakerThreshold,
			Cooldown:         a.cfg.BreakerCooldown.Std(),
		},
	})

	return worker.New(worker.Config{
		Concurrency:       a.cfg.Concurrency,
		PollInterval:      a.cfg.PollInterval.Std(),
		HeartbeatInterval: a.cfg.HeartbeatInterval.Std(),
		TaskTimeout:       a.cfg.TaskTimeout.Std(),
		Headless:          a.cfg.Headless,
	}, worker.Deps{
		Source:     source,
		Compiler:   a.compiler,
		Controller: controller,
		Profiles:   profiles.NewStore(a.cfg.ProfilesDir, a.cfg.ScratchDir, a.logger),
		Launcher:   a.launcher(),
		Observer:   a.metrics,
		Logger:     a.logger,
	})
}

// api builds the HTTP API over the store's event log and the given queue.
func (a *app) api(ctx context.Context, q queue) (*httpapi.Server, error) {
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	deps := httpapi.Deps{
		Escalations:    a.broker,
		Runs:           st,
		Validator:      a.compiler,
		Metrics:        a.metrics,
		MetricsHandler: a.metrics.Handler(),
		Logger:         a.logger,
		AllowedOrigins: a.cfg.AllowedOrigins,
	}
	if q != nil {
		deps.Tasks = q
	}
	if a.cfg.AuthSecret != "" {
		deps.AuthSecret = []byte(a.cfg.AuthSecret)
	}
	return httpapi.NewServer(deps), nil
}
