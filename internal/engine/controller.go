package engine

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/browserflow/internal/browser"
	"github.com/rendis/browserflow/internal/conditions"
	"github.com/rendis/browserflow/internal/expressions"
	"github.com/rendis/browserflow/internal/logging"
	"github.com/rendis/browserflow/internal/workflow"
	"github.com/rendis/browserflow/pkg/schema"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultActionTimeout     = 30 * time.Second
	DefaultEscalationTimeout = 2 * time.Minute
)

// Config holds controller settings. It is built once by the caller and never
// read from the environment inside the interpreter.
type Config struct {
	// ActionTimeout bounds browser actions that carry no timeout of their own.
	ActionTimeout time.Duration
	// EscalationTimeout bounds escalations that carry no timeout of their own.
	EscalationTimeout time.Duration
	// ArtifactDir is the base for relative screenshot paths.
	ArtifactDir string
	Breaker     BreakerConfig
}

// Deps are the collaborators of a Controller. Only Logger is defaulted when nil.
type Deps struct {
	Evaluator  *conditions.Evaluator
	JQ         *expressions.GoJQEngine
	Escalators map[schema.EscalationMode]Escalator
	Events     EventAppender
	Observer   Observer
	Logger     *slog.Logger
}

// Controller interprets compiled workflows. It is stateless between runs and
// safe for concurrent use; each Run owns its ExecutionState.
type Controller struct {
	cfg      Config
	jq       *expressions.GoJQEngine
	eval     *conditions.Evaluator
	resolver *Resolver
	events   EventAppender
	observer Observer
	logger   *slog.Logger
}

// NewController creates a Controller.
func NewController(deps Deps, cfg Config) *Controller {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = DefaultActionTimeout
	}
	if cfg.EscalationTimeout <= 0 {
		cfg.EscalationTimeout = DefaultEscalationTimeout
	}
	c := &Controller{
		cfg:      cfg,
		jq:       deps.JQ,
		eval:     deps.Evaluator,
		events:   deps.Events,
		observer: deps.Observer,
		logger:   deps.Logger,
	}
	if c.jq == nil {
		c.jq = expressions.NewGoJQEngine()
	}
	if c.eval == nil {
		c.eval = conditions.NewEvaluator(nil)
	}
	if c.observer == nil {
		c.observer = nopObserver{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.resolver = &Resolver{
		evaluator:  c.eval,
		escalators: deps.Escalators,
		breakers:   NewBreakers(cfg.Breaker),
		observer:   c.observer,
		logger:     c.logger,
		timeout:    cfg.EscalationTimeout,
	}
	return c
}

// Resolver returns the controller's escalation resolver.
func (c *Controller) Resolver() *Resolver { return c.resolver }

// RunOptions identify a run and seed its variables.
type RunOptions struct {
	RunID     string // generated when empty
	TaskID    string
	Variables map[string]any
}

// Result is the terminal outcome of a run.
type Result struct {
	RunID       string            `json:"run_id"`
	Workflow    string            `json:"workflow,omitempty"`
	Status      schema.RunStatus  `json:"status"`
	Message     string            `json:"message,omitempty"`
	Error       *schema.FlowError `json:"error,omitempty"`
	LastStep    string            `json:"last_step,omitempty"`
	Variables   map[string]any    `json:"variables,omitempty"`
	Trace       []string          `json:"trace"`
	Winners     map[string]string `json:"winners,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
}

// Succeeded reports whether the run ended in a success terminal state.
func (r *Result) Succeeded() bool { return r.Status == schema.RunSucceeded }

// Duration is the wall-clock time of the run.
func (r *Result) Duration() time.Duration { return r.CompletedAt.Sub(r.StartedAt) }

// run is one execution of a workflow against one session.
type run struct {
	c       *Controller
	id      string
	wf      *workflow.Workflow
	session browser.Session
	state   *ExecutionState
	trace   []string
	winners map[string]string

	// exhausted maps an on_all_strategies_failed block to the exhaustion
	// that routed the run into it.
	exhausted map[*workflow.Block]*schema.FlowError
}

// Run executes wf against session until a terminal state. It never returns
// nil; failures are reported through Result.Error. When wf carries a timeout
// it bounds the run in addition to ctx.
func (c *Controller) Run(ctx context.Context, wf *workflow.Workflow, session browser.Session, opts RunOptions) *Result {
	r := &run{
		c:       c,
		id:      opts.RunID,
		wf:      wf,
		session: session,
		state:   newExecutionState(opts.Variables),
		winners:   make(map[string]string),
		exhausted: make(map[*workflow.Block]*schema.FlowError),
	}
	if r.id == "" {
		r.id = uuid.NewString()
	}

	ctx = logging.WithRunID(ctx, r.id)
	if opts.TaskID != "" {
		ctx = logging.WithTaskID(ctx, opts.TaskID)
	}
	if wf.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wf.Timeout)
		defer cancel()
	}

	res := &Result{RunID: r.id, Workflow: wf.Name, StartedAt: time.Now().UTC()}
	c.logger.InfoContext(ctx, "run started", "workflow", wf.Name)
	r.Emit(ctx, schema.EventRunStarted, "", map[string]any{"workflow": wf.Name})

	out := r.execute(ctx)

	res.CompletedAt = time.Now().UTC()
	res.Status = out.status
	res.Message = out.message
	res.Error = out.err
	res.LastStep = r.state.Current()
	res.Variables = maps.Clone(r.state.Variables())
	res.Trace = r.trace
	res.Winners = r.winners

	if res.Succeeded() {
		c.logger.InfoContext(ctx, "run succeeded", "last_step", res.LastStep, "duration", res.Duration())
		r.Emit(ctx, schema.EventRunSucceeded, res.LastStep, map[string]any{"message": res.Message})
	} else {
		c.logger.ErrorContext(ctx, "run failed", "last_step", res.LastStep,
			"code", out.err.Code, "error", out.err.Message, "duration", res.Duration())
		r.Emit(ctx, schema.EventRunFailed, res.LastStep, map[string]any{
			"code":     out.err.Code,
			"message":  out.err.Message,
			"attempts": out.err.Attempts,
		})
	}
	return res
}

// execute walks the step tree from the first step until a terminal state.
func (r *run) execute(ctx context.Context) outcome {
	maxVisits := r.wf.MaxVisits
	if maxVisits <= 0 {
		maxVisits = workflow.DefaultMaxVisits
	}

	node := r.wf.First()
	for node != nil {
		if ctx.Err() != nil {
			return failed(interrupted(ctx).WithStep(node.Key))
		}
		if n := r.state.enter(node.Key); n > maxVisits {
			r.c.observer.LoopDetected()
			return failed(schema.NewErrorf(schema.ErrCodeLoopDetected,
				"step %q would run more than %d times", node.Key, maxVisits).
				WithStep(node.Key).
				WithDetails(map[string]any{"max_visits": maxVisits}))
		}
		r.trace = append(r.trace, node.Key)

		stepCtx := logging.WithStep(ctx, node.Key)
		r.Emit(stepCtx, schema.EventStepStarted, node.Key, map[string]any{"type": node.Step.Kind()})

		tr, err := r.step(stepCtx, node)
		if err != nil {
			fe := r.classify(ctx, err).WithStep(node.Key)
			r.Emit(stepCtx, schema.EventStepFailed, node.Key, map[string]any{"code": fe.Code, "message": fe.Message})
			return failed(r.fromHandler(node, fe))
		}
		r.Emit(stepCtx, schema.EventStepCompleted, node.Key, nil)

		cur := node
		var done *outcome
		node, done = r.advance(ctx, node, tr)
		if done != nil {
			if done.err != nil {
				done.err = r.fromHandler(cur, done.err)
			}
			return *done
		}
	}
	return outcome{status: schema.RunSucceeded}
}

// fromHandler ties a failure raised inside an on_all_strategies_failed
// handler to the try step that ran out of strategies: the error is reported
// at the try step with its attempts, and the handler step moves to details.
func (r *run) fromHandler(node *workflow.Node, fe *schema.FlowError) *schema.FlowError {
	for n := node; n != nil; n = n.Block.Owner {
		ex, ok := r.exhausted[n.Block]
		if !ok {
			continue
		}
		if len(fe.Attempts) == 0 {
			fe.WithAttempts(ex.Attempts)
		}
		details := maps.Clone(fe.Details)
		if details == nil {
			details = make(map[string]any, 1)
		}
		details["handler_step"] = fe.Step
		fe.Details = details
		fe.Step = ex.Step
		return fe
	}
	return fe
}

// classify maps a step error to a FlowError. An error raised while the run
// context is done is reported as the interruption, not as a step failure.
func (r *run) classify(ctx context.Context, err error) *schema.FlowError {
	if ctx.Err() != nil {
		return interrupted(ctx).WithCause(err)
	}
	return schema.AsFlowError(err, schema.ErrCodeStepExecution)
}

func interrupted(ctx context.Context) *schema.FlowError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeTimeout, "run exceeded its time budget")
	}
	return schema.NewError(schema.ErrCodeCancelled, "run cancelled")
}
