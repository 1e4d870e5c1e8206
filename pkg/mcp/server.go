// Package mcp exposes browserflow to agents over the Model Context Protocol:
// workflow validation and execution, the task queue, run summaries and the
// human intervention queue.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/browserflow/internal/escalation"
	"github.com/rendis/browserflow/internal/store"
	"github.com/rendis/browserflow/internal/workflow"
	"github.com/rendis/browserflow/pkg/schema"
)

// Runner executes one task end to end. Satisfied by *worker.Shell.
type Runner interface {
	Execute(ctx context.Context, task *schema.Task) *schema.TaskOutcome
}

// Validator compiles workflow documents. Satisfied by *workflow.Compiler.
type Validator interface {
	Validate(data []byte) (*workflow.Workflow, *schema.ValidationResult)
}

// Tasks queues tasks and looks them up.
type Tasks interface {
	Enqueue(ctx context.Context, task *schema.Task) error
	GetTask(ctx context.Context, id string) (*store.TaskRecord, error)
}

// RunLog rebuilds run summaries from the event log.
type RunLog interface {
	Replay(ctx context.Context, runID string) (*store.RunSummary, error)
}

// Escalations is the human intervention queue.
type Escalations interface {
	Pending() []escalation.Pending
	Resolve(id string, resp schema.EscalationResponse) error
	Subscribe(buffer int) (<-chan escalation.Notice, func())
}

// ServerDeps holds the collaborators of a Server. Tools whose collaborator
// is nil answer with an error instead of being hidden, so agents see one
// stable tool list.
type ServerDeps struct {
	Runner      Runner
	Validator   Validator
	Tasks       Tasks
	Runs        RunLog
	Escalations Escalations
	Logger      *slog.Logger
}

// Server wraps an MCP server with browserflow tool handlers.
type Server struct {
	runner      Runner
	validator   Validator
	tasks       Tasks
	runs        RunLog
	escalations Escalations
	logger      *slog.Logger
	sessions    *SessionRegistry
	notifier    *escalationNotifier
	mcpServer   *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		runner:      deps.Runner,
		validator:   deps.Validator,
		tasks:       deps.Tasks,
		runs:        deps.Runs,
		escalations: deps.Escalations,
		logger:      logger,
		sessions:    NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"browserflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("browserflow runs declarative browser workflows. Use browserflow.validate before browserflow.run or browserflow.enqueue, browserflow.task and browserflow.run_summary to follow progress, and browserflow.escalations with browserflow.resolve to answer steps that need a human. Pass agent_id to receive escalation notifications."),
	)
	mcpSrv.AddTools(s.tools()...)

	s.mcpServer = mcpSrv
	s.notifier = newEscalationNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Escalation notices are pushed to known agents meanwhile.
func (s *Server) Serve(ctx context.Context) error {
	if s.escalations != nil {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go s.forwardEscalations(ctx)
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// forwardEscalations relays broker notices to every agent with a session.
func (s *Server) forwardEscalations(ctx context.Context) {
	notices, unsubscribe := s.escalations.Subscribe(32)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notices:
			if !ok {
				return
			}
			for _, agent := range s.sessions.Agents() {
				if err := s.notifier.notify(ctx, agent, n); err != nil {
					s.logger.WarnContext(ctx, "escalation notification failed", "agent_id", agent, "error", err)
				}
			}
		}
	}
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: enqueueTool(), Handler: s.handleEnqueue},
		{Tool: taskTool(), Handler: s.handleTask},
		{Tool: runSummaryTool(), Handler: s.handleRunSummary},
		{Tool: escalationsTool(), Handler: s.handleEscalations},
		{Tool: resolveTool(), Handler: s.handleResolve},
	}
}

// --- Tool definitions ---

func validateTool() mcp.Tool {
	return mcp.NewTool("browserflow.validate",
		mcp.WithDescription("Validate a workflow document without running it"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Workflow document as YAML or JSON")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("browserflow.run",
		mcp.WithDescription("Run a workflow now and wait for its outcome"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Workflow document as YAML or JSON")),
		mcp.WithObject("params", mcp.Description("Initial run variables")),
		mcp.WithString("agent_id", mcp.Description("ID of the calling agent, used for escalation notifications")),
	)
}

func enqueueTool() mcp.Tool {
	return mcp.NewTool("browserflow.enqueue",
		mcp.WithDescription("Queue a workflow for a worker"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Workflow document as YAML or JSON")),
		mcp.WithObject("params", mcp.Description("Initial run variables")),
		mcp.WithString("task_id", mcp.Description("Task ID (default: generated)")),
		mcp.WithString("agent_id", mcp.Description("ID of the calling agent, used for escalation notifications")),
	)
}

func taskTool() mcp.Tool {
	return mcp.NewTool("browserflow.task",
		mcp.WithDescription("Get a queued task with its status and outcome"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task")),
	)
}

func runSummaryTool() mcp.Tool {
	return mcp.NewTool("browserflow.run_summary",
		mcp.WithDescription("Summarize a run from its event log"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func escalationsTool() mcp.Tool {
	return mcp.NewTool("browserflow.escalations",
		mcp.WithDescription("List steps waiting for a human"),
		mcp.WithString("agent_id", mcp.Description("ID of the calling agent, used for escalation notifications")),
	)
}

func resolveTool() mcp.Tool {
	return mcp.NewTool("browserflow.resolve",
		mcp.WithDescription("Answer a pending human escalation"),
		mcp.WithString("escalation_id", mcp.Required(), mcp.Description("ID of the pending escalation")),
		mcp.WithBoolean("success", mcp.Required(), mcp.Description("Whether the step was completed by hand")),
		mcp.WithNumber("actions_taken", mcp.Description("Number of actions performed")),
		mcp.WithObject("result", mcp.Description("Data to hand back to the run")),
		mcp.WithString("error", mcp.Description("Why the step could not be completed")),
		mcp.WithString("agent_id", mcp.Description("ID of the resolving agent")),
	)
}
