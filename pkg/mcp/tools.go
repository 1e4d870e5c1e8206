package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/browserflow/pkg/schema"
)

// handleValidate compiles a workflow and returns every issue found.
func (s *Server) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	if s.validator == nil {
		return mcp.NewToolResultError("validation is not available"), nil
	}

	wf, result := s.validator.Validate([]byte(doc))
	out := map[string]any{"valid": result.Valid(), "errors": result.Errors, "warnings": result.Warnings}
	if wf != nil {
		out["name"] = wf.Name
	}
	return marshalResult(out)
}

// handleRun executes a workflow in this process and waits for the outcome.
// A failed run is a normal result, not a tool error.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	if s.runner == nil {
		return mcp.NewToolResultError("this server cannot run workflows"), nil
	}
	s.captureSession(ctx, req.GetString("agent_id", ""))

	task := &schema.Task{
		ID:        "mcp-" + uuid.NewString(),
		Workflow:  doc,
		Params:    mcp.ParseStringMap(req, "params", nil),
		CreatedAt: time.Now().UTC(),
	}
	s.logger.InfoContext(ctx, "running workflow for agent", "task_id", task.ID)
	return marshalResult(s.runner.Execute(ctx, task))
}

// handleEnqueue validates and queues a workflow.
func (s *Server) handleEnqueue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	if s.tasks == nil {
		return mcp.NewToolResultError("no task queue is configured"), nil
	}
	s.captureSession(ctx, req.GetString("agent_id", ""))

	if s.validator != nil {
		if _, result := s.validator.Validate([]byte(doc)); !result.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("workflow is invalid: %v", result.ToError())), nil
		}
	}

	task := &schema.Task{
		ID:        req.GetString("task_id", ""),
		Workflow:  doc,
		Params:    mcp.ParseStringMap(req, "params", nil),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.tasks.Enqueue(ctx, task); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("enqueue failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"ok": true, "task_id": task.ID})
}

func (s *Server) handleTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	if s.tasks == nil {
		return mcp.NewToolResultError("no task queue is configured"), nil
	}
	rec, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task lookup failed: %v", err)), nil
	}
	return marshalResult(rec)
}

func (s *Server) handleRunSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if s.runs == nil {
		return mcp.NewToolResultError("no event log is configured"), nil
	}
	summary, err := s.runs.Replay(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("replay failed: %v", err)), nil
	}
	return marshalResult(summary)
}

func (s *Server) handleEscalations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.escalations == nil {
		return mcp.NewToolResultError("human escalation is not enabled"), nil
	}
	s.captureSession(ctx, req.GetString("agent_id", ""))
	return marshalResult(map[string]any{"escalations": s.escalations.Pending()})
}

// handleResolve answers a pending human escalation on behalf of an agent.
func (s *Server) handleResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("escalation_id")
	if err != nil {
		return mcp.NewToolResultError("escalation_id is required"), nil
	}
	success, err := req.RequireBool("success")
	if err != nil {
		return mcp.NewToolResultError("success is required"), nil
	}
	if s.escalations == nil {
		return mcp.NewToolResultError("human escalation is not enabled"), nil
	}

	agentID := req.GetString("agent_id", "")
	s.captureSession(ctx, agentID)
	resolvedBy := "agent"
	if agentID != "" {
		resolvedBy = "agent:" + agentID
	}

	resp := schema.EscalationResponse{
		Success:      success,
		ActionsTaken: req.GetInt("actions_taken", 0),
		Error:        req.GetString("error", ""),
		ResolvedBy:   resolvedBy,
	}
	if result := mcp.ParseStringMap(req, "result", nil); result != nil {
		resp.Result = result
	}
	if err := s.escalations.Resolve(id, resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resolve failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"ok": true, "escalation_id": id})
}

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, agentID string) {
	if agentID == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
