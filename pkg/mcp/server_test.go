package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.notifier)
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"browserflow.validate", "Validate a workflow document without running it"},
		{"browserflow.run", "Run a workflow now and wait for its outcome"},
		{"browserflow.enqueue", "Queue a workflow for a worker"},
		{"browserflow.task", "Get a queued task with its status and outcome"},
		{"browserflow.run_summary", "Summarize a run from its event log"},
		{"browserflow.escalations", "List steps waiting for a human"},
		{"browserflow.resolve", "Answer a pending human escalation"},
	}

	s := NewServer(ServerDeps{})
	require.Len(t, s.mcpServer.ListTools(), len(tests))

	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
