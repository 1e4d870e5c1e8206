package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/browserflow/internal/escalation"
)

// escalationNotifier relays broker notices to agents as MCP log messages.
// A new human escalation is logged at warning level so agents surface it;
// resolutions and expiries are informational.
type escalationNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

func newEscalationNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *escalationNotifier {
	return &escalationNotifier{mcpServer: mcpServer, sessions: sessions}
}

// notify sends n to agentID's session. It is best effort: an agent without a
// session is skipped and a vanished session is forgotten.
func (n *escalationNotifier) notify(_ context.Context, agentID string, notice escalation.Notice) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
		"level":  noticeLevel(notice.Type),
		"logger": "browserflow.escalations",
		"data":   noticePayload(notice),
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

func noticeLevel(t escalation.NoticeType) mcp.LoggingLevel {
	if t == escalation.NoticeRequested {
		return mcp.LoggingLevelWarning
	}
	return mcp.LoggingLevelInfo
}

// noticePayload omits the screenshot and DOM; agents fetch the full request
// with browserflow.escalations.
func noticePayload(n escalation.Notice) map[string]any {
	req := n.Escalation.Request
	return map[string]any{
		"type":          "escalation_" + string(n.Type),
		"escalation_id": req.ID,
		"run_id":        req.RunID,
		"step":          req.Step,
		"prompt":        req.Prompt,
		"page_url":      req.PageURL,
	}
}
