package schema

import "time"

// EscalationRequest is sent to a vision or human delegate when deterministic
// strategies could not complete an action.
type EscalationRequest struct {
	ID         string         `json:"id"`
	Mode       EscalationMode `json:"mode"`
	Prompt     string         `json:"prompt"`
	Screenshot []byte         `json:"screenshot,omitempty"` // PNG
	PageURL    string         `json:"page_url,omitempty"`
	DOM        string         `json:"dom,omitempty"`
	MaxActions int            `json:"max_actions"`
	Timeout    time.Duration  `json:"timeout"`
	Step       string         `json:"step,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
}

// EscalationResponse is the delegate's answer. The callee enforces its own
// action budget; the engine only waits up to the request timeout.
type EscalationResponse struct {
	Success      bool   `json:"success"`
	ActionsTaken int    `json:"actions_taken"`
	Result       any    `json:"result,omitempty"`
	Error        string `json:"error,omitempty"`
	ResolvedBy   string `json:"resolved_by,omitempty"`
}
