package schema

import "time"

// Task is one unit of work handed out by a task source: a workflow document
// plus the variables its run starts with.
type Task struct {
	ID        string         `json:"id"`
	Workflow  string         `json:"workflow"` // YAML or JSON document
	Params    map[string]any `json:"params,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// TaskOutcome is what the worker reports back for a finished task.
type TaskOutcome struct {
	TaskID      string         `json:"task_id"`
	RunID       string         `json:"run_id,omitempty"`
	Status      RunStatus      `json:"status"`
	Message     string         `json:"message,omitempty"`
	Error       *FlowError     `json:"error,omitempty"`
	LastStep    string         `json:"last_step,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Succeeded reports whether the run ended in a success terminal state.
func (o *TaskOutcome) Succeeded() bool { return o.Status == RunSucceeded }
