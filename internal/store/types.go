package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/browserflow/pkg/schema"
)

// Event is an immutable entry in a run's event log. Sequence numbers start at
// 1 and are contiguous per run.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Sequence  int64           `json:"sequence"`
	Type      string          `json:"event_type"`
	Step      string          `json:"step,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventFilter narrows a query over all runs.
type EventFilter struct {
	RunID string
	Step  string
	Since *time.Time
	Limit int
}

// TaskRecord is a queued task with its lease and, once finished, its outcome.
type TaskRecord struct {
	schema.Task
	Status         schema.TaskStatus   `json:"status"`
	LeaseOwner     string              `json:"lease_owner,omitempty"`
	LeaseExpiresAt time.Time           `json:"lease_expires_at,omitempty"`
	RunID          string              `json:"run_id,omitempty"`
	Outcome        *schema.TaskOutcome `json:"outcome,omitempty"`
	UpdatedAt      time.Time           `json:"updated_at"`
	CompletedAt    time.Time           `json:"completed_at,omitempty"`
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status schema.TaskStatus
	Limit  int
	Offset int
}

// RunSummary is the state of a run rebuilt from its event log.
type RunSummary struct {
	RunID    string            `json:"run_id"`
	Workflow string            `json:"workflow,omitempty"`
	Status   schema.RunStatus  `json:"status,omitempty"` // empty while running
	Trace    []string          `json:"trace"`
	Winners  map[string]string `json:"winners,omitempty"`
	LastStep string            `json:"last_step,omitempty"`
	Error    json.RawMessage   `json:"error,omitempty"`
	Events   int               `json:"events"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}
