package store

import (
	"slices"

	"github.com/rendis/browserflow/pkg/schema"
)

// ValidTaskTransitions lists the allowed task status changes. A running task
// returns to pending when its lease expires.
var ValidTaskTransitions = map[schema.TaskStatus][]schema.TaskStatus{
	schema.TaskPending: {schema.TaskRunning},
	schema.TaskRunning: {schema.TaskSucceeded, schema.TaskFailed, schema.TaskPending},
}

func checkTransition(taskID string, from, to schema.TaskStatus) error {
	if slices.Contains(ValidTaskTransitions[from], to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "invalid task transition: %s -> %s", from, to).
		WithDetails(map[string]any{"task_id": taskID, "from": string(from), "to": string(to)})
}
