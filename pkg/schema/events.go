package schema

// Event type constants for the run event log.
const (
	EventRunStarted   = "run_started"
	EventRunSucceeded = "run_succeeded"
	EventRunFailed    = "run_failed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventGotoResolved  = "goto_resolved"

	EventConditionEvaluated = "condition_evaluated"
	EventSwitchMatched      = "switch_matched"

	EventStrategyAttempted = "strategy_attempted"
	EventStrategyFailed    = "strategy_failed"
	EventStrategyWon       = "strategy_won"
	EventStrategyExhausted = "strategy_exhausted"
	EventFailureHandler    = "failure_handler_invoked"

	EventCircuitOpen = "circuit_open"
)

// RunStatus is the terminal state of a workflow run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)
