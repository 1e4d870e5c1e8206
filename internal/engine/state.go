package engine

import "maps"

// ExecutionState is the mutable state of one run. It is owned by a single
// controller goroutine and discarded when the run reaches a terminal state.
type ExecutionState struct {
	current      string
	nextOverride string
	visits       map[string]int
	variables    map[string]any
}

func newExecutionState(vars map[string]any) *ExecutionState {
	s := &ExecutionState{
		visits:    make(map[string]int),
		variables: make(map[string]any, len(vars)),
	}
	maps.Copy(s.variables, vars)
	return s
}

// enter records an entry into the step and returns its visit count.
func (s *ExecutionState) enter(key string) int {
	s.current = key
	s.visits[key]++
	return s.visits[key]
}

// jump sets the single-slot override consumed by the next resolution.
func (s *ExecutionState) jump(target string) {
	s.nextOverride = target
}

// takeJump returns and clears the pending override.
func (s *ExecutionState) takeJump() string {
	t := s.nextOverride
	s.nextOverride = ""
	return t
}

// Current returns the key of the step entered last.
func (s *ExecutionState) Current() string { return s.current }

// Visits returns how often the step has been entered.
func (s *ExecutionState) Visits(key string) int { return s.visits[key] }

// Variables returns the live variable map.
func (s *ExecutionState) Variables() map[string]any { return s.variables }

// Set stores a variable.
func (s *ExecutionState) Set(name string, v any) { s.variables[name] = v }
