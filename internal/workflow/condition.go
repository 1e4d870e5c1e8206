package workflow

import (
	"regexp"
	"time"
)

// Condition is the closed set of predicates over page state.
type Condition interface {
	condition()
}

// ElementExists holds when at least one element matches Selector.
type ElementExists struct {
	Selector string
	Timeout  time.Duration
}

// ElementVisible holds when a matching element is visible.
type ElementVisible struct {
	Selector string
	Timeout  time.Duration
}

// ElementText compares the text of the first matching element.
// At least one of Contains and Equals is set.
type ElementText struct {
	Selector string
	Contains *string
	Equals   *string
	Timeout  time.Duration
}

// ElementCount holds when the number of matches lies within [Min, Max].
// A nil bound is open.
type ElementCount struct {
	Selector string
	Min      *int
	Max      *int
	Timeout  time.Duration
}

// URLContains holds when the page URL contains Value.
type URLContains struct {
	Value   string
	Timeout time.Duration
}

// URLMatches holds when the page URL matches Pattern.
type URLMatches struct {
	Pattern *regexp.Regexp
	Timeout time.Duration
}

// URLEquals holds when the page URL equals Value.
type URLEquals struct {
	Value   string
	Timeout time.Duration
}

// JSEval evaluates a script in the page once. With a nil Expected the result
// must be truthy, otherwise it must equal Expected.
type JSEval struct {
	Expression string
	Expected   any
}

// Expression evaluates a CEL or Expr expression over page URL and run variables.
type Expression struct {
	Source string
	Lang   string
}

// And holds when every condition holds; empty is true.
type And struct {
	Conditions []Condition
}

// Or holds when any condition holds; empty is false.
type Or struct {
	Conditions []Condition
}

// Not inverts a condition.
type Not struct {
	Condition Condition
}

func (*ElementExists) condition()  {}
func (*ElementVisible) condition() {}
func (*ElementText) condition()    {}
func (*ElementCount) condition()   {}
func (*URLContains) condition()    {}
func (*URLMatches) condition()     {}
func (*URLEquals) condition()      {}
func (*JSEval) condition()         {}
func (*Expression) condition()     {}
func (*And) condition()            {}
func (*Or) condition()             {}
func (*Not) condition()            {}
