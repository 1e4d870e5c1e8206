// Package browser defines the contracts between the engine and a concrete
// browser driver. The engine never knows how a primitive is implemented.
package browser

import (
	"context"
	"time"

	"github.com/rendis/browserflow/pkg/schema"
)

// Element is a snapshot of one element matched by a selector.
type Element struct {
	Text       string            `json:"text"`
	Visible    bool              `json:"visible"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// PageState is the read-only view conditions are evaluated against.
type PageState interface {
	URL(ctx context.Context) (string, error)
	QueryElements(ctx context.Context, selector string) ([]Element, error)
	Evaluate(ctx context.Context, expression string) (any, error)
}

// Page adds the captures escalation delegates need.
type Page interface {
	PageState
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	HTML(ctx context.Context) (string, error)
}

// ActionRequest carries the parameters of one primitive to the driver.
type ActionRequest struct {
	Type      schema.StepType `json:"type"`
	URL       string          `json:"url,omitempty"`
	Selector  string          `json:"selector,omitempty"`
	Value     string          `json:"value,omitempty"`
	Keys      string          `json:"keys,omitempty"`
	Script    string          `json:"script,omitempty"`
	Attribute string          `json:"attribute,omitempty"`
	Duration  time.Duration   `json:"duration,omitempty"`
	FullPage  bool            `json:"full_page,omitempty"`
	Timeout   time.Duration   `json:"timeout,omitempty"`
}

// ActionResult is the driver's opaque answer: success, optional data, error text.
type ActionResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Failed builds an unsuccessful result.
func Failed(err error) ActionResult {
	return ActionResult{Error: err.Error()}
}

// Succeeded builds a successful result.
func Succeeded(data any) ActionResult {
	return ActionResult{Success: true, Data: data}
}

// Session is one dedicated browser context bound to a profile directory.
type Session interface {
	Page
	Execute(ctx context.Context, req ActionRequest) ActionResult
	Close() error
}

// LaunchOptions configures a new session.
type LaunchOptions struct {
	ProfileDir string
	Headless   bool
	// DefaultTimeout bounds actions that carry no timeout of their own.
	DefaultTimeout time.Duration
}

// Launcher opens browser sessions. Implementations are selected once at
// worker construction.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Session, error)
}
