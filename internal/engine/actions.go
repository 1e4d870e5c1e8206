package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rendis/browserflow/internal/browser"
	"github.com/rendis/browserflow/internal/expressions"
	"github.com/rendis/browserflow/internal/workflow"
	"github.com/rendis/browserflow/pkg/schema"
)

// Target is the run a Resolver acts on.
type Target interface {
	// Perform executes one browser primitive and stores its captures.
	Perform(ctx context.Context, a workflow.Action) error
	Page() browser.Page
	Variables() map[string]any
	RunID() string
	Emit(ctx context.Context, eventType, step string, payload map[string]any)
}

var _ Target = (*run)(nil)

func (r *run) Page() browser.Page        { return r.session }
func (r *run) Variables() map[string]any { return r.state.Variables() }
func (r *run) RunID() string             { return r.id }

// Perform runs a on the session. The action is detached from run
// cancellation and bounded by its own timeout, so it is never interrupted
// midway; the controller observes cancellation at the next step boundary.
// A pure duration wait is the exception and returns early when ctx is done.
func (r *run) Perform(ctx context.Context, a workflow.Action) error {
	req, err := r.request(a)
	if err != nil {
		return err
	}

	if a.Type == schema.StepWait && req.Selector == "" {
		return sleep(ctx, a.Duration)
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), req.Timeout)
	defer cancel()

	res := r.session.Execute(actx, req)
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "action reported failure"
		}
		return schema.NewErrorf(schema.ErrCodeStepExecution, "%s: %s", a.Type, msg).
			WithDetails(map[string]any{"selector": req.Selector, "url": req.URL})
	}
	return r.capture(ctx, a, res.Data)
}

// request interpolates run variables into the action parameters.
func (r *run) request(a workflow.Action) (browser.ActionRequest, error) {
	req := browser.ActionRequest{
		Type:      a.Type,
		Script:    a.Script,
		Attribute: a.Attribute,
		Duration:  a.Duration,
		FullPage:  a.FullPage,
		Timeout:   a.Timeout,
	}
	if req.Timeout <= 0 {
		req.Timeout = r.c.cfg.ActionTimeout
	}

	vars := r.state.Variables()
	for _, f := range []struct {
		src string
		dst *string
	}{
		{a.URL, &req.URL},
		{a.Selector, &req.Selector},
		{a.Value, &req.Value},
		{a.Keys, &req.Keys},
	} {
		v, err := expressions.Interpolate(f.src, vars)
		if err != nil {
			return req, err
		}
		*f.dst = v
	}
	return req, nil
}

// capture stores what an action produced: the screenshot file and the
// variable named by as, after the optional jq transform.
func (r *run) capture(ctx context.Context, a workflow.Action, data any) error {
	if a.Type == schema.StepScreenshot && a.Path != "" {
		if err := r.writeScreenshot(a.Path, data); err != nil {
			return err
		}
	}
	if a.As == "" {
		return nil
	}
	if a.Transform != "" {
		out, err := r.c.jq.Transform(ctx, a.Transform, data)
		if err != nil {
			return err
		}
		data = out
	}
	r.state.Set(a.As, data)
	return nil
}

func (r *run) writeScreenshot(path string, data any) error {
	path, err := expressions.Interpolate(path, r.state.Variables())
	if err != nil {
		return err
	}
	var png []byte
	switch v := data.(type) {
	case []byte:
		png = v
	case string:
		if png, err = base64.StdEncoding.DecodeString(v); err != nil {
			return schema.NewErrorf(schema.ErrCodeStepExecution, "screenshot data is not base64: %s", err.Error())
		}
	default:
		return schema.NewErrorf(schema.ErrCodeStepExecution, "screenshot returned %T, want image bytes", data)
	}

	if !filepath.IsAbs(path) && r.c.cfg.ArtifactDir != "" {
		path = filepath.Join(r.c.cfg.ArtifactDir, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return schema.NewErrorf(schema.ErrCodeStepExecution, "screenshot dir: %s", err.Error()).WithCause(err)
	}
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return schema.NewErrorf(schema.ErrCodeStepExecution, "write screenshot: %s", err.Error()).WithCause(err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait interrupted: %w", ctx.Err())
	}
}

// isolate runs fn and converts a panic into an error.
func isolate(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = schema.NewErrorf(schema.ErrCodeStepExecution, "panic: %v", p)
		}
	}()
	return fn()
}
