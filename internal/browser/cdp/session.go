// Package cdp drives a real Chrome over the DevTools protocol with chromedp.
// Every session owns its own browser process bound to a profile directory, or
// a tab on a remote browser when a DevTools URL is configured.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/rendis/browserflow/internal/browser"
	"github.com/rendis/browserflow/pkg/schema"
)

const defaultActionTimeout = 30 * time.Second

// Session is one chromedp browser context.
type Session struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	logger  *slog.Logger
}

var _ browser.Session = (*Session)(nil)

// Execute runs one primitive. The action is bounded by req.Timeout, the
// session default and ctx, whichever ends first.
func (s *Session) Execute(ctx context.Context, req browser.ActionRequest) browser.ActionResult {
	actx, cancel := s.bound(ctx, req.Timeout)
	defer cancel()

	var (
		data any
		err  error
	)
	switch req.Type {
	case schema.StepNavigate:
		var loc string
		err = chromedp.Run(actx,
			chromedp.Navigate(req.URL),
			chromedp.WaitReady("body", chromedp.ByQuery),
			chromedp.Location(&loc),
		)
		data = loc

	case schema.StepClick:
		err = chromedp.Run(actx, chromedp.Click(req.Selector, chromedp.ByQuery, chromedp.NodeVisible))

	case schema.StepFill:
		err = chromedp.Run(actx,
			chromedp.WaitVisible(req.Selector, chromedp.ByQuery),
			chromedp.Clear(req.Selector, chromedp.ByQuery),
			chromedp.SendKeys(req.Selector, req.Value, chromedp.ByQuery),
		)

	case schema.StepWait:
		if req.Selector == "" {
			err = chromedp.Run(actx, chromedp.Sleep(req.Duration))
		} else {
			err = chromedp.Run(actx, chromedp.WaitVisible(req.Selector, chromedp.ByQuery))
		}

	case schema.StepExtract:
		data, err = s.extract(actx, req)

	case schema.StepPress:
		keys := keyEvent(req.Keys)
		if req.Selector != "" {
			err = chromedp.Run(actx, chromedp.SendKeys(req.Selector, keys, chromedp.ByQuery))
		} else {
			err = chromedp.Run(actx, chromedp.KeyEvent(keys))
		}

	case schema.StepScreenshot:
		data, err = s.screenshot(actx, req.FullPage)

	case schema.StepExecuteJS:
		data, err = s.evaluate(actx, req.Script)

	default:
		err = fmt.Errorf("unsupported action %q", req.Type)
	}

	if err != nil {
		s.logger.DebugContext(ctx, "cdp action failed", "type", req.Type, "selector", req.Selector, "error", err)
		return browser.Failed(err)
	}
	return browser.Succeeded(data)
}

func (s *Session) extract(ctx context.Context, req browser.ActionRequest) (any, error) {
	if req.Attribute != "" {
		var (
			v  string
			ok bool
		)
		if err := chromedp.Run(ctx, chromedp.AttributeValue(req.Selector, req.Attribute, &v, &ok, chromedp.ByQuery)); err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("element %q has no attribute %q", req.Selector, req.Attribute)
		}
		return v, nil
	}
	var text string
	if err := chromedp.Run(ctx, chromedp.Text(req.Selector, &text, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return nil, err
	}
	return text, nil
}

// pngQuality makes chromedp.FullScreenshot encode PNG; any lower value is JPEG.
const pngQuality = 100

func (s *Session) screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	var buf []byte
	action := chromedp.CaptureScreenshot(&buf)
	if fullPage {
		action = chromedp.FullScreenshot(&buf, pngQuality)
	}
	if err := chromedp.Run(ctx, action); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *Session) evaluate(ctx context.Context, expression string) (any, error) {
	var out any
	err := chromedp.Run(ctx, chromedp.Evaluate(expression, &out))
	if errors.Is(err, chromedp.ErrJSUndefined) || errors.Is(err, chromedp.ErrJSNull) {
		return nil, nil
	}
	return out, err
}

// URL returns the current page address.
func (s *Session) URL(ctx context.Context) (string, error) {
	actx, cancel := s.bound(ctx, 0)
	defer cancel()
	var loc string
	err := chromedp.Run(actx, chromedp.Location(&loc))
	return loc, err
}

// QueryElements snapshots matching elements in one round trip.
func (s *Session) QueryElements(ctx context.Context, selector string) ([]browser.Element, error) {
	actx, cancel := s.bound(ctx, 0)
	defer cancel()

	var raw json.RawMessage
	if err := chromedp.Run(actx, chromedp.Evaluate(queryScript(selector), &raw)); err != nil {
		return nil, err
	}
	var out []browser.Element
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode elements: %w", err)
	}
	return out, nil
}

// Evaluate runs expression in the page and returns its JSON value.
func (s *Session) Evaluate(ctx context.Context, expression string) (any, error) {
	actx, cancel := s.bound(ctx, 0)
	defer cancel()
	return s.evaluate(actx, expression)
}

// Screenshot captures a PNG of the viewport or the whole page.
func (s *Session) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	actx, cancel := s.bound(ctx, 0)
	defer cancel()
	return s.screenshot(actx, fullPage)
}

// HTML returns the serialized document.
func (s *Session) HTML(ctx context.Context) (string, error) {
	actx, cancel := s.bound(ctx, 0)
	defer cancel()
	var html string
	err := chromedp.Run(actx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

// Close shuts the browser down. Profile data is flushed by Chrome on exit.
func (s *Session) Close() error {
	err := chromedp.Cancel(s.ctx)
	s.cancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// bound derives a context from the session that also ends with ctx.
func (s *Session) bound(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = s.timeout
	}
	actx, cancel := context.WithTimeout(s.ctx, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return actx, func() {
		stop()
		cancel()
	}
}

var namedKeys = map[string]string{
	"Enter":      kb.Enter,
	"Tab":        kb.Tab,
	"Escape":     kb.Escape,
	"Backspace":  kb.Backspace,
	"Delete":     kb.Delete,
	"ArrowUp":    kb.ArrowUp,
	"ArrowDown":  kb.ArrowDown,
	"ArrowLeft":  kb.ArrowLeft,
	"ArrowRight": kb.ArrowRight,
	"PageUp":     kb.PageUp,
	"PageDown":   kb.PageDown,
	"Home":       kb.Home,
	"End":        kb.End,
}

// keyEvent maps a named key to its chromedp code. Anything else is typed as
// literal text.
func keyEvent(keys string) string {
	if k, ok := namedKeys[keys]; ok {
		return k
	}
	return keys
}

func queryScript(selector string) string {
	sel, _ := json.Marshal(selector)
	return fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).map(function (el) {
  var style = window.getComputedStyle(el);
  var rect = el.getBoundingClientRect();
  var attrs = {};
  for (var i = 0; i < el.attributes.length; i++) { attrs[el.attributes[i].name] = el.attributes[i].value; }
  return {
    text: (el.innerText || el.textContent || "").trim(),
    visible: style.display !== "none" && style.visibility !== "hidden" && rect.width > 0 && rect.height > 0,
    attributes: attrs
  };
})`, sel)
}
