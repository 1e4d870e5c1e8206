// Package static is an offline browser driver: pages are parsed HTML
// documents queried with goquery, and scripts run in a goja runtime bound to
// a small document/location object. It backs dry runs and tests where a real
// Chrome is unavailable. Nothing is rendered, so screenshots are unsupported.
package static

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/rendis/browserflow/internal/browser"
	"github.com/rendis/browserflow/pkg/schema"
)

const blankURL = "about:blank"

// Session is a single static page with navigation history.
type Session struct {
	client *http.Client
	pages  map[string]string
	logger *slog.Logger

	mu      sync.Mutex
	doc     *goquery.Document
	current *url.URL
	history []string
	closed  bool
}

var _ browser.Session = (*Session)(nil)

func newSession(client *http.Client, pages map[string]string, logger *slog.Logger) *Session {
	blank, _ := goquery.NewDocumentFromReader(strings.NewReader("<html><head></head><body></body></html>"))
	u, _ := url.Parse(blankURL)
	return &Session{client: client, pages: pages, logger: logger, doc: blank, current: u}
}

// Execute runs one primitive against the current document.
func (s *Session) Execute(ctx context.Context, req browser.ActionRequest) browser.ActionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return browser.Failed(errors.New("session is closed"))
	}

	switch req.Type {
	case schema.StepNavigate:
		if err := s.navigate(ctx, req.URL); err != nil {
			return browser.Failed(err)
		}
		return browser.Succeeded(s.current.String())

	case schema.StepClick:
		sel, err := s.first(req.Selector)
		if err != nil {
			return browser.Failed(err)
		}
		if err := s.click(ctx, sel); err != nil {
			return browser.Failed(err)
		}
		return browser.Succeeded(nil)

	case schema.StepFill:
		sel, err := s.first(req.Selector)
		if err != nil {
			return browser.Failed(err)
		}
		if goquery.NodeName(sel) == "textarea" {
			sel.SetText(req.Value)
		} else {
			sel.SetAttr("value", req.Value)
		}
		return browser.Succeeded(nil)

	case schema.StepWait:
		if req.Selector == "" {
			if err := sleep(ctx, req.Duration); err != nil {
				return browser.Failed(err)
			}
			return browser.Succeeded(nil)
		}
		// The document only changes through our own actions, so a missing
		// element will not appear by waiting.
		if _, err := s.first(req.Selector); err != nil {
			return browser.Failed(err)
		}
		return browser.Succeeded(nil)

	case schema.StepExtract:
		sel, err := s.first(req.Selector)
		if err != nil {
			return browser.Failed(err)
		}
		if req.Attribute != "" {
			v, ok := sel.Attr(req.Attribute)
			if !ok {
				return browser.Failed(fmt.Errorf("element %q has no attribute %q", req.Selector, req.Attribute))
			}
			return browser.Succeeded(v)
		}
		return browser.Succeeded(strings.TrimSpace(sel.Text()))

	case schema.StepPress:
		return s.press(ctx, req)

	case schema.StepScreenshot:
		return browser.Failed(fmt.Errorf("static driver cannot render: %w", errors.ErrUnsupported))

	case schema.StepExecuteJS:
		v, err := s.evaluate(ctx, req.Script)
		if err != nil {
			return browser.Failed(err)
		}
		return browser.Succeeded(v)
	}
	return browser.Failed(fmt.Errorf("unsupported action %q", req.Type))
}

// URL returns the current document address.
func (s *Session) URL(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.String(), nil
}

// QueryElements snapshots every element matching selector.
func (s *Session) QueryElements(_ context.Context, selector string) ([]browser.Element, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []browser.Element
	s.doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		out = append(out, browser.Element{
			Text:       strings.TrimSpace(sel.Text()),
			Visible:    visible(sel),
			Attributes: attributes(sel),
		})
	})
	return out, nil
}

// Evaluate runs expression in a fresh script runtime bound to the document.
func (s *Session) Evaluate(ctx context.Context, expression string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evaluate(ctx, expression)
}

// Screenshot is not available without a renderer.
func (s *Session) Screenshot(context.Context, bool) ([]byte, error) {
	return nil, fmt.Errorf("static driver cannot render: %w", errors.ErrUnsupported)
}

// HTML returns the serialized document, including filled values.
func (s *Session) HTML(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Html()
}

// History lists visited addresses, oldest first.
func (s *Session) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history...)
}

// Close releases the session. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Session) first(selector string) (*goquery.Selection, error) {
	if selector == "" {
		return nil, errors.New("selector is empty")
	}
	sel := s.doc.Find(selector)
	if sel.Length() == 0 {
		return nil, fmt.Errorf("no element matches %q", selector)
	}
	return sel.First(), nil
}

func (s *Session) navigate(ctx context.Context, target string) error {
	u, err := s.current.Parse(target)
	if err != nil {
		return fmt.Errorf("parse url %q: %w", target, err)
	}
	return s.load(ctx, http.MethodGet, u, nil)
}

func (s *Session) load(ctx context.Context, method string, u *url.URL, form url.Values) error {
	body, final, err := s.fetch(ctx, method, u, form)
	if err != nil {
		return err
	}
	defer body.Close()

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return fmt.Errorf("parse %s: %w", final, err)
	}
	s.doc = doc
	s.current = final
	s.history = append(s.history, final.String())
	s.logger.DebugContext(ctx, "static page loaded", "url", final.String())
	return nil
}

// fetch resolves u from the registered pages first, then the filesystem for
// file URLs, then the network.
func (s *Session) fetch(ctx context.Context, method string, u *url.URL, form url.Values) (io.ReadCloser, *url.URL, error) {
	if method == http.MethodGet && len(form) > 0 {
		q := u.Query()
		for k, vs := range form {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		cp := *u
		cp.RawQuery = q.Encode()
		u = &cp
		form = nil
	}

	if html, ok := s.pages[u.String()]; ok {
		return io.NopCloser(strings.NewReader(html)), u, nil
	}

	switch u.Scheme {
	case "file":
		data, err := os.ReadFile(u.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", u, err)
		}
		return io.NopCloser(bytes.NewReader(data)), u, nil
	case "http", "https":
	default:
		return nil, nil, fmt.Errorf("no page registered for %s", u)
	}

	var reqBody io.Reader
	if form != nil {
		reqBody = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("User-Agent", "browserflow-static/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: %w", method, u, err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, nil, fmt.Errorf("%s %s: status %d", method, u, resp.StatusCode)
	}
	return resp.Body, resp.Request.URL, nil
}

func (s *Session) click(ctx context.Context, sel *goquery.Selection) error {
	name := goquery.NodeName(sel)
	typ := strings.ToLower(sel.AttrOr("type", ""))

	if name == "input" && (typ == "checkbox" || typ == "radio") {
		if typ == "radio" {
			if group := sel.AttrOr("name", ""); group != "" {
				s.doc.Find(`input[type="radio"]`).FilterFunction(func(_ int, r *goquery.Selection) bool {
					return r.AttrOr("name", "") == group
				}).RemoveAttr("checked")
			}
			sel.SetAttr("checked", "checked")
			return nil
		}
		if _, on := sel.Attr("checked"); on {
			sel.RemoveAttr("checked")
		} else {
			sel.SetAttr("checked", "checked")
		}
		return nil
	}

	if a := sel.Closest("a[href]"); a.Length() > 0 {
		return s.navigate(ctx, a.AttrOr("href", ""))
	}

	submits := (name == "button" && (typ == "" || typ == "submit")) || (name == "input" && typ == "submit")
	if form := sel.Closest("form"); submits && form.Length() > 0 {
		return s.submit(ctx, form)
	}
	return nil
}

func (s *Session) press(ctx context.Context, req browser.ActionRequest) browser.ActionResult {
	if req.Selector != "" {
		sel, err := s.first(req.Selector)
		if err != nil {
			return browser.Failed(err)
		}
		if req.Keys == "Enter" {
			if form := sel.Closest("form"); form.Length() > 0 {
				if err := s.submit(ctx, form); err != nil {
					return browser.Failed(err)
				}
			}
		}
	}
	return browser.Succeeded(nil)
}

func (s *Session) submit(ctx context.Context, form *goquery.Selection) error {
	method := strings.ToUpper(form.AttrOr("method", http.MethodGet))
	if method != http.MethodPost {
		method = http.MethodGet
	}
	target, err := s.current.Parse(form.AttrOr("action", ""))
	if err != nil {
		return fmt.Errorf("form action: %w", err)
	}
	return s.load(ctx, method, target, formValues(form))
}

func formValues(form *goquery.Selection) url.Values {
	vals := url.Values{}
	form.Find("input, textarea, select").Each(func(_ int, f *goquery.Selection) {
		name := f.AttrOr("name", "")
		if name == "" {
			return
		}
		if _, disabled := f.Attr("disabled"); disabled {
			return
		}
		switch goquery.NodeName(f) {
		case "textarea":
			vals.Add(name, f.Text())
		case "select":
			opt := f.Find("option[selected]").First()
			if opt.Length() == 0 {
				opt = f.Find("option").First()
			}
			if opt.Length() > 0 {
				vals.Add(name, opt.AttrOr("value", strings.TrimSpace(opt.Text())))
			}
		default:
			switch strings.ToLower(f.AttrOr("type", "text")) {
			case "submit", "reset", "button", "image":
			case "checkbox", "radio":
				if _, on := f.Attr("checked"); on {
					vals.Add(name, f.AttrOr("value", "on"))
				}
			default:
				vals.Add(name, f.AttrOr("value", ""))
			}
		}
	})
	return vals
}

func visible(sel *goquery.Selection) bool {
	if goquery.NodeName(sel) == "input" && strings.EqualFold(sel.AttrOr("type", ""), "hidden") {
		return false
	}
	for cur := sel; cur.Length() > 0; cur = cur.Parent() {
		if _, hidden := cur.Attr("hidden"); hidden {
			return false
		}
		style := strings.ReplaceAll(strings.ToLower(cur.AttrOr("style", "")), " ", "")
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return false
		}
	}
	return true
}

func attributes(sel *goquery.Selection) map[string]string {
	if len(sel.Nodes) == 0 || len(sel.Nodes[0].Attr) == 0 {
		return nil
	}
	out := make(map[string]string, len(sel.Nodes[0].Attr))
	for _, a := range sel.Nodes[0].Attr {
		out[a.Key] = a.Val
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Launcher opens static sessions. Profile directories are ignored; each
// session gets its own cookie jar.
type Launcher struct {
	pages  map[string]string
	client *http.Client
	logger *slog.Logger
}

var _ browser.Launcher = (*Launcher)(nil)

// Option configures a Launcher.
type Option func(*Launcher)

// WithPages serves the given HTML documents by absolute URL without touching
// the network.
func WithPages(pages map[string]string) Option {
	return func(l *Launcher) {
		for k, v := range pages {
			l.pages[k] = v
		}
	}
}

// WithHTTPClient sets the client used for http(s) pages. Its cookie jar, if
// any, is replaced per session.
func WithHTTPClient(c *http.Client) Option {
	return func(l *Launcher) { l.client = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Launcher) { l.logger = logger }
}

// NewLauncher creates a static launcher.
func NewLauncher(opts ...Option) *Launcher {
	l := &Launcher{pages: make(map[string]string), client: &http.Client{Timeout: 30 * time.Second}, logger: slog.Default()}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Launch implements browser.Launcher.
func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client := *l.client
	client.Jar = jar
	l.logger.DebugContext(ctx, "static session launched", "profile_dir", opts.ProfileDir)
	return newSession(&client, l.pages, l.logger), nil
}
