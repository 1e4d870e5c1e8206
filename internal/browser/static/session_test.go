package static

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/browserflow/internal/browser"
	"github.com/rendis/browserflow/pkg/schema"
)

const loginPage = `<html><head><title>Sign in</title></head><body>
<h1 id="greeting"> Welcome back </h1>
<form action="/session" method="post">
  <input name="user" id="user">
  <input name="remember" type="checkbox" value="yes">
  <input name="csrf" type="hidden" value="t0k">
  <button id="go">Sign in</button>
</form>
<a id="help" href="/help?topic=login">Help</a>
<p class="banner" style="display: none">Maintenance</p>
<div hidden><span class="deep">hidden child</span></div>
</body></html>`

func launch(t *testing.T, opts ...Option) *Session {
	t.Helper()
	s, err := NewLauncher(opts...).Launch(context.Background(), browser.LaunchOptions{ProfileDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s.(*Session)
}

func do(t *testing.T, s *Session, req browser.ActionRequest) browser.ActionResult {
	t.Helper()
	return s.Execute(context.Background(), req)
}

func TestSession_NavigateRegisteredPage(t *testing.T) {
	s := launch(t, WithPages(map[string]string{"https://shop.test/login": loginPage}))

	u, err := s.URL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "about:blank", u)

	res := do(t, s, browser.ActionRequest{Type: schema.StepNavigate, URL: "https://shop.test/login"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "https://shop.test/login", res.Data)

	res = do(t, s, browser.ActionRequest{Type: schema.StepNavigate, URL: "https://shop.test/missing"})
	assert.False(t, res.Success)
}

func TestSession_QueryElementsVisibility(t *testing.T) {
	s := launch(t, WithPages(map[string]string{"https://shop.test/login": loginPage}))
	require.True(t, do(t, s, browser.ActionRequest{Type: schema.StepNavigate, URL: "https://shop.test/login"}).Success)

	tests := []struct {
		selector string
		count    int
		visible  bool
	}{
		{"#greeting", 1, true},
		{".banner", 1, false},
		{"input[name=csrf]", 1, false},
		{".deep", 1, false},
		{"input", 3, true},
		{".nothing", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.selector, func(t *testing.T) {
			els, err := s.QueryElements(context.Background(), tt.selector)
			require.NoError(t, err)
			require.Len(t, els, tt.count)
			if tt.count > 0 {
				assert.Equal(t, tt.visible, els[0].Visible)
			}
		})
	}

	els, _ := s.QueryElements(context.Background(), "#greeting")
	assert.Equal(t, "Welcome back", els[0].Text)
	assert.Equal(t, "greeting", els[0].Attributes["id"])
}

func TestSession_FillExtractAndScript(t *testing.T) {
	s := launch(t, WithPages(map[string]string{"https://shop.test/login": loginPage}))
	require.True(t, do(t, s, browser.ActionRequest{Type: schema.StepNavigate, URL: "https://shop.test/login"}).Success)

	require.True(t, do(t, s, browser.ActionRequest{Type: schema.StepFill, Selector: "#user", Value: "ada"}).Success)

	res := do(t, s, browser.ActionRequest{Type: schema.StepExtract, Selector: "#user", Attribute: "value"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "ada", res.Data)

	res = do(t, s, browser.ActionRequest{Type: schema.StepExtract, Selector: "#greeting"})
	assert.Equal(t, "Welcome back", res.Data)

	res = do(t, s, browser.ActionRequest{Type: schema.StepExtract, Selector: "#greeting", Attribute: "data-x"})
	assert.False(t, res.Success)

	got, err := s.Evaluate(context.Background(), `document.querySelector("#user").value + "@" + location.host`)
	require.NoError(t, err)
	assert.Equal(t, "ada@shop.test", got)

	got, err = s.Evaluate(context.Background(), `document.querySelectorAll("input").length`)
	require.NoError(t, err)
	assert.EqualValues(t, 3, got)

	got, err = s.Evaluate(context.Background(), `document.title === "Sign in" && document.querySelector(".nothing") === null`)
	require.NoError(t, err)
	assert.Equal(t, true, got)

	res = do(t, s, browser.ActionRequest{Type: schema.StepExecuteJS, Script: `document.querySelector("#user").value = "grace"; 1`})
	require.True(t, res.Success, res.Error)
	html, err := s.HTML(context.Background())
	require.NoError(t, err)
	assert.Contains(t, html, `value="grace"`)

	_, err = s.Evaluate(context.Background(), `throw new Error("boom")`)
	assert.ErrorContains(t, err, "boom")
}

func TestSession_ScriptHonorsContext(t *testing.T) {
	s := launch(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Evaluate(ctx, `for (;;) {}`)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSession_ClickFollowsLinksAndSubmitsForms(t *testing.T) {
	var posted string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			_, _ = w.Write([]byte(loginPage))
		case "/help":
			_, _ = w.Write([]byte(`<html><body><h1>Help: ` + r.URL.Query().Get("topic") + `</h1></body></html>`))
		case "/session":
			_ = r.ParseForm()
			posted = r.PostForm.Encode()
			http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
		case "/dashboard":
			_, _ = w.Write([]byte(`<html><body><h1 id="dash">Dashboard</h1></body></html>`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := launch(t, WithHTTPClient(srv.Client()))
	require.True(t, do(t, s, browser.ActionRequest{Type: schema.StepNavigate, URL: srv.URL + "/login"}).Success)

	require.True(t, do(t, s, browser.ActionRequest{Type: schema.StepClick, Selector: "#help"}).Success)
	res := do(t, s, browser.ActionRequest{Type: schema.StepExtract, Selector: "h1"})
	assert.Equal(t, "Help: login", res.Data)

	require.True(t, do(t, s, browser.ActionRequest{Type: schema.StepNavigate, URL: "/login"}).Success)
	require.True(t, do(t, s, browser.ActionRequest{Type: schema.StepFill, Selector: "#user", Value: "ada"}).Success)
	require.True(t, do(t, s, browser.ActionRequest{Type: schema.StepClick, Selector: "input[name=remember]"}).Success)
	require.True(t, do(t, s, browser.ActionRequest{Type: schema.StepClick, Selector: "#go"}).Success)

	assert.Equal(t, "csrf=t0k&remember=yes&user=ada", posted)
	u, _ := s.URL(context.Background())
	assert.Equal(t, srv.URL+"/dashboard", u)
	assert.Len(t, s.History(), 4)

	res = do(t, s, browser.ActionRequest{Type: schema.StepClick, Selector: "#nope"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, `no element matches "#nope"`)
}

func TestSession_PressEnterSubmits(t *testing.T) {
	page := `<form action="https://shop.test/search"><input id="q" name="q"></form>`
	s := launch(t, WithPages(map[string]string{
		"https://shop.test/":               page,
		"https://shop.test/search?q=boots": `<p id="hits">12 results</p>`,
	}))
	require.True(t, do(t, s, browser.ActionRequest{Type: schema.StepNavigate, URL: "https://shop.test/"}).Success)
	require.True(t, do(t, s, browser.ActionRequest{Type: schema.StepFill, Selector: "#q", Value: "boots"}).Success)
	res := do(t, s, browser.ActionRequest{Type: schema.StepPress, Selector: "#q", Keys: "Enter"})
	require.True(t, res.Success, res.Error)

	u, _ := s.URL(context.Background())
	assert.Equal(t, "https://shop.test/search?q=boots", u)
}

func TestSession_FileURLAndWait(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.html")
	require.NoError(t, os.WriteFile(path, []byte(`<div class="ready">ok</div>`), 0o644))

	s := launch(t)
	require.True(t, do(t, s, browser.ActionRequest{Type: schema.StepNavigate, URL: "file://" + path}).Success)
	assert.True(t, do(t, s, browser.ActionRequest{Type: schema.StepWait, Selector: ".ready"}).Success)
	assert.False(t, do(t, s, browser.ActionRequest{Type: schema.StepWait, Selector: ".spinner"}).Success)
	assert.True(t, do(t, s, browser.ActionRequest{Type: schema.StepWait, Duration: time.Millisecond}).Success)
}

func TestSession_ScreenshotUnsupportedAndClose(t *testing.T) {
	s := launch(t)
	_, err := s.Screenshot(context.Background(), true)
	assert.True(t, errors.Is(err, errors.ErrUnsupported))
	assert.False(t, do(t, s, browser.ActionRequest{Type: schema.StepScreenshot}).Success)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	res := do(t, s, browser.ActionRequest{Type: schema.StepNavigate, URL: "about:blank"})
	assert.False(t, res.Success)
}
