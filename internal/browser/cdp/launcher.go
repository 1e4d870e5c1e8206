package cdp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chromedp/chromedp"

	"github.com/rendis/browserflow/internal/browser"
)

// Launcher starts Chrome sessions.
type Launcher struct {
	execPath  string
	remoteURL string
	width     int
	height    int
	flags     map[string]any
	logger    *slog.Logger
}

var _ browser.Launcher = (*Launcher)(nil)

// Option configures a Launcher.
type Option func(*Launcher)

// WithExecPath selects the Chrome binary instead of searching PATH.
func WithExecPath(path string) Option { return func(l *Launcher) { l.execPath = path } }

// WithRemoteURL attaches to an already running browser at a DevTools
// websocket URL. Profile directories are then managed by that browser.
func WithRemoteURL(u string) Option { return func(l *Launcher) { l.remoteURL = u } }

// WithWindowSize sets the initial viewport.
func WithWindowSize(w, h int) Option { return func(l *Launcher) { l.width, l.height = w, h } }

// WithFlag adds one Chrome command-line flag.
func WithFlag(name string, value any) Option { return func(l *Launcher) { l.flags[name] = value } }

// WithLogger sets the logger that receives chromedp diagnostics.
func WithLogger(logger *slog.Logger) Option { return func(l *Launcher) { l.logger = logger } }

// NewLauncher creates a Chrome launcher.
func NewLauncher(opts ...Option) *Launcher {
	l := &Launcher{width: 1400, height: 900, flags: make(map[string]any), logger: slog.Default()}
	for _, o := range opts {
		o(l)
	}
	return l
}

// allocatorOptions builds the exec allocator flags for one profile.
func (l *Launcher) allocatorOptions(opts browser.LaunchOptions) []chromedp.ExecAllocatorOption {
	out := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(l.width, l.height),
	)
	if opts.ProfileDir != "" {
		out = append(out, chromedp.UserDataDir(opts.ProfileDir))
	}
	if l.execPath != "" {
		out = append(out, chromedp.ExecPath(l.execPath))
	}
	for name, v := range l.flags {
		out = append(out, chromedp.Flag(name, v))
	}
	return out
}

// Launch starts a browser for opts.ProfileDir and opens its first tab.
func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Session, error) {
	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	// The allocator outlives the launch call; only the startup is bound by ctx.
	base := context.WithoutCancel(ctx)
	if l.remoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(base, l.remoteURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(base, l.allocatorOptions(opts)...)
	}

	logf := func(format string, args ...any) {
		l.logger.Debug(fmt.Sprintf(format, args...), "component", "chromedp")
	}
	bctx, bcancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(logf), chromedp.WithErrorf(logf))

	start := make(chan error, 1)
	go func() { start <- chromedp.Run(bctx) }()
	select {
	case err := <-start:
		if err != nil {
			bcancel()
			allocCancel()
			return nil, fmt.Errorf("start chrome: %w", err)
		}
	case <-ctx.Done():
		bcancel()
		allocCancel()
		return nil, ctx.Err()
	}

	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	l.logger.InfoContext(ctx, "chrome session started", "profile_dir", opts.ProfileDir, "headless", opts.Headless, "remote", l.remoteURL != "")
	return &Session{
		ctx: bctx,
		cancel: func() {
			bcancel()
			allocCancel()
		},
		timeout: timeout,
		logger:  l.logger,
	}, nil
}
