package automation

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/sync/singleflight"

	"github.com/shehryarbajwa/browserhub/internal/logging"
	"github.com/shehryarbajwa/browserhub/pkg/models"
)

// Config holds per-action timeouts
type Config struct {
	ConnectTimeout  time.Duration
	ActionTimeout   time.Duration
	NavigateTimeout time.Duration
	StableWait      time.Duration
	MaxTextLength   int
}

// DefaultConfig returns the executor defaults
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  15 * time.Second,
		ActionTimeout:   30 * time.Second,
		NavigateTimeout: 45 * time.Second,
		StableWait:      500 * time.Millisecond,
		MaxTextLength:   8000,
	}
}

// RodExecutor runs instructions against remote browsers over CDP. It never
// closes the remote browser; lifecycle belongs to the session manager.
type RodExecutor struct {
	cfg Config

	mu       sync.Mutex
	browsers map[string]*rod.Browser // keyed by vendor session id
	dials    singleflight.Group
}

// NewRodExecutor creates an executor with no open connections
func NewRodExecutor(cfg Config) *RodExecutor {
	return &RodExecutor{
		cfg:      cfg,
		browsers: make(map[string]*rod.Browser),
	}
}

// Execute parses command and runs it on the browser behind handle.
// Cancelling ctx aborts the in-flight CDP call.
func (x *RodExecutor) Execute(ctx context.Context, handle models.BrowserHandle, command string) (string, error) {
	ins, err := ParseInstruction(command)
	if err != nil {
		return "", err
	}

	page, err := x.activePage(ctx, handle)
	if err != nil {
		return "", err
	}
	page = page.Context(ctx)

	start := time.Now()
	out, err := x.run(page, ins)
	logging.Debug("automation: executed",
		"vendor_session_id", handle.VendorSessionID,
		"action", ins.Action,
		"took", time.Since(start),
		"error", err,
	)
	return out, err
}

func (x *RodExecutor) run(page *rod.Page, ins Instruction) (string, error) {
	p := page.Timeout(x.cfg.ActionTimeout)

	switch ins.Action {
	case ActionOpen:
		if err := x.navigate(page, ins.Target); err != nil {
			return "", err
		}
		return x.describe(page)

	case ActionClick:
		el, err := p.Element(ins.Target)
		if err != nil {
			return "", fmt.Errorf("element not found: %s", ins.Target)
		}
		if err := el.ScrollIntoView(); err != nil {
			logging.Warn("automation: failed to scroll into view", "selector", ins.Target, "error", err)
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return "", fmt.Errorf("click failed: %w", err)
		}
		_ = page.Timeout(3 * time.Second).WaitStable(x.cfg.StableWait)
		return "Clicked: " + ins.Target, nil

	case ActionType:
		el, err := p.Element(ins.Target)
		if err != nil {
			return "", fmt.Errorf("element not found: %s", ins.Target)
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return "", fmt.Errorf("failed to focus element: %w", err)
		}
		if err := el.Input(ins.Text); err != nil {
			return "", fmt.Errorf("type failed: %w", err)
		}
		return fmt.Sprintf("Typed into %s: %s", ins.Target, truncate(ins.Text, 50)), nil

	case ActionWait:
		el, err := p.Element(ins.Target)
		if err != nil {
			return "", fmt.Errorf("timeout waiting for: %s", ins.Target)
		}
		if err := el.WaitVisible(); err != nil {
			return "", fmt.Errorf("element not visible: %s", ins.Target)
		}
		return "Element visible: " + ins.Target, nil

	case ActionText:
		selector := ins.Target
		if selector == "" {
			selector = "body"
		}
		el, err := p.Element(selector)
		if err != nil {
			return "", fmt.Errorf("element not found: %s", selector)
		}
		text, err := el.Text()
		if err != nil {
			return "", fmt.Errorf("failed to read text: %w", err)
		}
		return truncate(text, x.cfg.MaxTextLength), nil

	case ActionTitle:
		info, err := p.Info()
		if err != nil {
			return "", fmt.Errorf("failed to get page info: %w", err)
		}
		return info.Title, nil

	case ActionScreenshot:
		img, err := p.Screenshot(false, nil)
		if err != nil {
			return "", fmt.Errorf("failed to take screenshot: %w", err)
		}
		return "data:image/png;base64," + base64.StdEncoding.EncodeToString(img), nil

	case ActionEval:
		res, err := p.Eval(ins.Target)
		if err != nil {
			return "", fmt.Errorf("JavaScript error: %w", err)
		}
		if res == nil || res.Value.Nil() {
			return "Executed (no return value)", nil
		}
		return truncate(res.Value.String(), x.cfg.MaxTextLength), nil

	case ActionBack:
		if err := p.NavigateBack(); err != nil {
			return "", fmt.Errorf("back failed: %w", err)
		}
		_ = p.WaitLoad()
		return x.describe(page)

	case ActionReload:
		if err := p.Reload(); err != nil {
			return "", fmt.Errorf("reload failed: %w", err)
		}
		_ = p.WaitLoad()
		return x.describe(page)
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownAction, ins.Action)
}

func (x *RodExecutor) navigate(page *rod.Page, target string) error {
	p := page.Timeout(x.cfg.NavigateTimeout)
	if err := p.Navigate(target); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		// SPAs may never fire load; the page is usually still usable
		logging.Warn("automation: WaitLoad timeout", "url", target)
	}
	_ = page.Timeout(3 * time.Second).WaitStable(x.cfg.StableWait)
	return nil
}

func (x *RodExecutor) describe(page *rod.Page) (string, error) {
	info, err := page.Timeout(x.cfg.ActionTimeout).Info()
	if err != nil {
		return "", fmt.Errorf("failed to get page info: %w", err)
	}
	return fmt.Sprintf("Loaded %s (%s)", info.URL, info.Title), nil
}

// activePage returns the first open tab, creating one on an empty browser
func (x *RodExecutor) activePage(ctx context.Context, handle models.BrowserHandle) (*rod.Page, error) {
	b, err := x.connect(ctx, handle)
	if err != nil {
		return nil, err
	}
	b = b.Context(ctx)

	pages, err := b.Pages()
	if err != nil {
		if ctx.Err() == nil {
			x.Forget(handle.VendorSessionID)
		}
		return nil, fmt.Errorf("browser disconnected: %w", err)
	}
	if len(pages) > 0 {
		return pages.First(), nil
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}
	return page, nil
}

func (x *RodExecutor) cached(vendorSessionID string) *rod.Browser {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.browsers[vendorSessionID]
}

// connect returns a cached connection, replacing it if the browser stopped
// answering. The map lock is never held across a CDP round trip, and
// concurrent dials for one vendor session share a single attempt.
func (x *RodExecutor) connect(ctx context.Context, handle models.BrowserHandle) (*rod.Browser, error) {
	if b := x.cached(handle.VendorSessionID); b != nil {
		if _, err := b.Context(ctx).Version(); err == nil {
			return b, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logging.Debug("automation: cached connection is dead, reconnecting", "vendor_session_id", handle.VendorSessionID)
		x.forgetIf(handle.VendorSessionID, b)
	}

	if handle.ControlURL == "" {
		return nil, fmt.Errorf("session has no control url")
	}

	ch := x.dials.DoChan(handle.VendorSessionID, func() (interface{}, error) {
		return x.dial(handle)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*rod.Browser), nil
	}
}

// dial opens a new connection bounded by ConnectTimeout. Only the websocket
// dial sees that deadline; the connection itself lives until Forget.
func (x *RodExecutor) dial(handle models.BrowserHandle) (*rod.Browser, error) {
	if b := x.cached(handle.VendorSessionID); b != nil {
		return b, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), x.cfg.ConnectTimeout)
	defer cancel()

	client, err := cdp.StartWithURL(ctx, handle.ControlURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	b := rod.New().Client(client)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	x.mu.Lock()
	x.browsers[handle.VendorSessionID] = b
	x.mu.Unlock()
	return b, nil
}

func (x *RodExecutor) forgetIf(vendorSessionID string, b *rod.Browser) {
	x.mu.Lock()
	if x.browsers[vendorSessionID] == b {
		delete(x.browsers, vendorSessionID)
	}
	x.mu.Unlock()
}

// Forget drops the cached connection for a vendor session
func (x *RodExecutor) Forget(vendorSessionID string) {
	x.mu.Lock()
	delete(x.browsers, vendorSessionID)
	x.mu.Unlock()
}

// truncate cuts s to at most max bytes without splitting a UTF-8 sequence
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "... (truncated)"
}
