package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/go-rod/stealth"

	"ucdriver-go/infrastructure/cdp"
)

// CDPDriver implements Driver by attaching chromedp to a running browser.
type CDPDriver struct {
	config      *DriverConfig
	logger      *slog.Logger
	allocCtx    context.Context
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
	targetID    string
	mu          sync.Mutex
	running     bool
}

// NewCDPDriver creates a driver for the browser at config.DebuggerAddress.
func NewCDPDriver(config *DriverConfig, logger *slog.Logger) *CDPDriver {
	if config == nil {
		config = DefaultDriverConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CDPDriver{
		config: config,
		logger: logger.With("component", "cdp_driver"),
	}
}

// Start attaches to the browser and, when configured, installs the stealth
// script.
func (d *CDPDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("driver already attached")
	}
	if d.config.DebuggerAddress == "" {
		return fmt.Errorf("debugger address is required")
	}

	endpoints := cdp.NewEndpoints(d.config.DebuggerAddress)
	version, err := endpoints.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to query browser: %w", err)
	}

	targetID := d.config.TargetID
	if targetID == "" {
		first, err := endpoints.FirstPage(ctx)
		if err != nil {
			return err
		}
		targetID = first.ID
	}

	// The allocator outlives the caller's context; Stop releases it.
	d.allocCtx, d.allocCancel = chromedp.NewRemoteAllocator(context.Background(), version.WebSocketDebuggerURL)
	d.ctx, d.cancel = chromedp.NewContext(d.allocCtx, chromedp.WithTargetID(target.ID(targetID)))

	actions := []chromedp.Action{}
	if d.config.Stealth {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealth.JS).Do(ctx)
			return err
		}))
	}
	if err := chromedp.Run(d.ctx, actions...); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to attach to target %s: %w", targetID, err)
	}

	d.targetID = targetID
	d.running = true
	d.logger.Debug("Attached to browser", "target", targetID, "browser", version.Browser)
	return nil
}

// Stop detaches from the browser.
func (d *CDPDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}

	d.cleanup()
	return nil
}

func (d *CDPDriver) cleanup() {
	d.running = false
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.allocCancel != nil {
		d.allocCancel()
		d.allocCancel = nil
	}
	d.ctx = nil
	d.allocCtx = nil
}

// IsRunning returns true if the driver is attached.
func (d *CDPDriver) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// TargetID returns the attached page target.
func (d *CDPDriver) TargetID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.targetID
}

// Context returns the underlying chromedp context.
func (d *CDPDriver) Context() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctx
}

func (d *CDPDriver) browserContext() (context.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running || d.ctx == nil {
		return nil, ErrNotRunning
	}
	return d.ctx, nil
}

// Navigate navigates to the specified URL.
func (d *CDPDriver) Navigate(ctx context.Context, url string) error {
	browserCtx, err := d.browserContext()
	if err != nil {
		return err
	}
	return chromedp.Run(browserCtx, chromedp.Navigate(url))
}

// Reload refreshes the current page.
func (d *CDPDriver) Reload(ctx context.Context) error {
	browserCtx, err := d.browserContext()
	if err != nil {
		return err
	}
	return chromedp.Run(browserCtx, chromedp.Reload())
}

// Evaluate runs a JavaScript expression.
func (d *CDPDriver) Evaluate(ctx context.Context, expression string, res any) error {
	browserCtx, err := d.browserContext()
	if err != nil {
		return err
	}
	return chromedp.Run(browserCtx, chromedp.Evaluate(expression, res))
}

// WaitVisible waits for an element to become visible. A deadline on ctx is
// carried over to the browser context.
func (d *CDPDriver) WaitVisible(ctx context.Context, selector string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	browserCtx, err := d.browserContext()
	if err != nil {
		return err
	}

	execCtx := browserCtx
	if deadline, ok := ctx.Deadline(); ok {
		timeout := time.Until(deadline)
		if timeout <= 0 {
			return context.DeadlineExceeded
		}
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(browserCtx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(execCtx, chromedp.WaitVisible(selector, chromedp.ByQuery))
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendKeys sends keystrokes to an element.
func (d *CDPDriver) SendKeys(ctx context.Context, selector, text string) error {
	browserCtx, err := d.browserContext()
	if err != nil {
		return err
	}
	timeoutCtx, cancel := context.WithTimeout(browserCtx, d.config.ActionTimeout)
	defer cancel()
	return chromedp.Run(timeoutCtx, chromedp.SendKeys(selector, text, chromedp.ByQuery))
}

// ClickElement clicks on an element by CSS selector.
func (d *CDPDriver) ClickElement(ctx context.Context, selector string) error {
	browserCtx, err := d.browserContext()
	if err != nil {
		return err
	}
	timeoutCtx, cancel := context.WithTimeout(browserCtx, d.config.ActionTimeout)
	defer cancel()
	return chromedp.Run(timeoutCtx, chromedp.Click(selector, chromedp.ByQuery))
}

// GetCookies retrieves all browser cookies.
func (d *CDPDriver) GetCookies(ctx context.Context) ([]Cookie, error) {
	browserCtx, err := d.browserContext()
	if err != nil {
		return nil, err
	}

	var networkCookies []*network.Cookie
	if err := chromedp.Run(browserCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			networkCookies, err = storage.GetCookies().Do(ctx)
			return err
		}),
	); err != nil {
		return nil, fmt.Errorf("failed to get cookies: %w", err)
	}

	return FromNetworkCookies(networkCookies), nil
}

// SetCookies sets browser cookies.
func (d *CDPDriver) SetCookies(ctx context.Context, cookies []Cookie) error {
	browserCtx, err := d.browserContext()
	if err != nil {
		return err
	}

	params := ToCookieParams(cookies)
	return chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return storage.SetCookies(params).Do(ctx)
	}))
}

// Ensure CDPDriver implements Driver
var _ Driver = (*CDPDriver)(nil)
