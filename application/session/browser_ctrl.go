package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ucdriver-go/core/state"
	"ucdriver-go/infrastructure/browser"
)

// Driver is the undetected driver controlled by a session.
type Driver interface {
	ID() string
	State() state.DriverState
	Get(ctx context.Context, url string) error
	ExecuteScript(script string, args ...any) (any, error)
	Disconnect() error
	Connect() error
	Reconnect(d time.Duration) error
	OpenWithReconnect(ctx context.Context, url string, d time.Duration) error
	UCClick(selector string, d time.Duration) error
	ActivateCDPMode(ctx context.Context, url string) (browser.Driver, error)
	CDPDriver() (browser.Driver, error)
	GetCookies(ctx context.Context) ([]browser.Cookie, error)
	SetCookies(ctx context.Context, cookies []browser.Cookie) error
	Quit() error
}

// BrowserController routes page operations to WebDriver or, in CDP mode, to
// the DevTools driver.
type BrowserController struct {
	driver Driver
	logger *slog.Logger
}

// NewBrowserController creates a new browser controller.
func NewBrowserController(driver Driver, logger *slog.Logger) *BrowserController {
	if logger == nil {
		logger = slog.Default()
	}
	return &BrowserController{
		driver: driver,
		logger: logger,
	}
}

// Navigate opens url on whichever channel is active.
func (c *BrowserController) Navigate(ctx context.Context, url string) error {
	switch c.driver.State() {
	case state.StateConnected:
		return c.driver.Get(ctx, url)
	case state.StateCDPMode:
		drv, err := c.driver.CDPDriver()
		if err != nil {
			return err
		}
		return drv.Navigate(ctx, url)
	default:
		return fmt.Errorf("cannot navigate in state %s", c.driver.State())
	}
}

// Evaluate runs a script and returns its result.
func (c *BrowserController) Evaluate(ctx context.Context, script string, args ...any) (any, error) {
	switch c.driver.State() {
	case state.StateConnected:
		return c.driver.ExecuteScript(script, args...)
	case state.StateCDPMode:
		drv, err := c.driver.CDPDriver()
		if err != nil {
			return nil, err
		}
		var res any
		if err := drv.Evaluate(ctx, wrapFunctionBody(script), &res); err != nil {
			return nil, err
		}
		return res, nil
	default:
		return nil, fmt.Errorf("cannot execute script in state %s", c.driver.State())
	}
}

// wrapFunctionBody turns a WebDriver style script body into an expression.
func wrapFunctionBody(script string) string {
	return "(function(){" + script + "\n})()"
}

// GetCookies retrieves all browser cookies.
func (c *BrowserController) GetCookies(ctx context.Context) ([]browser.Cookie, error) {
	if !c.IsRunning() {
		return nil, browser.ErrNotRunning
	}
	return c.driver.GetCookies(ctx)
}

// SetCookies sets browser cookies.
func (c *BrowserController) SetCookies(ctx context.Context, cookies []browser.Cookie) error {
	if !c.IsRunning() {
		return browser.ErrNotRunning
	}
	return c.driver.SetCookies(ctx, cookies)
}

// IsRunning returns true if the browser is active.
func (c *BrowserController) IsRunning() bool {
	s := c.driver.State()
	return s.IsActive() && s != state.StateStopping
}
