// Package browser drives an already running browser over CDP.
package browser

import (
	"context"
	"errors"
	"time"
)

// ErrNotRunning is returned by operations on a driver that is not attached.
var ErrNotRunning = errors.New("browser not running")

// Driver defines the interface for pure CDP browser control.
type Driver interface {
	// Start attaches to the browser.
	Start(ctx context.Context) error

	// Stop detaches from the browser. The browser keeps running.
	Stop() error

	// IsRunning returns true if the driver is attached.
	IsRunning() bool

	// Navigate navigates to the specified URL.
	Navigate(ctx context.Context, url string) error

	// Reload refreshes the current page.
	Reload(ctx context.Context) error

	// Evaluate runs a JavaScript expression and decodes its result into res.
	Evaluate(ctx context.Context, expression string, res any) error

	// WaitVisible waits for an element to become visible.
	WaitVisible(ctx context.Context, selector string) error

	// SendKeys sends keystrokes to an element.
	SendKeys(ctx context.Context, selector, text string) error

	// ClickElement clicks on an element by CSS selector.
	ClickElement(ctx context.Context, selector string) error

	// GetCookies retrieves all browser cookies.
	GetCookies(ctx context.Context) ([]Cookie, error)

	// SetCookies sets browser cookies.
	SetCookies(ctx context.Context, cookies []Cookie) error
}

// Cookie represents a browser cookie.
type Cookie struct {
	Name         string  `json:"name" bson:"name"`
	Value        string  `json:"value" bson:"value"`
	Domain       string  `json:"domain" bson:"domain"`
	Path         string  `json:"path" bson:"path"`
	Expires      float64 `json:"expires,omitempty" bson:"expires,omitempty"`
	HTTPOnly     bool    `json:"httpOnly" bson:"httpOnly"`
	Secure       bool    `json:"secure" bson:"secure"`
	SameSite     string  `json:"sameSite,omitempty" bson:"sameSite,omitempty"`
	SourcePort   int     `json:"sourcePort,omitempty" bson:"sourcePort,omitempty"`
	SourceScheme string  `json:"sourceScheme,omitempty" bson:"sourceScheme,omitempty"`
	Priority     string  `json:"priority,omitempty" bson:"priority,omitempty"`
}

// DriverConfig holds configuration for the CDP driver.
type DriverConfig struct {
	// DebuggerAddress is the host:port of the browser remote debugging port.
	DebuggerAddress string

	// TargetID selects the page to attach to. Empty picks the first page.
	TargetID string

	// Stealth injects evasion scripts into every new document.
	Stealth bool

	// ActionTimeout bounds single input actions.
	ActionTimeout time.Duration
}

// DefaultDriverConfig returns default CDP driver configuration.
func DefaultDriverConfig() *DriverConfig {
	return &DriverConfig{
		Stealth:       true,
		ActionTimeout: 5 * time.Second,
	}
}
