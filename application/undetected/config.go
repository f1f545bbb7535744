// Package undetected drives Chrome through a patched chromedriver attached to
// a browser it launched itself.
package undetected

import (
	"context"
	"io"
	"log/slog"
	"time"

	"ucdriver-go/core/eventbus"
	"ucdriver-go/infrastructure/browser"
	"ucdriver-go/infrastructure/metrics"
	"ucdriver-go/infrastructure/options"
	"ucdriver-go/infrastructure/patcher"
	"ucdriver-go/infrastructure/version"
	"ucdriver-go/infrastructure/webdriver"
)

// Default delays for the reconnect family of operations.
const (
	DefaultReconnectDelay   = 100 * time.Millisecond
	DefaultOpenDelay        = 2 * time.Second
	DefaultUCClickDelay     = 500 * time.Millisecond
	DefaultUCReconnectDelay = 200 * time.Millisecond

	// ucClickDelayMillis is how long the scheduled click waits so that the
	// WebDriver session is already gone when it fires.
	ucClickDelayMillis = 111
)

// Config holds construction options for Chrome.
type Config struct {
	// ID identifies the driver on the event bus. A uuid is assigned when empty.
	ID string
	// ProfileID is carried on lifecycle events.
	ProfileID string

	// Options customizes the browser. A fresh value is used when nil.
	Options *options.ChromeOptions
	// UserDataDir is an explicit profile folder. It is never removed.
	UserDataDir string
	// DriverExecutablePath is a user supplied chromedriver.
	DriverExecutablePath string
	// BrowserExecutablePath overrides browser discovery.
	BrowserExecutablePath string
	// Port is the chromedriver port; 0 picks a free one.
	Port int
	// EnableCDPEvents starts a reactor forwarding DevTools events.
	EnableCDPEvents bool
	// LogLevel is passed to the browser as --log-level.
	LogLevel int
	// Headless starts the browser without a window.
	Headless bool
	// PatchDriver downloads and patches chromedriver when needed.
	PatchDriver bool
	// VersionMain pins the browser major version used to pick a driver.
	VersionMain int
	// PatcherForceClose kills processes holding the driver binary.
	PatcherForceClose bool
	// SuppressWelcome adds the first-run suppression switches.
	SuppressWelcome bool
	// UseSubprocess keeps the browser as a child process instead of detaching it.
	UseSubprocess bool
	// Debug logs every facade call.
	Debug bool
	// KeepDriverBinary skips removing the downloaded driver on Quit.
	KeepDriverBinary bool

	// Patcher configures downloads. DefaultConfig() is used when nil.
	Patcher *patcher.Config
	// StartupTimeout bounds waiting for the debugging port to answer.
	StartupTimeout time.Duration
	// DriverOutput receives chromedriver logs.
	DriverOutput io.Writer

	// Dependencies
	EventBus  eventbus.EventBus
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Launcher  Launcher
	Locate    func() (string, error)
	StartFunc webdriver.StartServiceFunc
	NewRemote webdriver.NewRemoteFunc
	// DetectVersion reads the browser version when patching with no pinned
	// VersionMain. Defaults to running the browser binary.
	DetectVersion func(ctx context.Context, binary string) (version.Version, error)
	// NewCDPDriver builds the DevTools driver used in CDP mode.
	NewCDPDriver func(cfg *browser.DriverConfig, logger *slog.Logger) browser.Driver
}

// DefaultConfig returns the construction defaults.
func DefaultConfig() *Config {
	return &Config{
		PatchDriver:     true,
		SuppressWelcome: true,
		UseSubprocess:   true,
		StartupTimeout:  30 * time.Second,
	}
}
