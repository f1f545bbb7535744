package undetected

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"ucdriver-go/infrastructure/browser"
	"ucdriver-go/infrastructure/cdp"
	"ucdriver-go/infrastructure/locator"
	"ucdriver-go/infrastructure/metrics"
	"ucdriver-go/infrastructure/options"
)

// CDPLaunchConfig holds options for starting a browser controlled only over
// DevTools, without chromedriver.
type CDPLaunchConfig struct {
	// Browser describes the command line. A temporary profile is used when nil.
	Browser *options.CDPConfig
	// Driver configures the attached chromedp driver.
	Driver *browser.DriverConfig
	// StartupTimeout bounds waiting for the debugging port.
	StartupTimeout time.Duration

	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Launcher Launcher
	Locate   func() (string, error)
	// NewDriver builds the attached driver. browser.NewCDPDriver when nil.
	NewDriver func(*browser.DriverConfig, *slog.Logger) browser.Driver
}

// CDPBrowser is a browser launched for pure CDP control.
type CDPBrowser struct {
	driver    browser.Driver
	endpoints *cdp.Endpoints
	config    *options.CDPConfig
	launcher  Launcher
	pid       int
	logger    *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// StartCDP launches the browser with the CDP argument set and attaches a
// chromedp driver to its first page.
func StartCDP(ctx context.Context, cfg *CDPLaunchConfig) (*CDPBrowser, error) {
	if cfg == nil {
		cfg = &CDPLaunchConfig{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cdp_launch")

	bc := cfg.Browser
	if bc == nil {
		var err error
		if bc, err = options.NewCDPConfig("", logger); err != nil {
			return nil, err
		}
	}
	if bc.BrowserExecutablePath == "" {
		locate := cfg.Locate
		if locate == nil {
			locate = locator.FindChromeExecutable
		}
		path, err := locate()
		if err != nil {
			return nil, err
		}
		bc.BrowserExecutablePath = path
	}
	if bc.Host == "" {
		bc.Host = "127.0.0.1"
	}
	if bc.Port == 0 {
		port, err := freePort()
		if err != nil {
			return nil, fmt.Errorf("failed to pick debugging port: %w", err)
		}
		bc.Port = port
	}

	launcher := cfg.Launcher
	if launcher == nil {
		launcher = NewProcessLauncher(nil)
	}
	pid, err := launcher.Launch(bc.BrowserExecutablePath, bc.Args(), true)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	cfg.Metrics.BrowserLaunched("cdp")

	addr := net.JoinHostPort(bc.Host, strconv.Itoa(bc.Port))
	b := &CDPBrowser{
		endpoints: cdp.NewEndpoints(addr),
		config:    bc,
		launcher:  launcher,
		pid:       pid,
		logger:    logger.With("pid", pid),
	}

	if err := waitForDebugger(ctx, b.endpoints, cfg.StartupTimeout); err != nil {
		_ = b.Close()
		return nil, err
	}

	dc := browser.DefaultDriverConfig()
	if cfg.Driver != nil {
		copied := *cfg.Driver
		dc = &copied
	}
	dc.DebuggerAddress = addr
	newDriver := cfg.NewDriver
	if newDriver == nil {
		newDriver = func(c *browser.DriverConfig, l *slog.Logger) browser.Driver {
			return browser.NewCDPDriver(c, l)
		}
	}
	b.driver = newDriver(dc, logger)
	if err := b.driver.Start(ctx); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to attach to browser: %w", err)
	}

	b.logger.Info("CDP browser started", "address", addr)
	return b, nil
}

// Driver returns the attached driver.
func (b *CDPBrowser) Driver() browser.Driver {
	return b.driver
}

// Endpoints returns the HTTP endpoints of the debugging port.
func (b *CDPBrowser) Endpoints() *cdp.Endpoints {
	return b.endpoints
}

// PID returns the browser process id.
func (b *CDPBrowser) PID() int {
	return b.pid
}

// UserDataDir returns the profile folder.
func (b *CDPBrowser) UserDataDir() string {
	return b.config.UserDataDir()
}

// Close detaches the driver, terminates the browser and removes a temporary
// profile. Safe to call more than once.
func (b *CDPBrowser) Close() error {
	b.closeOnce.Do(func() {
		var errs []error
		if b.driver != nil {
			if err := b.driver.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := b.launcher.Terminate(b.pid); err != nil {
			errs = append(errs, fmt.Errorf("failed to terminate browser: %w", err))
		}
		if !b.config.UsesCustomDataDir() {
			for attempt := 0; attempt < 5; attempt++ {
				if err := os.RemoveAll(b.config.UserDataDir()); err == nil {
					break
				}
				time.Sleep(100 * time.Millisecond)
			}
		}
		b.closeErr = errors.Join(errs...)
	})
	return b.closeErr
}
