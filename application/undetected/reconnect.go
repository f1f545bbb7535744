package undetected

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ucdriver-go/core/event"
	"ucdriver-go/core/state"
	"ucdriver-go/infrastructure/browser"
)

// Disconnect stops the chromedriver service. The browser keeps running and
// sees no WebDriver traffic until Connect.
func (c *Chrome) Disconnect() error {
	c.trace("Disconnect")
	if err := c.transitionTo(state.StateDisconnected); err != nil {
		return err
	}
	c.metrics.Reconnect("disconnect")
	err := c.client.StopService()
	if err != nil {
		c.logger.Debug("Failed to stop chromedriver", "error", err)
	}
	c.publish(event.NewDriverDisconnected(c.id))
	return err
}

// Connect restarts the chromedriver service and attaches a new session.
func (c *Chrome) Connect() error {
	c.trace("Connect")
	if cur := c.State(); cur != state.StateDisconnected && cur != state.StateCDPMode {
		return state.NewTransitionError(cur, state.StateConnected, "driver is not disconnected")
	}
	c.metrics.Reconnect("connect")

	var errs []error
	if err := c.startService(); err != nil {
		c.logger.Debug("Failed to start chromedriver", "error", err)
		errs = append(errs, err)
	}
	if _, err := c.client.NewSession(c.caps); err != nil {
		c.logger.Debug("Failed to start session", "error", err)
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	c.mu.Lock()
	drv := c.cdpDriver
	c.cdpDriver = nil
	c.mu.Unlock()
	if drv != nil {
		_ = drv.Stop()
	}

	if err := c.transitionTo(state.StateConnected); err != nil {
		return err
	}
	c.publish(event.NewDriverReconnected(c.id))
	return nil
}

// Reconnect disconnects, waits d and connects again. A zero d means
// DefaultReconnectDelay. Every step runs even when an earlier one failed.
func (c *Chrome) Reconnect(d time.Duration) error {
	if d <= 0 {
		d = DefaultReconnectDelay
	}
	c.trace("Reconnect", "delay", d)
	derr := c.Disconnect()
	c.sleep(d)
	cerr := c.Connect()
	return errors.Join(derr, cerr)
}

// UCReconnect reconnects with DefaultUCReconnectDelay when d is zero.
func (c *Chrome) UCReconnect(d time.Duration) error {
	if d <= 0 {
		d = DefaultUCReconnectDelay
	}
	return c.Reconnect(d)
}

// OpenWithReconnect navigates to url while no WebDriver session is attached,
// so that the page loads without chromedriver present. A zero d means
// DefaultOpenDelay.
func (c *Chrome) OpenWithReconnect(ctx context.Context, url string, d time.Duration) error {
	if d <= 0 {
		d = DefaultOpenDelay
	}
	c.trace("OpenWithReconnect", "url", url, "delay", d)

	var errs []error
	if err := c.Disconnect(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ExecuteCDPCmd(ctx, "Page.navigate", map[string]any{"url": url}); err != nil {
		c.logger.Debug("Failed to navigate over devtools", "url", url, "error", err)
		errs = append(errs, fmt.Errorf("failed to navigate to %s: %w", url, err))
	}
	c.sleep(d)
	if err := c.Connect(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// UCClick schedules a JavaScript click on selector, then reconnects after d
// so the click lands while chromedriver is detached. A zero d means
// DefaultUCClickDelay.
func (c *Chrome) UCClick(selector string, d time.Duration) error {
	if d <= 0 {
		d = DefaultUCClickDelay
	}
	c.trace("UCClick", "selector", selector, "delay", d)
	script, err := delayedClickScript(selector, ucClickDelayMillis)
	if err != nil {
		return err
	}
	if _, err := c.ExecuteScript(script); err != nil {
		return err
	}
	return c.Reconnect(d)
}

func delayedClickScript(selector string, delayMillis int) (string, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"window.setTimeout(function() { document.querySelector(%s).click(); }, %d);",
		quoted, delayMillis), nil
}

// ActivateCDPMode drops the WebDriver session and drives the same browser
// over DevTools only. When url is not empty the page navigates there. If the
// DevTools driver cannot start, the previous WebDriver session is restored.
func (c *Chrome) ActivateCDPMode(ctx context.Context, url string) (browser.Driver, error) {
	c.trace("ActivateCDPMode", "url", url)
	prev := c.State()
	if !prev.CanTransitionTo(state.StateCDPMode) {
		return nil, state.NewTransitionError(prev, state.StateCDPMode, "cannot enter cdp mode")
	}
	if prev == state.StateConnected {
		if err := c.Disconnect(); err != nil {
			c.logger.Debug("Disconnect before cdp mode failed", "error", err)
		}
	}

	cfg := browser.DefaultDriverConfig()
	cfg.DebuggerAddress = c.options.DebuggerAddress
	drv := c.newCDPDriver(cfg)
	err := drv.Start(ctx)
	if err != nil {
		err = fmt.Errorf("failed to activate cdp mode: %w", err)
	} else if url != "" {
		if err = drv.Navigate(ctx, url); err != nil {
			_ = drv.Stop()
		}
	}
	if err != nil {
		if prev == state.StateConnected {
			if cerr := c.Connect(); cerr != nil {
				err = errors.Join(err, fmt.Errorf("failed to restore session: %w", cerr))
			}
		}
		return nil, err
	}

	if err := c.transitionTo(state.StateCDPMode); err != nil {
		_ = drv.Stop()
		return nil, err
	}
	c.mu.Lock()
	c.cdpDriver = drv
	c.mu.Unlock()
	c.publish(event.NewCDPModeActivated(c.id, url))
	return drv, nil
}

func (c *Chrome) newCDPDriver(cfg *browser.DriverConfig) browser.Driver {
	if c.config.NewCDPDriver != nil {
		return c.config.NewCDPDriver(cfg, c.logger)
	}
	return browser.NewCDPDriver(cfg, c.logger)
}

// CDPDriver returns the pure-DevTools driver while in CDP mode.
func (c *Chrome) CDPDriver() (browser.Driver, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cdpDriver == nil {
		return nil, browser.ErrNotRunning
	}
	return c.cdpDriver, nil
}
