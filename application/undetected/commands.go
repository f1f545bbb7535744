package undetected

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/tebeka/selenium"

	"ucdriver-go/infrastructure/cdp"
)

const getCDCPropsJS = `
let objectToInspect = window,
    result = [];
while (objectToInspect !== null) {
  result = result.concat(Object.getOwnPropertyNames(objectToInspect));
  objectToInspect = Object.getPrototypeOf(objectToInspect);
}
return result.filter(i => i.match(/^[a-z]{3}_[a-z]{22}_.*/i));
`

// Session returns the attached WebDriver session.
func (c *Chrome) Session() (selenium.WebDriver, error) {
	if !c.State().CanAcceptOperations() {
		return nil, ErrNotConnected
	}
	return c.client.Session()
}

// Get strips automation properties from new documents and navigates to url.
func (c *Chrome) Get(ctx context.Context, url string) error {
	c.trace("Get", "url", url)
	wd, err := c.Session()
	if err != nil {
		return err
	}
	if err := c.RemoveCDCPropsAsNeeded(ctx); err != nil {
		c.logger.Debug("Failed to remove cdc props", "error", err)
	}
	if err := wd.Get(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

// ExecuteScript runs script in the current page through WebDriver.
func (c *Chrome) ExecuteScript(script string, args ...any) (any, error) {
	c.trace("ExecuteScript")
	wd, err := c.Session()
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = []any{}
	}
	res, err := wd.ExecuteScript(script, args)
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}
	return res, nil
}

// CDCProps lists window properties that look like chromedriver markers.
func (c *Chrome) CDCProps() ([]string, error) {
	res, err := c.ExecuteScript(getCDCPropsJS)
	if err != nil {
		return nil, err
	}
	items, _ := res.([]any)
	props := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			props = append(props, s)
		}
	}
	return props, nil
}

// RemoveCDCPropsAsNeeded registers a new-document script deleting any
// chromedriver marker found on window.
func (c *Chrome) RemoveCDCPropsAsNeeded(ctx context.Context) error {
	props, err := c.CDCProps()
	if err != nil {
		return err
	}
	if len(props) == 0 {
		return nil
	}
	source, err := removeCDCPropsSource(props)
	if err != nil {
		return err
	}
	_, err = c.ExecuteCDPCmd(ctx, "Page.addScriptToEvaluateOnNewDocument", map[string]any{"source": source})
	return err
}

func removeCDCPropsSource(props []string) (string, error) {
	list, err := json.Marshal(props)
	if err != nil {
		return "", err
	}
	return string(list) + ".forEach(p => delete window[p]);", nil
}

// ExecuteCDPCmd sends a DevTools command to the page target and returns its
// raw result.
func (c *Chrome) ExecuteCDPCmd(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.trace("ExecuteCDPCmd", "method", method)
	conn, err := c.devtools(ctx)
	if err != nil {
		return nil, err
	}
	return conn.Send(ctx, method, params)
}

// devtools returns a live connection to the first page target, dialing a new
// one when the previous connection dropped.
func (c *Chrome) devtools(ctx context.Context) (*cdp.Conn, error) {
	c.mu.Lock()
	conn := c.pageConn
	c.mu.Unlock()
	if conn != nil {
		select {
		case <-conn.Done():
		default:
			return conn, nil
		}
	}

	target, err := c.endpoints.FirstPage(ctx)
	if err != nil {
		return nil, err
	}
	conn, err = cdp.Dial(ctx, target.WebSocketDebuggerURL, c.logger)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.pageConn != nil && c.pageConn != conn {
		select {
		case <-c.pageConn.Done():
		default:
			// lost a race with another caller
			existing := c.pageConn
			c.mu.Unlock()
			conn.Close()
			return existing, nil
		}
	}
	c.pageConn = conn
	c.mu.Unlock()
	return conn, nil
}

// WindowNew opens a new browser window, switches the session to it and,
// when url is not empty, navigates there.
func (c *Chrome) WindowNew(ctx context.Context, url string) error {
	c.trace("WindowNew", "url", url)
	wd, err := c.Session()
	if err != nil {
		return err
	}
	before, err := wd.WindowHandles()
	if err != nil {
		return fmt.Errorf("failed to list windows: %w", err)
	}
	if _, err := wd.ExecuteScript(`window.open("about:blank", "_blank", "popup");`, []any{}); err != nil {
		return fmt.Errorf("failed to open window: %w", err)
	}
	after, err := wd.WindowHandles()
	if err != nil {
		return fmt.Errorf("failed to list windows: %w", err)
	}
	for _, h := range after {
		if !slices.Contains(before, h) {
			if err := wd.SwitchWindow(h); err != nil {
				return fmt.Errorf("failed to switch to window %s: %w", h, err)
			}
			break
		}
	}
	if url == "" {
		return nil
	}
	return c.Get(ctx, url)
}

// TabNew opens url in a new tab through the debugging endpoint.
func (c *Chrome) TabNew(ctx context.Context, url string) (*cdp.Target, error) {
	c.trace("TabNew", "url", url)
	return c.endpoints.New(ctx, url)
}

// TabList returns the browser targets.
func (c *Chrome) TabList(ctx context.Context) ([]cdp.Target, error) {
	c.trace("TabList")
	return c.endpoints.List(ctx)
}

// AddCDPListener registers a callback for a DevTools event and returns the
// number of registered listeners.
func (c *Chrome) AddCDPListener(method string, h cdp.Handler) (int, error) {
	if c.reactor == nil {
		return 0, ErrReactorDisabled
	}
	return c.reactor.AddEventHandler(method, h)
}

// ClearCDPListeners removes every DevTools listener.
func (c *Chrome) ClearCDPListeners() {
	if c.reactor != nil {
		c.reactor.ClearHandlers()
	}
}
