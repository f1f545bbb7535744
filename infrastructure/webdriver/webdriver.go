// Package webdriver runs the chromedriver service and its WebDriver session.
package webdriver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tebeka/selenium"
	"github.com/tebeka/selenium/chrome"

	"ucdriver-go/infrastructure/dprocess"
	"ucdriver-go/infrastructure/options"
)

// ErrNoSession is returned when no WebDriver session is open.
var ErrNoSession = errors.New("no webdriver session")

// Service is a running chromedriver process.
type Service interface {
	Stop() error
}

// StartServiceFunc starts chromedriver at path listening on port.
type StartServiceFunc func(path string, port int) (Service, error)

// NewRemoteFunc opens a WebDriver session against urlPrefix.
type NewRemoteFunc func(caps selenium.Capabilities, urlPrefix string) (selenium.WebDriver, error)

// Config holds client configuration.
type Config struct {
	// DriverPath is the chromedriver executable.
	DriverPath string
	// Port is the chromedriver port; 0 picks a free one on every start.
	Port int
	// Output receives chromedriver logs. Nil discards them.
	Output io.Writer
}

// Client owns a chromedriver service and at most one session on it.
type Client struct {
	config *Config
	logger *slog.Logger

	startService StartServiceFunc
	newRemote    NewRemoteFunc

	mu      sync.Mutex
	service Service
	port    int
	session selenium.WebDriver
}

// NewClient creates a client backed by tebeka/selenium.
func NewClient(config *Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	out := config.Output
	if out == nil {
		out = io.Discard
	}
	return &Client{
		config: config,
		logger: logger.With("component", "webdriver"),
		startService: func(path string, port int) (Service, error) {
			return selenium.NewChromeDriverService(path, port, selenium.Output(out))
		},
		newRemote: selenium.NewRemote,
	}
}

// WithFactories replaces the service and session constructors.
func (c *Client) WithFactories(start StartServiceFunc, remote NewRemoteFunc) *Client {
	c.startService = start
	c.newRemote = remote
	return c
}

// StartService launches chromedriver.
func (c *Client) StartService() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.service != nil {
		return nil
	}
	port := c.config.Port
	if port == 0 {
		p, err := dprocess.FreePort()
		if err != nil {
			return err
		}
		port = p
	}
	svc, err := c.startService(c.config.DriverPath, port)
	if err != nil {
		return fmt.Errorf("failed to start chromedriver: %w", err)
	}
	c.service = svc
	c.port = port
	c.logger.Debug("Started chromedriver", "port", port)
	return nil
}

// StopService stops chromedriver. The session handle is dropped, the browser
// keeps running.
func (c *Client) StopService() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.session = nil
	if c.service == nil {
		return nil
	}
	err := c.service.Stop()
	c.service = nil
	if err != nil {
		return fmt.Errorf("failed to stop chromedriver: %w", err)
	}
	c.logger.Debug("Stopped chromedriver", "port", c.port)
	return nil
}

// ServiceRunning reports whether chromedriver is up.
func (c *Client) ServiceRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.service != nil
}

// NewSession opens a session with caps on the running service.
func (c *Client) NewSession(caps selenium.Capabilities) (selenium.WebDriver, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.service == nil {
		return nil, fmt.Errorf("chromedriver is not running")
	}
	wd, err := c.newRemote(caps, fmt.Sprintf("http://127.0.0.1:%d/wd/hub", c.port))
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	c.session = wd
	return wd, nil
}

// Session returns the open session.
func (c *Client) Session() (selenium.WebDriver, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, ErrNoSession
	}
	return c.session, nil
}

// Capabilities builds WebDriver capabilities from launch options. The session
// attaches to the already running browser through the debugger address.
func Capabilities(opts *options.ChromeOptions) selenium.Capabilities {
	caps := selenium.Capabilities{"browserName": "chrome"}

	chromeCaps := chrome.Capabilities{
		Path:         opts.BinaryLocation,
		Args:         opts.Arguments(),
		DebuggerAddr: opts.DebuggerAddress,
	}
	exp := opts.ExperimentalOptions()
	if prefs, ok := exp["prefs"].(map[string]any); ok {
		chromeCaps.Prefs = prefs
	}
	if switches, ok := exp["excludeSwitches"].([]string); ok {
		chromeCaps.ExcludeSwitches = switches
	}
	caps.AddChrome(chromeCaps)

	for k, v := range opts.Capabilities() {
		caps[k] = v
	}
	return caps
}
