package undetected

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tebeka/selenium"

	"ucdriver-go/core/event"
	"ucdriver-go/core/eventbus"
	"ucdriver-go/core/state"
	"ucdriver-go/infrastructure/browser"
	"ucdriver-go/infrastructure/cdp"
	"ucdriver-go/infrastructure/dprocess"
	"ucdriver-go/infrastructure/locator"
	"ucdriver-go/infrastructure/metrics"
	"ucdriver-go/infrastructure/options"
	"ucdriver-go/infrastructure/patcher"
	"ucdriver-go/infrastructure/version"
	"ucdriver-go/infrastructure/webdriver"
)

const debugHost = "127.0.0.1"

// ErrNotConnected is returned by WebDriver operations while no session is attached.
var ErrNotConnected = errors.New("driver is not connected")

// ErrReactorDisabled is returned by listener operations when CDP events are off.
var ErrReactorDisabled = errors.New("cdp events are not enabled")

// Chrome controls a browser launched with a patched chromedriver attached to it.
type Chrome struct {
	id        string
	profileID string
	config    *Config

	options         *options.ChromeOptions
	patcher         *patcher.Patcher
	client          *webdriver.Client
	caps            selenium.Capabilities
	endpoints       *cdp.Endpoints
	launcher        Launcher
	reactor         *Reactor
	bus             eventbus.EventBus
	metrics         *metrics.Metrics
	logger          *slog.Logger
	sleep           func(time.Duration)
	browserPID      int
	userDataDir     string
	keepUserDataDir bool
	language        string

	mu        sync.Mutex
	state     state.DriverState
	pageConn  *cdp.Conn
	cdpDriver browser.Driver
	quitOnce  sync.Once
	quitErr   error
}

// New patches the driver, launches the browser and attaches a WebDriver
// session to it.
func New(ctx context.Context, cfg *Config) (*Chrome, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	opts := cfg.Options
	if opts == nil {
		opts = options.NewChromeOptions()
	}
	launcher := cfg.Launcher
	if launcher == nil {
		launcher = NewProcessLauncher(nil)
	}

	c := &Chrome{
		id:        id,
		profileID: cfg.ProfileID,
		config:    cfg,
		options:   opts,
		launcher:  launcher,
		bus:       cfg.EventBus,
		metrics:   cfg.Metrics,
		logger:    logger.With("component", "undetected", "driver_id", id),
		sleep:     time.Sleep,
		state:     state.StateIdle,
	}
	if err := c.start(ctx); err != nil {
		c.logger.Error("Failed to start driver", "error", err)
		c.abort()
		return nil, err
	}
	return c, nil
}

func (c *Chrome) start(ctx context.Context) error {
	cfg := c.config
	if err := c.transitionTo(state.StateStarting); err != nil {
		return err
	}

	binary := firstNonEmpty(c.options.BinaryLocation, cfg.BrowserExecutablePath)
	if binary == "" {
		locate := cfg.Locate
		if locate == nil {
			locate = locator.FindChromeExecutable
		}
		found, err := locate()
		if err != nil {
			return err
		}
		binary = found
	}

	driverPath := cfg.DriverExecutablePath
	if cfg.PatchDriver {
		pcfg := patcher.DefaultConfig()
		if cfg.Patcher != nil {
			copied := *cfg.Patcher
			pcfg = &copied
		}
		pcfg.ExecutablePath = cfg.DriverExecutablePath
		pcfg.VersionMain = cfg.VersionMain
		if pcfg.VersionMain == 0 && pcfg.ExecutablePath == "" {
			pcfg.VersionMain = c.browserMajor(ctx, binary)
		}
		pcfg.Force = cfg.PatcherForceClose
		c.patcher = patcher.New(pcfg, c.metrics, c.logger)
		if _, err := c.patcher.Auto(ctx); err != nil {
			return fmt.Errorf("failed to prepare chromedriver: %w", err)
		}
	}
	if c.patcher != nil {
		driverPath = c.patcher.ExecutablePath
		c.publish(event.NewDriverPatched(c.id, driverPath, c.patcher.VersionFull))
	}
	if driverPath == "" {
		return fmt.Errorf("no chromedriver executable: enable patching or set a driver path")
	}

	if err := c.options.Bind(); err != nil {
		return err
	}

	host, port, err := c.debugAddress()
	if err != nil {
		return err
	}
	if cfg.EnableCDPEvents {
		c.options.SetCapability("goog:loggingPrefs", map[string]string{"performance": "ALL", "browser": "ALL"})
	}
	c.options.AddArgument("--remote-debugging-host=" + host)
	c.options.AddArgument("--remote-debugging-port=" + strconv.Itoa(port))

	if err := c.resolveUserDataDir(); err != nil {
		return err
	}
	c.options.AddArgument("--lang=" + c.language)
	c.options.BinaryLocation = binary

	if cfg.SuppressWelcome {
		c.options.AddArguments(
			"--no-default-browser-check",
			"--no-first-run",
			"--no-service-autorun",
			"--password-store=basic",
		)
	}
	c.options.AddArgument(fmt.Sprintf("--log-level=%d", cfg.LogLevel))
	if cfg.Headless {
		c.options.AddArgument("--headless=new")
	}

	if err := c.options.HandlePrefs(c.userDataDir); err != nil {
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	if fixed, err := options.FixExitType(c.userDataDir); err != nil {
		c.logger.Debug("Did not find a bad exit_type flag", "error", err)
	} else if fixed {
		c.logger.Debug("Fixed exit_type flag")
	}

	detached := !cfg.UseSubprocess
	pid, err := c.launcher.Launch(binary, c.options.Arguments(), detached)
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	c.browserPID = pid
	mode := "subprocess"
	if detached {
		mode = "detached"
	}
	c.metrics.BrowserLaunched(mode)
	c.publish(event.NewBrowserLaunched(c.id, pid, c.userDataDir))
	c.logger.Info("Browser launched", "pid", pid, "mode", mode, "debugger", c.options.DebuggerAddress)

	if err := c.waitForBrowser(ctx); err != nil {
		return err
	}

	c.client = webdriver.NewClient(&webdriver.Config{
		DriverPath: driverPath,
		Port:       cfg.Port,
		Output:     cfg.DriverOutput,
	}, c.logger)
	if cfg.StartFunc != nil || cfg.NewRemote != nil {
		start, remote := cfg.StartFunc, cfg.NewRemote
		if start == nil {
			start = func(path string, port int) (webdriver.Service, error) {
				return selenium.NewChromeDriverService(path, port)
			}
		}
		if remote == nil {
			remote = selenium.NewRemote
		}
		c.client.WithFactories(start, remote)
	}
	c.caps = webdriver.Capabilities(c.options)
	if err := c.startService(); err != nil {
		return err
	}
	if _, err := c.client.NewSession(c.caps); err != nil {
		return err
	}

	if cfg.EnableCDPEvents {
		c.reactor = NewReactor(c.id, c.endpoints, c.bus, c.metrics, c.logger)
		c.reactor.Start(context.Background())
	}

	if err := c.transitionTo(state.StateConnected); err != nil {
		return err
	}
	c.metrics.DriverStarted()
	c.publish(event.NewDriverStarted(c.id, c.profileID, c.options.DebuggerAddress))
	return nil
}

// browserMajor reads the major version of the browser at binary so the
// downloaded driver matches it. It returns 0, meaning latest, when the
// version cannot be read.
func (c *Chrome) browserMajor(ctx context.Context, binary string) int {
	detect := c.config.DetectVersion
	if detect == nil {
		detect = version.NewDetector().Detect
	}
	v, err := detect(ctx, binary)
	if err != nil || v.IsZero() {
		c.logger.Warn("Could not read browser version, using the latest driver", "binary", binary, "error", err)
		return 0
	}
	c.logger.Debug("Detected browser version", "binary", binary, "version", v.String())
	return v.Major()
}

// startService starts chromedriver while holding the driver lock in shared
// mode, so no other process swaps the binary during the launch.
func (c *Chrome) startService() error {
	if c.patcher == nil {
		return c.client.StartService()
	}
	unlock, err := c.patcher.SharedLock(context.Background())
	if err != nil {
		return fmt.Errorf("failed to lock chromedriver: %w", err)
	}
	defer unlock()
	return c.client.StartService()
}

// debugAddress returns the remote debugging host and port, choosing a free
// local port unless the options already name one.
func (c *Chrome) debugAddress() (string, int, error) {
	if addr := c.options.DebuggerAddress; addr != "" {
		host, p, err := net.SplitHostPort(addr)
		if err != nil {
			return "", 0, fmt.Errorf("invalid debugger address %q: %w", addr, err)
		}
		port, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("invalid debugger port %q: %w", p, err)
		}
		c.endpoints = cdp.NewEndpoints(addr)
		return host, port, nil
	}
	port, err := freePort()
	if err != nil {
		return "", 0, err
	}
	c.options.DebuggerAddress = net.JoinHostPort(debugHost, strconv.Itoa(port))
	c.endpoints = cdp.NewEndpoints(c.options.DebuggerAddress)
	return debugHost, port, nil
}

func (c *Chrome) resolveUserDataDir() error {
	if c.config.UserDataDir != "" {
		c.options.AddArgument("--user-data-dir=" + c.config.UserDataDir)
	}
	args := c.options.Arguments()
	lang, hasLang := options.LanguageFromArgs(args)
	dir, hasDir := options.UserDataDirFromArgs(args)

	switch {
	case hasDir:
		c.userDataDir, c.keepUserDataDir = dir, true
	case c.options.UserDataDir() != "":
		c.userDataDir, c.keepUserDataDir = c.options.UserDataDir(), true
		c.options.AddArgument("--user-data-dir=" + c.userDataDir)
	default:
		tmp, err := options.TempProfileDir()
		if err != nil {
			return err
		}
		c.userDataDir, c.keepUserDataDir = tmp, false
		c.options.AddArgument("--user-data-dir=" + tmp)
		c.logger.Debug("Created a temporary user data dir", "path", tmp)
	}

	if !hasLang || lang == "" {
		lang = languageFromEnv(os.Getenv("LANG"))
	}
	c.language = lang
	return nil
}

// languageFromEnv turns a POSIX locale such as en_GB.UTF-8 into en-GB.
func languageFromEnv(v string) string {
	v, _, _ = strings.Cut(v, ".")
	v, _, _ = strings.Cut(v, "@")
	if v == "" || v == "C" || v == "POSIX" {
		return "en-US"
	}
	return strings.ReplaceAll(v, "_", "-")
}

func (c *Chrome) waitForBrowser(ctx context.Context) error {
	return waitForDebugger(ctx, c.endpoints, c.config.StartupTimeout)
}

// waitForDebugger polls /json/version until the browser answers.
func waitForDebugger(ctx context.Context, endpoints *cdp.Endpoints, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := endpoints.Version(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("browser did not open its debugging port at %s: %w", endpoints.URL("version"), ctx.Err())
		case <-ticker.C:
		}
	}
}

// abort releases whatever a failed start left behind.
func (c *Chrome) abort() {
	if c.client != nil {
		_ = c.client.StopService()
	}
	if c.reactor != nil {
		c.reactor.Stop()
	}
	if c.browserPID != 0 {
		_ = c.launcher.Terminate(c.browserPID)
	}
	if c.userDataDir != "" && !c.keepUserDataDir {
		_ = os.RemoveAll(c.userDataDir)
	}
	c.setState(state.StateStopped)
}

// ID returns the driver ID.
func (c *Chrome) ID() string {
	return c.id
}

// ProfileID returns the profile the driver was started for.
func (c *Chrome) ProfileID() string {
	return c.profileID
}

// State returns the lifecycle state.
func (c *Chrome) State() state.DriverState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BrowserPID returns the browser process id.
func (c *Chrome) BrowserPID() int {
	return c.browserPID
}

// UserDataDir returns the profile folder in use.
func (c *Chrome) UserDataDir() string {
	return c.userDataDir
}

// KeepUserDataDir reports whether the profile folder survives Quit.
func (c *Chrome) KeepUserDataDir() bool {
	return c.keepUserDataDir
}

// Language returns the browser UI language.
func (c *Chrome) Language() string {
	return c.language
}

// DebuggerAddress returns the host:port of the remote debugging endpoint.
func (c *Chrome) DebuggerAddress() string {
	return c.options.DebuggerAddress
}

// Options returns the bound launch options.
func (c *Chrome) Options() *options.ChromeOptions {
	return c.options
}

// Patcher returns the driver patcher, or nil when patching is off.
func (c *Chrome) Patcher() *patcher.Patcher {
	return c.patcher
}

// Reactor returns the event reactor, or nil when CDP events are off.
func (c *Chrome) Reactor() *Reactor {
	return c.reactor
}

// Endpoints returns the HTTP side of the debugging port.
func (c *Chrome) Endpoints() *cdp.Endpoints {
	return c.endpoints
}

// Quit terminates the browser and releases every resource. It is idempotent.
func (c *Chrome) Quit() error {
	c.quitOnce.Do(func() {
		c.trace("Quit")
		if err := c.transitionTo(state.StateStopping); err != nil {
			c.logger.Debug("Quit from unexpected state", "error", err)
		}

		var errs []error
		c.logger.Debug("Terminating the browser", "pid", c.browserPID)
		if err := c.launcher.Terminate(c.browserPID); err != nil {
			c.logger.Debug("Failed to terminate browser", "error", err)
		}
		if c.client != nil && c.client.ServiceRunning() {
			c.logger.Debug("Stopping webdriver service")
			if err := c.client.StopService(); err != nil {
				errs = append(errs, err)
			}
		}
		if c.reactor != nil {
			c.logger.Debug("Shutting down reactor")
			c.reactor.Stop()
		}

		c.mu.Lock()
		conn, drv := c.pageConn, c.cdpDriver
		c.pageConn, c.cdpDriver = nil, nil
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		if drv != nil {
			_ = drv.Stop()
		}

		if !c.keepUserDataDir && c.userDataDir != "" {
			c.removeProfile()
		}
		// The patcher goes last; the binary is busy until chromedriver exits.
		if c.patcher != nil && !c.config.KeepDriverBinary {
			c.patcher.Cleanup()
		}

		c.quitErr = errors.Join(errs...)
		c.setState(state.StateStopped)
		c.metrics.DriverStopped()
		c.publish(event.NewDriverStopped(c.id, c.quitErr))
	})
	return c.quitErr
}

func (c *Chrome) removeProfile() {
	for attempt := 0; attempt < 5; attempt++ {
		err := os.RemoveAll(c.userDataDir)
		if err == nil {
			c.logger.Debug("Removed temporary user data dir", "path", c.userDataDir)
			return
		}
		c.logger.Debug("Failed to remove temporary user data dir, retrying", "error", err)
		c.sleep(100 * time.Millisecond)
	}
}

func (c *Chrome) transitionTo(newState state.DriverState) error {
	c.mu.Lock()
	oldState := c.state
	if oldState == newState {
		c.mu.Unlock()
		return nil
	}
	if !oldState.CanTransitionTo(newState) {
		c.mu.Unlock()
		return state.NewTransitionError(oldState, newState, "")
	}
	c.state = newState
	c.mu.Unlock()

	c.publish(event.NewDriverStateChanged(c.id, oldState, newState))
	c.logger.Debug("State changed", "from", oldState, "to", newState)
	return nil
}

// setState forces a state, used on teardown paths.
func (c *Chrome) setState(newState state.DriverState) {
	c.mu.Lock()
	oldState := c.state
	c.state = newState
	c.mu.Unlock()
	if oldState != newState {
		c.publish(event.NewDriverStateChanged(c.id, oldState, newState))
	}
}

func (c *Chrome) publish(e event.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}

func (c *Chrome) trace(method string, args ...any) {
	if c.config.Debug {
		c.logger.Debug("Calling "+method, args...)
	}
}

var freePort = dprocess.FreePort

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
