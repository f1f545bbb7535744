// Package session implements the Session Actor pattern for managing undetected drivers.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ucdriver-go/core/command"
	"ucdriver-go/core/event"
	"ucdriver-go/core/eventbus"
	"ucdriver-go/core/state"
	"ucdriver-go/domain/profile"
	"ucdriver-go/infrastructure/browser"
)

// CookieStore persists cookies per profile.
type CookieStore interface {
	SaveCookies(ctx context.Context, profileID string, cookies []profile.Cookie) error
	LoadCookies(ctx context.Context, profileID string) ([]profile.Cookie, error)
}

// Session wraps a single driver as an Actor.
// It processes commands serially through a command queue, so reconnects
// never interleave with other driver operations.
type Session struct {
	id        string
	profileID string

	browserCtrl *BrowserController
	driver      Driver
	eventBus    eventbus.EventBus
	cookies     CookieStore
	logger      *slog.Logger

	cmdChan  chan command.Command
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Config holds configuration for creating a new Session.
type Config struct {
	ProfileID     string
	Driver        Driver
	EventBus      eventbus.EventBus
	Cookies       CookieStore
	Logger        *slog.Logger
	CommandBuffer int
}

// New creates a new Session actor. The session ID is the driver ID.
func New(cfg *Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = 100
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := cfg.Driver.ID()
	logger := cfg.Logger.With("driver_id", id)

	return &Session{
		id:          id,
		profileID:   cfg.ProfileID,
		browserCtrl: NewBrowserController(cfg.Driver, logger),
		driver:      cfg.Driver,
		eventBus:    cfg.EventBus,
		cookies:     cfg.Cookies,
		logger:      logger,
		cmdChan:     make(chan command.Command, cfg.CommandBuffer),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins the session's command processing loop.
func (s *Session) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("Session started")
}

// Stop signals the session to stop and waits for cleanup with timeout.
func (s *Session) Stop() {
	s.stopOnce.Do(s.cancel)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Session stopped")
	case <-time.After(10 * time.Second):
		s.logger.Warn("Session stop timeout")
	}
}

// Done is closed once the session stops accepting commands.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Send sends a command to the session for processing.
// Returns an error if the session is not accepting commands.
func (s *Session) Send(cmd command.Command) error {
	select {
	case <-s.ctx.Done():
		return fmt.Errorf("session is stopped")
	default:
	}
	select {
	case s.cmdChan <- cmd:
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("session is stopped")
	default:
		return fmt.Errorf("command queue full")
	}
}

// ID returns the session ID.
func (s *Session) ID() string {
	return s.id
}

// ProfileID returns the associated profile ID.
func (s *Session) ProfileID() string {
	return s.profileID
}

// State returns the current driver state.
func (s *Session) State() state.DriverState {
	return s.driver.State()
}

// Driver returns the underlying driver.
func (s *Session) Driver() Driver {
	return s.driver
}

// run is the main command processing loop.
func (s *Session) run() {
	defer s.wg.Done()
	defer s.cleanup()

	for {
		select {
		case <-s.ctx.Done():
			return
		case cmd := <-s.cmdChan:
			s.processCommand(cmd)
		}
	}
}

// cleanup quits the driver when the session stops.
func (s *Session) cleanup() {
	if s.driver.State().IsTerminal() {
		return
	}
	if err := s.driver.Quit(); err != nil {
		s.logger.Error("Failed to quit driver", "error", err)
	}
}

// processCommand handles a single command.
func (s *Session) processCommand(cmd command.Command) {
	s.logger.Debug("Processing command", "command", cmd.CommandName())

	switch c := cmd.(type) {
	case *command.Navigate:
		s.handleNavigate(c)
	case *command.OpenWithReconnect:
		s.handleOpenWithReconnect(c)
	case *command.UCClick:
		s.handleUCClick(c)
	case *command.ExecuteScript:
		s.handleExecuteScript(c)
	case *command.SaveCookies:
		s.handleSaveCookies(c)
	case *command.LoadCookies:
		s.handleLoadCookies(c)

	case *command.Disconnect:
		s.report("disconnect", s.driver.Disconnect())
	case *command.Connect:
		s.report("connect", s.driver.Connect())
	case *command.Reconnect:
		s.report("reconnect", s.driver.Reconnect(c.Delay))
	case *command.ActivateCDPMode:
		_, err := s.driver.ActivateCDPMode(s.ctx, c.URL)
		s.report("activate_cdp_mode", err)

	case *command.StopDriver:
		s.logger.Info("Stop driver requested")
		s.cancel()

	default:
		s.logger.Warn("Unknown command", "command", fmt.Sprintf("%T", cmd))
	}
}

func (s *Session) publishEvent(e event.Event) {
	if s.eventBus != nil {
		s.eventBus.Publish(e)
	}
}

// report logs and publishes a failed operation.
func (s *Session) report(operation string, err error) {
	if err == nil {
		return
	}
	s.logger.Error("Operation failed", "operation", operation, "error", err)
	s.publishEvent(event.NewOperationFailed(s.id, operation, err))
}

// Command handlers

func (s *Session) handleNavigate(cmd *command.Navigate) {
	s.report("navigate", s.browserCtrl.Navigate(s.ctx, cmd.URL))
}

func (s *Session) handleOpenWithReconnect(cmd *command.OpenWithReconnect) {
	if !s.driver.State().CanReconnect() {
		s.logger.Warn("Cannot open with reconnect in current state", "state", s.driver.State())
		return
	}
	s.report("open_with_reconnect", s.driver.OpenWithReconnect(s.ctx, cmd.URL, cmd.Delay))
}

func (s *Session) handleUCClick(cmd *command.UCClick) {
	if !s.driver.State().CanAcceptOperations() {
		s.logger.Warn("Cannot accept uc click in current state", "state", s.driver.State())
		return
	}
	s.report("uc_click", s.driver.UCClick(cmd.Selector, cmd.Delay))
}

func (s *Session) handleExecuteScript(cmd *command.ExecuteScript) {
	res, err := s.browserCtrl.Evaluate(s.ctx, cmd.Script, cmd.Args...)
	if err != nil {
		s.report("execute_script", err)
		return
	}
	s.publishEvent(event.NewScriptExecuted(s.id, res))
}

func (s *Session) handleSaveCookies(cmd *command.SaveCookies) {
	if s.cookies == nil || s.profileID == "" {
		s.logger.Warn("No profile to save cookies to")
		return
	}

	cookies, err := s.browserCtrl.GetCookies(s.ctx)
	if err != nil {
		s.report("save_cookies", err)
		return
	}
	if err := s.cookies.SaveCookies(s.ctx, s.profileID, toProfileCookies(cookies)); err != nil {
		s.report("save_cookies", err)
		return
	}
	s.publishEvent(event.NewCookiesSaved(s.id, len(cookies)))
	s.logger.Info("Cookies saved", "count", len(cookies))
}

func (s *Session) handleLoadCookies(cmd *command.LoadCookies) {
	if s.cookies == nil || s.profileID == "" {
		s.logger.Warn("No profile to load cookies from")
		return
	}

	stored, err := s.cookies.LoadCookies(s.ctx, s.profileID)
	if err != nil {
		s.report("load_cookies", err)
		return
	}
	if err := s.browserCtrl.SetCookies(s.ctx, toBrowserCookies(stored)); err != nil {
		s.report("load_cookies", err)
		return
	}
	s.publishEvent(event.NewCookiesLoaded(s.id, len(stored)))
	s.logger.Info("Cookies loaded", "count", len(stored))
}

func toProfileCookies(in []browser.Cookie) []profile.Cookie {
	out := make([]profile.Cookie, len(in))
	for i, c := range in {
		out[i] = profile.Cookie{
			Name:         c.Name,
			Value:        c.Value,
			Domain:       c.Domain,
			Path:         c.Path,
			Expires:      c.Expires,
			HTTPOnly:     c.HTTPOnly,
			Secure:       c.Secure,
			SameSite:     c.SameSite,
			SourcePort:   c.SourcePort,
			SourceScheme: c.SourceScheme,
			Priority:     c.Priority,
		}
	}
	return out
}

func toBrowserCookies(in []profile.Cookie) []browser.Cookie {
	out := make([]browser.Cookie, len(in))
	for i, c := range in {
		out[i] = browser.Cookie{
			Name:         c.Name,
			Value:        c.Value,
			Domain:       c.Domain,
			Path:         c.Path,
			Expires:      c.Expires,
			HTTPOnly:     c.HTTPOnly,
			Secure:       c.Secure,
			SameSite:     c.SameSite,
			SourcePort:   c.SourcePort,
			SourceScheme: c.SourceScheme,
			Priority:     c.Priority,
		}
	}
	return out
}
