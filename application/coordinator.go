// Package application provides the application layer for orchestrating drivers.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ucdriver-go/application/session"
	"ucdriver-go/application/undetected"
	"ucdriver-go/core/command"
	"ucdriver-go/core/event"
	"ucdriver-go/core/eventbus"
	"ucdriver-go/domain/profile"
	"ucdriver-go/infrastructure/options"
)

// Coordinator manages multiple driver sessions and handles cross-driver operations.
type Coordinator struct {
	// Sessions
	sessions   map[string]*session.Session
	sessionsMu sync.RWMutex

	// Dependencies
	eventBus      eventbus.EventBus
	profiles      *profile.Service
	driverFactory DriverFactory
	logger        *slog.Logger
	subscription  string

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
}

// DriverFactory creates a started driver for a command and its profile.
// The profile is nil when the command names none.
type DriverFactory func(ctx context.Context, cmd *command.StartDriver, p *profile.Profile) (session.Driver, error)

// CoordinatorConfig holds configuration for the Coordinator.
type CoordinatorConfig struct {
	EventBus eventbus.EventBus
	Profiles *profile.Service
	// DriverConfig is the template for drivers built by the default factory.
	DriverConfig  *undetected.Config
	DriverFactory DriverFactory
	Logger        *slog.Logger
}

// NewCoordinator creates a new driver coordinator.
func NewCoordinator(cfg *CoordinatorConfig) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		sessions:      make(map[string]*session.Session),
		eventBus:      cfg.EventBus,
		profiles:      cfg.Profiles,
		driverFactory: cfg.DriverFactory,
		logger:        cfg.Logger,
		ctx:           ctx,
		cancel:        cancel,
	}
	if c.driverFactory == nil {
		c.driverFactory = UndetectedFactory(cfg.DriverConfig, cfg.EventBus, cfg.Logger)
	}

	// Subscribe to events if event bus is available
	if c.eventBus != nil {
		c.subscription = c.eventBus.Subscribe(c.handleEvent)
	}

	return c
}

// UndetectedFactory builds drivers from a template configuration. Every
// driver gets fresh launch options, and the shared driver binary is kept
// on quit.
func UndetectedFactory(template *undetected.Config, bus eventbus.EventBus, logger *slog.Logger) DriverFactory {
	if template == nil {
		template = undetected.DefaultConfig()
	}
	return func(ctx context.Context, cmd *command.StartDriver, p *profile.Profile) (session.Driver, error) {
		cfg := *template
		cfg.ID = ""
		cfg.Options = options.NewChromeOptions()
		cfg.EventBus = bus
		cfg.Logger = logger
		cfg.KeepDriverBinary = true
		cfg.Headless = cfg.Headless || cmd.Headless
		cfg.EnableCDPEvents = cfg.EnableCDPEvents || cmd.EnableCDPEvents
		cfg.UseSubprocess = cfg.UseSubprocess || cmd.UseSubprocess
		cfg.Options.AddArguments(cmd.Arguments...)
		if p != nil {
			cfg.ProfileID = p.ID
			if p.UserDataDir != "" {
				cfg.UserDataDir = p.UserDataDir
			}
			if p.Language != "" {
				cfg.Options.AddArgument("--lang=" + p.Language)
			}
		}
		chrome, err := undetected.New(ctx, &cfg)
		if err != nil {
			return nil, err
		}
		return chrome, nil
	}
}

// Start begins the coordinator.
func (c *Coordinator) Start() {
	c.logger.Info("Coordinator started")
}

// Stop shuts down the coordinator and all sessions.
func (c *Coordinator) Stop() {
	c.cancel()
	if c.eventBus != nil && c.subscription != "" {
		c.eventBus.Unsubscribe(c.subscription)
	}

	done := make(chan struct{})
	go func() {
		c.stopAll()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		c.logger.Warn("Coordinator stop timeout, some drivers may not have stopped cleanly")
	}

	c.logger.Info("Coordinator stopped")
}

// Dispatch sends a command to the appropriate handler.
func (c *Coordinator) Dispatch(cmd command.Command) error {
	c.logger.Debug("Dispatching command", "command", cmd.CommandName())

	switch cmd := cmd.(type) {
	// Driver lifecycle
	case *command.StartDriver:
		_, err := c.StartDriver(c.ctx, cmd)
		return err
	case *command.StopDriver:
		return c.handleStopDriver(cmd)
	case *command.StopAllDrivers:
		c.stopAll()
		return nil

	// Multi-driver operations
	case *command.NavigateAll:
		return c.handleNavigateAll(cmd)

	// Driver-specific commands
	default:
		if driverCmd, ok := cmd.(command.DriverCommand); ok {
			return c.routeToSession(driverCmd)
		}
		return fmt.Errorf("unknown command type: %T", cmd)
	}
}

// StartDriver launches a driver for the command's profile and registers its
// session. Stored cookies are applied and the optional URL opened.
func (c *Coordinator) StartDriver(ctx context.Context, cmd *command.StartDriver) (*session.Session, error) {
	var p *profile.Profile
	if cmd.ProfileID != "" {
		if c.profiles == nil {
			return nil, fmt.Errorf("no profile store configured")
		}
		found, err := c.profiles.GetProfile(ctx, cmd.ProfileID)
		if err != nil {
			return nil, err
		}
		p = found
		c.sessionsMu.RLock()
		for _, s := range c.sessions {
			if s.ProfileID() == p.ID {
				c.sessionsMu.RUnlock()
				return nil, fmt.Errorf("driver already running for profile %s", p.Identity())
			}
		}
		c.sessionsMu.RUnlock()
	}

	driver, err := c.driverFactory(ctx, cmd, p)
	if err != nil {
		return nil, fmt.Errorf("failed to start driver: %w", err)
	}

	var store session.CookieStore
	if c.profiles != nil {
		store = c.profiles
	}
	logger := c.logger
	if p != nil {
		logger = logger.With("profile", p.Identity())
	}
	sess := session.New(&session.Config{
		ProfileID: cmd.ProfileID,
		Driver:    driver,
		EventBus:  c.eventBus,
		Cookies:   store,
		Logger:    logger,
	})

	c.sessionsMu.Lock()
	c.sessions[sess.ID()] = sess
	c.sessionsMu.Unlock()
	sess.Start()

	if p != nil && p.HasCookies() {
		if err := sess.Send(command.NewLoadCookies(sess.ID())); err != nil {
			c.logger.Warn("Failed to queue cookie restore", "driver_id", sess.ID(), "error", err)
		}
	}
	if cmd.URL != "" {
		if err := sess.Send(command.NewNavigate(sess.ID(), cmd.URL)); err != nil {
			c.logger.Warn("Failed to queue navigation", "driver_id", sess.ID(), "error", err)
		}
	}

	c.logger.Info("Driver started", "driver_id", sess.ID(), "profile_id", cmd.ProfileID)
	return sess, nil
}

// GetSession returns a session by driver ID.
func (c *Coordinator) GetSession(id string) *session.Session {
	c.sessionsMu.RLock()
	defer c.sessionsMu.RUnlock()
	return c.sessions[id]
}

// GetAllSessions returns all sessions.
func (c *Coordinator) GetAllSessions() []*session.Session {
	c.sessionsMu.RLock()
	defer c.sessionsMu.RUnlock()

	sessions := make([]*session.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// GetActiveSessions returns sessions whose driver can accept operations.
func (c *Coordinator) GetActiveSessions() []*session.Session {
	c.sessionsMu.RLock()
	defer c.sessionsMu.RUnlock()

	sessions := make([]*session.Session, 0)
	for _, s := range c.sessions {
		if s.State().CanAcceptOperations() {
			sessions = append(sessions, s)
		}
	}
	return sessions
}

// SessionCount returns the number of sessions.
func (c *Coordinator) SessionCount() int {
	c.sessionsMu.RLock()
	defer c.sessionsMu.RUnlock()
	return len(c.sessions)
}

// Command handlers

func (c *Coordinator) handleStopDriver(cmd *command.StopDriver) error {
	c.sessionsMu.Lock()
	sess, exists := c.sessions[cmd.DriverID()]
	if exists {
		delete(c.sessions, cmd.DriverID())
	}
	c.sessionsMu.Unlock()

	if !exists {
		return fmt.Errorf("driver not found: %s", cmd.DriverID())
	}

	sess.Stop()
	c.logger.Info("Driver stopped", "driver_id", cmd.DriverID())
	return nil
}

// stopAll stops every session in parallel.
func (c *Coordinator) stopAll() {
	c.sessionsMu.Lock()
	sessions := make([]*session.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[string]*session.Session)
	c.sessionsMu.Unlock()

	var g errgroup.Group
	g.SetLimit(8)
	for _, s := range sessions {
		g.Go(func() error {
			s.Stop()
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Info("All drivers stopped", "count", len(sessions))
}

func (c *Coordinator) handleNavigateAll(cmd *command.NavigateAll) error {
	sessions := c.GetActiveSessions()

	var errs []error
	for _, s := range sessions {
		if err := s.Send(command.NewNavigate(s.ID(), cmd.URL)); err != nil {
			c.logger.Warn("Failed to send navigate to driver", "driver_id", s.ID(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) routeToSession(cmd command.DriverCommand) error {
	sess := c.GetSession(cmd.DriverID())
	if sess == nil {
		return fmt.Errorf("driver not found: %s", cmd.DriverID())
	}
	return sess.Send(cmd)
}

// handleEvent handles events from the event bus.
func (c *Coordinator) handleEvent(e event.Event) {
	switch evt := e.(type) {
	case *event.DriverStopped:
		c.sessionsMu.Lock()
		_, existed := c.sessions[evt.DriverID()]
		delete(c.sessions, evt.DriverID())
		c.sessionsMu.Unlock()
		if existed {
			c.logger.Info("Driver removed from coordinator", "driver_id", evt.DriverID())
		}
	}
}

var _ session.Driver = (*undetected.Chrome)(nil)
