package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ucdriver-go/application/session"
	"ucdriver-go/core/command"
	"ucdriver-go/core/event"
	"ucdriver-go/core/eventbus"
	"ucdriver-go/core/state"
	"ucdriver-go/domain/profile"
	"ucdriver-go/infrastructure/browser"
	"ucdriver-go/infrastructure/repository"
)

// stubDriver is a minimal session.Driver that records navigations and
// cookie writes.
type stubDriver struct {
	mu      sync.Mutex
	id      string
	state   state.DriverState
	bus     eventbus.EventBus
	urls    []string
	cookies []browser.Cookie
	quits   int
}

func (d *stubDriver) ID() string { return d.id }

func (d *stubDriver) State() state.DriverState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *stubDriver) Get(_ context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	return nil
}

func (d *stubDriver) navigated() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

func (d *stubDriver) ExecuteScript(string, ...any) (any, error) { return nil, nil }
func (d *stubDriver) Disconnect() error { return nil }
func (d *stubDriver) Connect() error { return nil }
func (d *stubDriver) Reconnect(time.Duration) error { return nil }
func (d *stubDriver) UCClick(string, time.Duration) error { return nil }

func (d *stubDriver) OpenWithReconnect(context.Context, string, time.Duration) error {
	return nil
}

func (d *stubDriver) ActivateCDPMode(context.Context, string) (browser.Driver, error) {
	return nil, errors.New("not supported")
}

func (d *stubDriver) CDPDriver() (browser.Driver, error) {
	return nil, browser.ErrNotRunning
}

func (d *stubDriver) GetCookies(context.Context) ([]browser.Cookie, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]browser.Cookie(nil), d.cookies...), nil
}

func (d *stubDriver) SetCookies(_ context.Context, cookies []browser.Cookie) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cookies = append([]browser.Cookie(nil), cookies...)
	return nil
}

func (d *stubDriver) Quit() error {
	d.mu.Lock()
	if d.state == state.StateStopped {
		d.mu.Unlock()
		return nil
	}
	d.state = state.StateStopped
	d.quits++
	bus := d.bus
	d.mu.Unlock()
	if bus != nil {
		bus.Publish(event.NewDriverStopped(d.id, nil))
	}
	return nil
}

type stubFactory struct {
	mu       sync.Mutex
	bus      eventbus.EventBus
	drivers  []*stubDriver
	profiles []*profile.Profile
	err      error
}

func (f *stubFactory) create(_ context.Context, _ *command.StartDriver, p *profile.Profile) (session.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	d := &stubDriver{
		id:    fmt.Sprintf("driver-%d", len(f.drivers)+1),
		state: state.StateConnected,
		bus:   f.bus,
	}
	f.drivers = append(f.drivers, d)
	f.profiles = append(f.profiles, p)
	return d, nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, *stubFactory, *profile.Service) {
	t.Helper()
	bus := eventbus.New(32)
	t.Cleanup(bus.Close)

	repo, err := repository.NewFileProfileRepository(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFileProfileRepository() error = %v", err)
	}
	profiles := profile.NewService(repo)
	factory := &stubFactory{bus: bus}

	coord := NewCoordinator(&CoordinatorConfig{
		EventBus:      bus,
		Profiles:      profiles,
		DriverFactory: factory.create,
	})
	coord.Start()
	t.Cleanup(coord.Stop)
	return coord, factory, profiles
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNewCoordinator(t *testing.T) {
	bus := eventbus.New(10)
	defer bus.Close()

	coord := NewCoordinator(&CoordinatorConfig{EventBus: bus})
	defer coord.Stop()

	if coord.sessions == nil {
		t.Error("sessions map not initialized")
	}
	if coord.eventBus != bus {
		t.Error("eventBus not set correctly")
	}
	if coord.driverFactory == nil {
		t.Error("default driver factory not set")
	}
	if coord.SessionCount() != 0 {
		t.Errorf("SessionCount() = %d, want 0", coord.SessionCount())
	}
}

func TestCoordinator_StartDriverWithURL(t *testing.T) {
	coord, factory, _ := newTestCoordinator(t)

	if err := coord.Dispatch(&command.StartDriver{URL: "https://example.com"}); err != nil {
		t.Fatalf("Dispatch(StartDriver) error = %v", err)
	}
	if coord.SessionCount() != 1 {
		t.Fatalf("SessionCount() = %d, want 1", coord.SessionCount())
	}

	d := factory.drivers[0]
	if coord.GetSession(d.ID()) == nil {
		t.Fatalf("GetSession(%s) = nil", d.ID())
	}
	eventually(t, func() bool { return len(d.navigated()) == 1 }, "driver never navigated")
	if got := d.navigated()[0]; got != "https://example.com" {
		t.Errorf("navigated to %q, want https://example.com", got)
	}
	if factory.profiles[0] != nil {
		t.Errorf("profile = %v, want nil", factory.profiles[0])
	}
}

func TestCoordinator_StartDriverRestoresProfileCookies(t *testing.T) {
	coord, factory, profiles := newTestCoordinator(t)
	ctx := context.Background()

	p := &profile.Profile{
		Name:    "main",
		Cookies: []profile.Cookie{{Name: "sid", Value: "abc", Domain: ".example.com", Path: "/"}},
	}
	if err := profiles.CreateProfile(ctx, p); err != nil {
		t.Fatalf("CreateProfile() error = %v", err)
	}

	sess, err := coord.StartDriver(ctx, &command.StartDriver{ProfileID: p.ID})
	if err != nil {
		t.Fatalf("StartDriver() error = %v", err)
	}
	if sess.ProfileID() != p.ID {
		t.Errorf("ProfileID() = %s, want %s", sess.ProfileID(), p.ID)
	}
	if got := factory.profiles[0]; got == nil || got.ID != p.ID {
		t.Fatalf("factory got profile %v, want %s", got, p.ID)
	}

	d := factory.drivers[0]
	eventually(t, func() bool {
		cookies, _ := d.GetCookies(ctx)
		return len(cookies) == 1 && cookies[0].Name == "sid"
	}, "stored cookies were not applied")

	if _, err := coord.StartDriver(ctx, &command.StartDriver{ProfileID: p.ID}); err == nil {
		t.Error("second StartDriver() for the same profile should fail")
	}
}

func TestCoordinator_StartDriverUnknownProfile(t *testing.T) {
	coord, factory, _ := newTestCoordinator(t)

	err := coord.Dispatch(&command.StartDriver{ProfileID: "missing"})
	if !errors.Is(err, profile.ErrProfileNotFound) {
		t.Errorf("Dispatch() error = %v, want ErrProfileNotFound", err)
	}
	if len(factory.drivers) != 0 {
		t.Errorf("factory called %d times, want 0", len(factory.drivers))
	}
}

func TestCoordinator_StartDriverFactoryError(t *testing.T) {
	coord, factory, _ := newTestCoordinator(t)
	factory.err = errors.New("no chrome")

	if err := coord.Dispatch(&command.StartDriver{}); err == nil {
		t.Error("Dispatch() should fail when the factory fails")
	}
	if coord.SessionCount() != 0 {
		t.Errorf("SessionCount() = %d, want 0", coord.SessionCount())
	}
}

func TestCoordinator_StopDriver(t *testing.T) {
	coord, factory, _ := newTestCoordinator(t)

	if err := coord.Dispatch(&command.StartDriver{}); err != nil {
		t.Fatalf("Dispatch(StartDriver) error = %v", err)
	}
	d := factory.drivers[0]

	if err := coord.Dispatch(command.NewStopDriver(d.ID())); err != nil {
		t.Fatalf("Dispatch(StopDriver) error = %v", err)
	}
	if coord.SessionCount() != 0 {
		t.Errorf("SessionCount() = %d, want 0", coord.SessionCount())
	}
	if d.State() != state.StateStopped {
		t.Errorf("driver state = %v, want Stopped", d.State())
	}

	if err := coord.Dispatch(command.NewStopDriver(d.ID())); err == nil {
		t.Error("stopping an unknown driver should fail")
	}
}

func TestCoordinator_StopAllDrivers(t *testing.T) {
	coord, factory, _ := newTestCoordinator(t)

	for range 3 {
		if err := coord.Dispatch(&command.StartDriver{}); err != nil {
			t.Fatalf("Dispatch(StartDriver) error = %v", err)
		}
	}
	if err := coord.Dispatch(&command.StopAllDrivers{}); err != nil {
		t.Fatalf("Dispatch(StopAllDrivers) error = %v", err)
	}
	if coord.SessionCount() != 0 {
		t.Errorf("SessionCount() = %d, want 0", coord.SessionCount())
	}
	for _, d := range factory.drivers {
		if d.State() != state.StateStopped {
			t.Errorf("%s state = %v, want Stopped", d.ID(), d.State())
		}
	}
}

func TestCoordinator_NavigateAll(t *testing.T) {
	coord, factory, _ := newTestCoordinator(t)

	for range 2 {
		if err := coord.Dispatch(&command.StartDriver{}); err != nil {
			t.Fatalf("Dispatch(StartDriver) error = %v", err)
		}
	}
	if err := coord.Dispatch(&command.NavigateAll{URL: "https://example.org"}); err != nil {
		t.Fatalf("Dispatch(NavigateAll) error = %v", err)
	}
	for _, d := range factory.drivers {
		eventually(t, func() bool { return len(d.navigated()) == 1 }, d.ID()+" never navigated")
	}
}

func TestCoordinator_RoutesDriverCommands(t *testing.T) {
	coord, factory, _ := newTestCoordinator(t)

	if err := coord.Dispatch(&command.StartDriver{}); err != nil {
		t.Fatalf("Dispatch(StartDriver) error = %v", err)
	}
	d := factory.drivers[0]

	if err := coord.Dispatch(command.NewNavigate(d.ID(), "https://example.net")); err != nil {
		t.Fatalf("Dispatch(Navigate) error = %v", err)
	}
	eventually(t, func() bool { return len(d.navigated()) == 1 }, "navigate was not routed")

	if err := coord.Dispatch(command.NewNavigate("unknown", "https://example.net")); err == nil {
		t.Error("routing to an unknown driver should fail")
	}
}

func TestCoordinator_RemovesStoppedDrivers(t *testing.T) {
	coord, factory, _ := newTestCoordinator(t)

	if err := coord.Dispatch(&command.StartDriver{}); err != nil {
		t.Fatalf("Dispatch(StartDriver) error = %v", err)
	}
	d := factory.drivers[0]

	if err := d.Quit(); err != nil {
		t.Fatalf("Quit() error = %v", err)
	}
	eventually(t, func() bool { return coord.SessionCount() == 0 }, "stopped driver was not removed")
}

func TestCoordinator_GetActiveSessions(t *testing.T) {
	coord, factory, _ := newTestCoordinator(t)

	for range 2 {
		if err := coord.Dispatch(&command.StartDriver{}); err != nil {
			t.Fatalf("Dispatch(StartDriver) error = %v", err)
		}
	}
	factory.drivers[1].mu.Lock()
	factory.drivers[1].state = state.StateDisconnected
	factory.drivers[1].mu.Unlock()

	active := coord.GetActiveSessions()
	if len(active) != 1 {
		t.Fatalf("len(GetActiveSessions()) = %d, want 1", len(active))
	}
	if active[0].ID() != factory.drivers[0].ID() {
		t.Errorf("active session = %s, want %s", active[0].ID(), factory.drivers[0].ID())
	}
	if len(coord.GetAllSessions()) != 2 {
		t.Errorf("len(GetAllSessions()) = %d, want 2", len(coord.GetAllSessions()))
	}
}

func TestCoordinator_UnknownCommand(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)

	if err := coord.Dispatch(unknownCommand{}); err == nil {
		t.Error("Dispatch() should reject unknown commands")
	}
}

type unknownCommand struct{}

func (unknownCommand) CommandName() string { return "Unknown" }
