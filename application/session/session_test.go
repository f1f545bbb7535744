package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ucdriver-go/core/command"
	"ucdriver-go/core/event"
	"ucdriver-go/core/eventbus"
	"ucdriver-go/domain/profile"
	"ucdriver-go/infrastructure/browser"
)

type memoryCookies struct {
	mu      sync.Mutex
	cookies map[string][]profile.Cookie
}

func (m *memoryCookies) SaveCookies(_ context.Context, id string, cookies []profile.Cookie) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cookies[id] = cookies
	return nil
}

func (m *memoryCookies) LoadCookies(_ context.Context, id string) ([]profile.Cookie, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cookies[id], nil
}

// collect subscribes to the bus and returns a function waiting for an event name.
func collect(t *testing.T, bus eventbus.EventBus) func(name string) event.Event {
	t.Helper()
	ch := make(chan event.Event, 32)
	bus.Subscribe(func(e event.Event) { ch <- e })
	return func(name string) event.Event {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case e := <-ch:
				if e.EventName() == name {
					return e
				}
			case <-deadline:
				t.Fatalf("timeout waiting for %s", name)
				return nil
			}
		}
	}
}

func newTestSession(t *testing.T, driver *mockDriver, store CookieStore) (*Session, eventbus.EventBus) {
	t.Helper()
	bus := eventbus.New(32)
	t.Cleanup(bus.Close)
	s := New(&Config{
		ProfileID: "p1",
		Driver:    driver,
		EventBus:  bus,
		Cookies:   store,
	})
	return s, bus
}

func TestSession_ID(t *testing.T) {
	s, _ := newTestSession(t, newMockDriver("driver-1"), nil)

	if s.ID() != "driver-1" {
		t.Errorf("ID() = %v, want driver-1", s.ID())
	}
	if s.ProfileID() != "p1" {
		t.Errorf("ProfileID() = %v, want p1", s.ProfileID())
	}
}

func TestSession_CommandsRunInOrder(t *testing.T) {
	driver := newMockDriver("d1")
	s, bus := newTestSession(t, driver, nil)
	wait := collect(t, bus)
	s.Start()
	defer s.Stop()

	cmds := []command.Command{
		command.NewNavigate("d1", "https://a.example"),
		command.NewUCClick("d1", "#go", 0),
		command.NewReconnect("d1", 300*time.Millisecond),
		command.NewOpenWithReconnect("d1", "https://b.example", 0),
		command.NewExecuteScript("d1", "return 1", 1, 2),
	}
	for _, c := range cmds {
		if err := s.Send(c); err != nil {
			t.Fatalf("Send(%s) error = %v", c.CommandName(), err)
		}
	}

	res := wait("ScriptExecuted").(*event.ScriptExecuted)
	if res.Result != float64(2) {
		t.Errorf("Result = %v, want 2", res.Result)
	}

	driver.mu.Lock()
	defer driver.mu.Unlock()
	if len(driver.urls) != 1 || len(driver.clicked) != 1 || len(driver.opened) != 1 {
		t.Errorf("urls = %v, clicked = %v, opened = %v", driver.urls, driver.clicked, driver.opened)
	}
	if len(driver.reconnects) != 1 || driver.reconnects[0] != 300*time.Millisecond {
		t.Errorf("reconnects = %v, want [300ms]", driver.reconnects)
	}
}

func TestSession_OperationFailed(t *testing.T) {
	driver := newMockDriver("d1")
	driver.reconnectFn = func() error { return errors.New("service did not start") }
	s, bus := newTestSession(t, driver, nil)
	wait := collect(t, bus)
	s.Start()
	defer s.Stop()

	if err := s.Send(command.NewReconnect("d1", 0)); err != nil {
		t.Fatal(err)
	}

	e := wait("OperationFailed").(*event.OperationFailed)
	if e.Operation != "reconnect" {
		t.Errorf("Operation = %v, want reconnect", e.Operation)
	}
}

func TestSession_SaveAndLoadCookies(t *testing.T) {
	driver := newMockDriver("d1")
	driver.cookies = []browser.Cookie{{Name: "sid", Value: "abc", Domain: ".example.com", Path: "/", SameSite: "Lax"}}
	store := &memoryCookies{cookies: map[string][]profile.Cookie{}}
	s, bus := newTestSession(t, driver, store)
	wait := collect(t, bus)
	s.Start()
	defer s.Stop()

	if err := s.Send(command.NewSaveCookies("d1")); err != nil {
		t.Fatal(err)
	}
	saved := wait("CookiesSaved").(*event.CookiesSaved)
	if saved.Count != 1 {
		t.Errorf("Count = %d, want 1", saved.Count)
	}
	if got := store.cookies["p1"]; len(got) != 1 || got[0].SameSite != "Lax" {
		t.Errorf("stored = %+v", got)
	}

	driver.SetCookies(context.Background(), nil)
	if err := s.Send(command.NewLoadCookies("d1")); err != nil {
		t.Fatal(err)
	}
	wait("CookiesLoaded")
	if cookies, _ := driver.GetCookies(context.Background()); len(cookies) != 1 || cookies[0].Name != "sid" {
		t.Errorf("browser cookies = %+v", cookies)
	}
}

func TestSession_StopQuitsDriver(t *testing.T) {
	driver := newMockDriver("d1")
	s, _ := newTestSession(t, driver, nil)
	s.Start()

	if err := s.Send(command.NewStopDriver("d1")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
	s.Stop()

	driver.mu.Lock()
	defer driver.mu.Unlock()
	if driver.quitCalled != 1 {
		t.Errorf("quitCalled = %d, want 1", driver.quitCalled)
	}
	if err := s.Send(command.NewNavigate("d1", "x")); err == nil {
		t.Error("Send() after stop should fail")
	}
}
