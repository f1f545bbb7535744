package undetected

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tebeka/selenium/chrome"

	"ucdriver-go/core/event"
	"ucdriver-go/core/eventbus"
	"ucdriver-go/core/state"
	"ucdriver-go/infrastructure/browser"
	"ucdriver-go/infrastructure/cdp"
	"ucdriver-go/infrastructure/options"
	"ucdriver-go/infrastructure/patcher"
	"ucdriver-go/infrastructure/version"
)

type harness struct {
	browser  *fakeBrowser
	launcher *fakeLauncher
	factory  *fakeDriverFactory
	cfg      *Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fb := newFakeBrowser(t)
	h := &harness{
		browser:  fb,
		launcher: &fakeLauncher{},
		factory:  &fakeDriverFactory{wd: &fakeWebDriver{handles: []string{"W0"}}},
	}
	opts := options.NewChromeOptions()
	opts.DebuggerAddress = fb.addr

	cfg := DefaultConfig()
	cfg.Options = opts
	cfg.PatchDriver = false
	cfg.DriverExecutablePath = "/opt/chromedriver"
	cfg.BrowserExecutablePath = "/opt/chrome"
	cfg.Port = 9515
	cfg.StartupTimeout = 2 * time.Second
	cfg.Launcher = h.launcher
	cfg.StartFunc = h.factory.start
	cfg.NewRemote = h.factory.remote
	h.cfg = cfg
	return h
}

func (h *harness) start(t *testing.T) *Chrome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := New(ctx, h.cfg)
	require.NoError(t, err)
	c.sleep = func(time.Duration) {}
	t.Cleanup(func() { _ = c.Quit() })
	return c
}

func argValue(args []string, prefix string) (string, bool) {
	for _, a := range args {
		if v, ok := strings.CutPrefix(a, prefix); ok {
			return v, true
		}
	}
	return "", false
}

func TestNew_StartSequence(t *testing.T) {
	t.Setenv("LANG", "de_DE.UTF-8")
	h := newHarness(t)
	c := h.start(t)

	assert.Equal(t, state.StateConnected, c.State())
	assert.Equal(t, 4242, c.BrowserPID())
	assert.Equal(t, "/opt/chrome", h.launcher.executable)
	assert.False(t, h.launcher.detached, "subprocess mode keeps the browser attached")

	args := h.launcher.args
	_, port, _ := strings.Cut(h.browser.addr, ":")
	host, _ := argValue(args, "--remote-debugging-host=")
	assert.Equal(t, "127.0.0.1", host)
	p, _ := argValue(args, "--remote-debugging-port=")
	assert.Equal(t, port, p)

	lang, _ := argValue(args, "--lang=")
	assert.Equal(t, "de-DE", lang)
	assert.Equal(t, "de-DE", c.Language())

	dir, ok := argValue(args, "--user-data-dir=")
	require.True(t, ok)
	assert.Equal(t, c.UserDataDir(), dir)
	assert.False(t, c.KeepUserDataDir())
	assert.DirExists(t, dir)

	for _, flag := range []string{"--no-default-browser-check", "--no-first-run", "--no-service-autorun", "--password-store=basic", "--log-level=0"} {
		assert.Contains(t, args, flag)
	}

	services, sessions := h.factory.counts()
	assert.Equal(t, 1, services)
	assert.Equal(t, 1, sessions)
	cc, ok := h.factory.caps[chrome.CapabilitiesKey].(chrome.Capabilities)
	require.True(t, ok)
	assert.Equal(t, h.browser.addr, cc.DebuggerAddr)
	assert.Nil(t, c.Reactor())
}

// driverFeed serves a milestone feed where every release points at the same
// zipped stock chromedriver.
func driverFeed(t *testing.T, milestones ...string) string {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/feed.json", func(w http.ResponseWriter, r *http.Request) {
		var downloads []map[string]string
		for _, platform := range []string{"linux64", "mac-x64", "mac-arm64", "win64", "win32"} {
			downloads = append(downloads, map[string]string{"platform": platform, "url": srv.URL + "/drv.zip"})
		}
		feed := map[string]any{}
		for _, m := range milestones {
			feed[m] = map[string]any{
				"milestone": m,
				"version":   m + ".0.6099.109",
				"downloads": map[string]any{"chromedriver": downloads},
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"milestones": feed})
	})
	mux.HandleFunc("/drv.zip", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		f, err := zw.Create("chromedriver-linux64/chromedriver")
		require.NoError(t, err)
		_, _ = f.Write([]byte("xx window.cdc_adoQpoasnfa76pfcZLmcfl_Array = window.Array; " +
			"if (window.cdc_adoQpoasnfa76pfcZLmcfl_Promise || p) {} yy"))
		require.NoError(t, zw.Close())
		_, _ = w.Write(buf.Bytes())
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL + "/feed.json"
}

func TestNew_PatchesDriverForDetectedBrowser(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("archive holds the unix driver name")
	}
	h := newHarness(t)
	h.cfg.PatchDriver = true
	h.cfg.DriverExecutablePath = ""
	pcfg := patcher.DefaultConfig()
	pcfg.DataDir = t.TempDir()
	pcfg.CfTURL = driverFeed(t, "120", "121")
	h.cfg.Patcher = pcfg

	var detected string
	h.cfg.DetectVersion = func(ctx context.Context, binary string) (version.Version, error) {
		detected = binary
		return version.Parse("120.0.6099.71")
	}
	c := h.start(t)

	assert.Equal(t, "/opt/chrome", detected)
	require.NotNil(t, c.Patcher())
	assert.Equal(t, 120, c.Patcher().VersionMain)
	assert.Equal(t, "120.0.6099.109", c.Patcher().VersionFull, "driver matches the installed browser, not the newest milestone")
}

func TestNew_UndetectableBrowserUsesLatestDriver(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("archive holds the unix driver name")
	}
	h := newHarness(t)
	h.cfg.PatchDriver = true
	h.cfg.DriverExecutablePath = ""
	pcfg := patcher.DefaultConfig()
	pcfg.DataDir = t.TempDir()
	pcfg.CfTURL = driverFeed(t, "120", "121")
	h.cfg.Patcher = pcfg
	h.cfg.DetectVersion = func(context.Context, string) (version.Version, error) {
		return version.Version{}, errors.New("exec: not found")
	}
	c := h.start(t)

	assert.Equal(t, "121.0.6099.109", c.Patcher().VersionFull)
}

func TestNew_RejectsReusedOptions(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h2 := newHarness(t)
	h2.cfg.Options = h.cfg.Options
	_, err := New(context.Background(), h2.cfg)
	assert.True(t, errors.Is(err, options.ErrOptionsReused))
	assert.Empty(t, h2.launcher.executable, "browser must not be launched")
}

func TestNew_UserDataDirFromArguments(t *testing.T) {
	h := newHarness(t)
	profile := t.TempDir()
	h.cfg.Options.AddArgument("--user-data-dir=" + profile)
	h.cfg.Options.AddArgument("--lang=fr")
	h.cfg.Options.SetPref("profile.default_content_settings.popups", 0)

	c := h.start(t)
	assert.Equal(t, profile, c.UserDataDir())
	assert.True(t, c.KeepUserDataDir())
	assert.Equal(t, "fr", c.Language())

	raw, err := os.ReadFile(filepath.Join(profile, "Default", "Preferences"))
	require.NoError(t, err)
	var prefs map[string]any
	require.NoError(t, json.Unmarshal(raw, &prefs))
	assert.Contains(t, prefs, "profile")

	require.NoError(t, c.Quit())
	assert.DirExists(t, profile, "user supplied profile survives quit")
}

func TestNew_EnableCDPEventsForwardsToBus(t *testing.T) {
	h := newHarness(t)
	h.cfg.EnableCDPEvents = true
	bus := eventbus.New(32)
	defer bus.Close()
	h.cfg.EventBus = bus

	got := make(chan *event.CDPEventReceived, 4)
	bus.SubscribeCDP("", "Page.*", func(e event.Event) {
		got <- e.(*event.CDPEventReceived)
	})

	c := h.start(t)
	require.NotNil(t, c.Reactor())
	assert.Contains(t, h.factory.caps, "goog:loggingPrefs")

	var mu sync.Mutex
	var listened []string
	n, err := c.AddCDPListener("Page.loadEventFired", func(ev cdp.Event) {
		mu.Lock()
		listened = append(listened, ev.Method)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Eventually(t, c.Reactor().Connected, 2*time.Second, 10*time.Millisecond)
	h.browser.push <- `{"method":"Page.loadEventFired","params":{"timestamp":1}}`

	select {
	case ev := <-got:
		assert.Equal(t, "Page.loadEventFired", ev.Method)
		assert.Equal(t, c.ID(), ev.DriverID())
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for forwarded event")
	}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(listened) == 1
	}, time.Second, 10*time.Millisecond)

	c.ClearCDPListeners()
	assert.Equal(t, 0, c.Reactor().HandlerCount())
}

func TestAddCDPListener_Disabled(t *testing.T) {
	c := newHarness(t).start(t)
	_, err := c.AddCDPListener("Network.*", nil)
	assert.True(t, errors.Is(err, ErrReactorDisabled))
}

func TestGet_RemovesCDCProps(t *testing.T) {
	h := newHarness(t)
	h.factory.wd.cdcProps = []any{"cdc_adoqpoasnfaZ76pfcZLmcfl_Array"}
	c := h.start(t)

	require.NoError(t, c.Get(context.Background(), "https://example.com"))
	assert.Equal(t, []string{"https://example.com"}, h.factory.wd.urls)

	params := h.browser.paramsFor("Page.addScriptToEvaluateOnNewDocument")
	require.Len(t, params, 1)
	var p struct{ Source string }
	require.NoError(t, json.Unmarshal(params[0], &p))
	assert.Equal(t, `["cdc_adoqpoasnfaZ76pfcZLmcfl_Array"].forEach(p => delete window[p]);`, p.Source)
}

func TestGet_NoPropsSkipsCDP(t *testing.T) {
	h := newHarness(t)
	c := h.start(t)

	require.NoError(t, c.Get(context.Background(), "https://example.com"))
	assert.Empty(t, h.browser.calls())
}

func TestReconnect(t *testing.T) {
	h := newHarness(t)
	bus := eventbus.New(32)
	defer bus.Close()
	h.cfg.EventBus = bus
	var mu sync.Mutex
	var names []string
	bus.Subscribe(func(e event.Event) {
		mu.Lock()
		names = append(names, e.EventName())
		mu.Unlock()
	})

	c := h.start(t)
	var slept time.Duration
	c.sleep = func(d time.Duration) { slept = d }

	require.NoError(t, c.Reconnect(0))
	assert.Equal(t, DefaultReconnectDelay, slept)
	assert.Equal(t, state.StateConnected, c.State())

	services, sessions := h.factory.counts()
	assert.Equal(t, 2, services)
	assert.Equal(t, 2, sessions)
	assert.Equal(t, 1, h.factory.services[0].stopped)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Contains(strings.Join(names, ","), "DriverDisconnected") &&
			strings.Contains(strings.Join(names, ","), "DriverReconnected")
	}, time.Second, 10*time.Millisecond)
}

func TestReconnect_StopErrorStillConnects(t *testing.T) {
	h := newHarness(t)
	stopErr := errors.New("chromedriver did not exit")
	h.factory.stopErr = stopErr
	c := h.start(t)

	err := c.Reconnect(0)
	assert.ErrorIs(t, err, stopErr)
	assert.Equal(t, state.StateConnected, c.State())

	services, sessions := h.factory.counts()
	assert.Equal(t, 2, services, "connect runs after a failed disconnect")
	assert.Equal(t, 2, sessions)
}

func withCDPDriver(h *harness, drv *attachDriver) {
	h.cfg.NewCDPDriver = func(cfg *browser.DriverConfig, _ *slog.Logger) browser.Driver {
		drv.config = cfg
		return drv
	}
}

func TestActivateCDPMode_ThenConnect(t *testing.T) {
	h := newHarness(t)
	drv := &attachDriver{}
	withCDPDriver(h, drv)
	c := h.start(t)

	got, err := c.ActivateCDPMode(context.Background(), "https://example.com/cdp")
	require.NoError(t, err)
	assert.Equal(t, browser.Driver(drv), got)
	assert.Equal(t, state.StateCDPMode, c.State())
	assert.Equal(t, h.browser.addr, drv.config.DebuggerAddress)
	assert.Equal(t, []string{"https://example.com/cdp"}, drv.urls)
	assert.Equal(t, 1, h.factory.services[0].stopped, "webdriver session is dropped")

	cur, err := c.CDPDriver()
	require.NoError(t, err)
	assert.Equal(t, got, cur)
	_, err = c.ExecuteScript("return 1")
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, c.Connect())
	assert.Equal(t, state.StateConnected, c.State())
	assert.Equal(t, 1, drv.stopped)
	_, err = c.CDPDriver()
	assert.ErrorIs(t, err, browser.ErrNotRunning)
	_, sessions := h.factory.counts()
	assert.Equal(t, 2, sessions)
}

func TestActivateCDPMode_StartFailureRestoresSession(t *testing.T) {
	h := newHarness(t)
	drv := &attachDriver{startErr: errors.New("no page target")}
	withCDPDriver(h, drv)
	c := h.start(t)

	_, err := c.ActivateCDPMode(context.Background(), "")
	assert.ErrorIs(t, err, drv.startErr)
	assert.Equal(t, state.StateConnected, c.State())
	_, err = c.CDPDriver()
	assert.ErrorIs(t, err, browser.ErrNotRunning)
	_, err = c.ExecuteScript("return 1")
	assert.NoError(t, err)
}

func TestActivateCDPMode_NavigateFailureFromDisconnected(t *testing.T) {
	h := newHarness(t)
	drv := &attachDriver{navErr: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	withCDPDriver(h, drv)
	c := h.start(t)
	require.NoError(t, c.Disconnect())

	_, err := c.ActivateCDPMode(context.Background(), "https://nowhere.invalid")
	assert.ErrorIs(t, err, drv.navErr)
	assert.Equal(t, state.StateDisconnected, c.State())
	assert.Equal(t, 1, drv.stopped)

	require.NoError(t, c.Connect())
	assert.Equal(t, state.StateConnected, c.State())
}

func TestActivateCDPMode_RequiresStartedDriver(t *testing.T) {
	c := newHarness(t).start(t)
	require.NoError(t, c.Quit())
	_, err := c.ActivateCDPMode(context.Background(), "")
	assert.Error(t, err)
}

func TestDisconnect_BlocksWebDriverCalls(t *testing.T) {
	c := newHarness(t).start(t)
	require.NoError(t, c.Disconnect())
	assert.Equal(t, state.StateDisconnected, c.State())

	_, err := c.ExecuteScript("return 1")
	assert.True(t, errors.Is(err, ErrNotConnected))

	require.NoError(t, c.Connect())
	_, err = c.ExecuteScript("return 1")
	assert.NoError(t, err)
}

func TestOpenWithReconnect(t *testing.T) {
	h := newHarness(t)
	c := h.start(t)
	var slept time.Duration
	c.sleep = func(d time.Duration) { slept = d }

	require.NoError(t, c.OpenWithReconnect(context.Background(), "https://example.com/login", 0))
	assert.Equal(t, DefaultOpenDelay, slept)
	assert.Equal(t, state.StateConnected, c.State())
	assert.Empty(t, h.factory.wd.urls, "navigation goes through devtools")

	params := h.browser.paramsFor("Page.navigate")
	require.Len(t, params, 1)
	assert.JSONEq(t, `{"url":"https://example.com/login"}`, string(params[0]))
}

func TestUCClick(t *testing.T) {
	h := newHarness(t)
	c := h.start(t)
	var slept time.Duration
	c.sleep = func(d time.Duration) { slept = d }

	require.NoError(t, c.UCClick(`button[name="go"]`, 0))
	assert.Equal(t, DefaultUCClickDelay, slept)

	scripts := h.factory.wd.scripts
	require.NotEmpty(t, scripts)
	assert.Equal(t,
		`window.setTimeout(function() { document.querySelector("button[name=\"go\"]").click(); }, 111);`,
		scripts[len(scripts)-1])

	require.NoError(t, c.UCReconnect(0))
	assert.Equal(t, DefaultUCReconnectDelay, slept)
}

func TestWindowNewAndTabs(t *testing.T) {
	h := newHarness(t)
	c := h.start(t)
	ctx := context.Background()

	require.NoError(t, c.WindowNew(ctx, "https://example.com"))
	assert.Equal(t, "W1", h.factory.wd.switched)
	assert.Equal(t, []string{"https://example.com"}, h.factory.wd.urls)

	tab, err := c.TabNew(ctx, "https://example.org/?q=1")
	require.NoError(t, err)
	assert.Equal(t, "P2", tab.ID)
	assert.Equal(t, []string{url.QueryEscape("https://example.org/?q=1")}, h.browser.opened)

	tabs, err := c.TabList(ctx)
	require.NoError(t, err)
	assert.Len(t, tabs, 2)
}

func TestQuit(t *testing.T) {
	h := newHarness(t)
	bus := eventbus.New(32)
	defer bus.Close()
	h.cfg.EventBus = bus
	stopped := make(chan *event.DriverStopped, 1)
	bus.Subscribe(func(e event.Event) {
		if s, ok := e.(*event.DriverStopped); ok {
			stopped <- s
		}
	})

	c := h.start(t)
	dir := c.UserDataDir()

	require.NoError(t, c.Quit())
	require.NoError(t, c.Quit(), "quit is idempotent")

	assert.Equal(t, state.StateStopped, c.State())
	assert.Equal(t, []int{4242}, h.launcher.terminated)
	assert.Equal(t, 1, h.factory.services[0].stopped)
	assert.NoDirExists(t, dir, "temporary profile is removed")

	select {
	case s := <-stopped:
		assert.NoError(t, s.Error)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for DriverStopped")
	}
}

func TestNew_NoDriver(t *testing.T) {
	h := newHarness(t)
	h.cfg.DriverExecutablePath = ""
	_, err := New(context.Background(), h.cfg)
	assert.ErrorContains(t, err, "no chromedriver executable")
}

func TestLanguageFromEnv(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "en-US"},
		{"C", "en-US"},
		{"POSIX", "en-US"},
		{"en_GB.UTF-8", "en-GB"},
		{"sr_RS@latin", "sr-RS"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, languageFromEnv(tt.in), tt.in)
	}
}

func TestCookies_OverDevTools(t *testing.T) {
	h := newHarness(t)
	c := h.start(t)
	ctx := context.Background()

	cookies, err := c.GetCookies(ctx)
	require.NoError(t, err)
	assert.Empty(t, cookies)

	require.NoError(t, c.SetCookies(ctx, []browser.Cookie{{Name: "sid", Value: "abc", Domain: ".example.com", Path: "/"}}))
	params := h.browser.paramsFor("Storage.setCookies")
	require.Len(t, params, 1)
	assert.Contains(t, string(params[0]), `"name":"sid"`)
	assert.Contains(t, h.browser.calls(), "Storage.getCookies")
}
