package undetected

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/tebeka/selenium"

	"ucdriver-go/infrastructure/webdriver"
)

// fakeBrowser serves the debugging endpoints and a page websocket that
// answers every command with an empty result.
type fakeBrowser struct {
	srv  *httptest.Server
	addr string

	mu      sync.Mutex
	methods []string
	params  []json.RawMessage
	opened  []string
	push    chan string
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{push: make(chan string, 16)}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"Browser":              "Chrome/126.0.6478.126",
			"webSocketDebuggerUrl": fb.wsURL("browser/B1"),
		})
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]string{
			{"id": "W1", "type": "service_worker", "webSocketDebuggerUrl": fb.wsURL("worker/W1")},
			{"id": "P1", "type": "page", "url": "about:blank", "webSocketDebuggerUrl": fb.wsURL("page/P1")},
		})
	})
	mux.HandleFunc("/json/new", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		fb.opened = append(fb.opened, r.URL.RawQuery)
		fb.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "P2", "type": "page", "url": r.URL.RawQuery})
	})
	mux.HandleFunc("/devtools/", fb.serveWS)
	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	fb.addr = strings.TrimPrefix(fb.srv.URL, "http://")
	return fb
}

func (fb *fakeBrowser) wsURL(path string) string {
	return fmt.Sprintf("ws://%s/devtools/%s", fb.addr, path)
}

func (fb *fakeBrowser) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	defer conn.Close()

	var wmu sync.Mutex
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case ev := <-fb.push:
				wmu.Lock()
				_ = wsutil.WriteServerText(conn, []byte(ev))
				wmu.Unlock()
			case <-done:
				return
			}
		}
	}()

	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		fb.mu.Lock()
		fb.methods = append(fb.methods, req.Method)
		fb.params = append(fb.params, req.Params)
		fb.mu.Unlock()

		reply, _ := json.Marshal(map[string]any{"id": req.ID, "result": map[string]any{}})
		wmu.Lock()
		_ = wsutil.WriteServerText(conn, reply)
		wmu.Unlock()
	}
}

func (fb *fakeBrowser) calls() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]string(nil), fb.methods...)
}

func (fb *fakeBrowser) paramsFor(method string) []json.RawMessage {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	var out []json.RawMessage
	for i, m := range fb.methods {
		if m == method {
			out = append(out, fb.params[i])
		}
	}
	return out
}

type fakeLauncher struct {
	mu         sync.Mutex
	executable string
	args       []string
	detached   bool
	terminated []int
}

func (l *fakeLauncher) Launch(executable string, args []string, detached bool) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.executable, l.args, l.detached = executable, args, detached
	return 4242, nil
}

func (l *fakeLauncher) Terminate(pid int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.terminated = append(l.terminated, pid)
	return nil
}

type fakeService struct {
	mu      sync.Mutex
	stopped int
	stopErr error
}

func (s *fakeService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
	return s.stopErr
}

// fakeWebDriver records navigation and scripts. Methods not overridden panic
// through the nil embedded interface.
type fakeWebDriver struct {
	selenium.WebDriver

	mu       sync.Mutex
	urls     []string
	scripts  []string
	cdcProps []any
	handles  []string
	switched string
}

func (d *fakeWebDriver) Get(url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	return nil
}

func (d *fakeWebDriver) ExecuteScript(script string, args []any) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts = append(d.scripts, script)
	switch {
	case script == getCDCPropsJS:
		return d.cdcProps, nil
	case strings.HasPrefix(script, "window.open"):
		d.handles = append(d.handles, fmt.Sprintf("W%d", len(d.handles)+1))
	}
	return nil, nil
}

func (d *fakeWebDriver) WindowHandles() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.handles...), nil
}

func (d *fakeWebDriver) SwitchWindow(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.switched = name
	return nil
}

// fakeDriverFactory hands out the same fake session on every connect.
type fakeDriverFactory struct {
	mu       sync.Mutex
	wd       *fakeWebDriver
	services []*fakeService
	sessions int
	caps     selenium.Capabilities
	stopErr  error
}

func (f *fakeDriverFactory) start(path string, port int) (webdriver.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	svc := &fakeService{stopErr: f.stopErr}
	f.services = append(f.services, svc)
	return svc, nil
}

func (f *fakeDriverFactory) remote(caps selenium.Capabilities, urlPrefix string) (selenium.WebDriver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions++
	f.caps = caps
	return f.wd, nil
}

func (f *fakeDriverFactory) counts() (services, sessions int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.services), f.sessions
}
