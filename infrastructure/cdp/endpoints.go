package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNoPageTarget is returned when the browser has no page target.
var ErrNoPageTarget = errors.New("no page target")

// Target mirrors an entry of /json/list.
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	Description          string `json:"description,omitempty"`
	DevtoolsFrontendURL  string `json:"devtoolsFrontendUrl,omitempty"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// VersionInfo mirrors /json/version.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	V8Version            string `json:"V8-Version"`
	WebKitVersion        string `json:"WebKit-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Endpoints talks to the HTTP side of a remote debugging port.
type Endpoints struct {
	base   string
	client *http.Client
}

// NewEndpoints creates endpoints for a host:port debugger address.
func NewEndpoints(debuggerAddress string) *Endpoints {
	base := debuggerAddress
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Endpoints{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// URL returns the endpoint URL for a /json path.
func (e *Endpoints) URL(path string) string {
	return e.base + "/json/" + strings.TrimLeft(path, "/")
}

// Version fetches /json/version.
func (e *Endpoints) Version(ctx context.Context) (*VersionInfo, error) {
	var v VersionInfo
	if err := e.do(ctx, http.MethodGet, "version", &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// List fetches /json/list.
func (e *Endpoints) List(ctx context.Context) ([]Target, error) {
	var targets []Target
	if err := e.do(ctx, http.MethodGet, "list", &targets); err != nil {
		return nil, err
	}
	return targets, nil
}

// FirstPage returns the first page target.
func (e *Endpoints) FirstPage(ctx context.Context) (*Target, error) {
	targets, err := e.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range targets {
		if targets[i].Type == "page" {
			return &targets[i], nil
		}
	}
	return nil, ErrNoPageTarget
}

// New opens a new tab at rawURL.
func (e *Endpoints) New(ctx context.Context, rawURL string) (*Target, error) {
	path := "new"
	if rawURL != "" {
		path += "?" + url.QueryEscape(rawURL)
	}
	var t Target
	if err := e.do(ctx, http.MethodPut, path, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Activate brings a target to the front.
func (e *Endpoints) Activate(ctx context.Context, id string) error {
	return e.do(ctx, http.MethodGet, "activate/"+id, nil)
}

// Close closes a target.
func (e *Endpoints) Close(ctx context.Context, id string) error {
	return e.do(ctx, http.MethodGet, "close/"+id, nil)
}

func (e *Endpoints) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, e.URL(path), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach debugger: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("debugger %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}
