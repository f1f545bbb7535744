// Package options holds browser launch options for the undetected driver.
package options

import (
	"errors"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// ErrOptionsReused is returned when a ChromeOptions value is bound to a
// second driver.
var ErrOptionsReused = errors.New("chrome options cannot be reused")

var (
	langArgRe        = regexp.MustCompile(`(?:--)?lang(?:[ =])?(.*)`)
	userDataDirArgRe = regexp.MustCompile(`(?:--)?user-data-dir(?:[ =])?(.*)`)
)

// ChromeOptions collects browser arguments, preferences and WebDriver
// capabilities. A value can be bound to one driver only.
type ChromeOptions struct {
	mu sync.Mutex

	// BinaryLocation is the browser executable.
	BinaryLocation string
	// DebuggerAddress is the host:port the WebDriver session attaches to.
	DebuggerAddress string

	args         []string
	userDataDir  string
	prefs        map[string]any
	experimental map[string]any
	capabilities map[string]any
	bound        bool
}

// NewChromeOptions creates empty options.
func NewChromeOptions() *ChromeOptions {
	return &ChromeOptions{
		prefs:        make(map[string]any),
		experimental: make(map[string]any),
		capabilities: make(map[string]any),
	}
}

// Bind marks the options as owned by a driver.
func (o *ChromeOptions) Bind() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.bound {
		return ErrOptionsReused
	}
	o.bound = true
	return nil
}

// AddArgument appends a browser argument.
func (o *ChromeOptions) AddArgument(arg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.args = append(o.args, arg)
}

// AddArguments appends several browser arguments.
func (o *ChromeOptions) AddArguments(args ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.args = append(o.args, args...)
}

// Arguments returns a copy of the browser arguments.
func (o *ChromeOptions) Arguments() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.args)
}

// SetUserDataDir sets the profile folder, normalized to an absolute path.
func (o *ChromeOptions) SetUserDataDir(path string) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	o.mu.Lock()
	o.userDataDir = filepath.Clean(path)
	o.mu.Unlock()
}

// UserDataDir returns the profile folder set through SetUserDataDir.
func (o *ChromeOptions) UserDataDir() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.userDataDir
}

// SetPref sets a browser preference. Dotted keys address nested values.
func (o *ChromeOptions) SetPref(key string, value any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prefs[key] = value
}

// SetExperimentalOption sets a chromedriver experimental option.
func (o *ChromeOptions) SetExperimentalOption(name string, value any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if name == "prefs" {
		if m, ok := value.(map[string]any); ok {
			for k, v := range m {
				o.prefs[k] = v
			}
			return
		}
	}
	o.experimental[name] = value
}

// ExperimentalOptions returns a copy of the experimental options.
func (o *ChromeOptions) ExperimentalOptions() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]any, len(o.experimental)+1)
	for k, v := range o.experimental {
		out[k] = v
	}
	if len(o.prefs) > 0 {
		prefs := make(map[string]any, len(o.prefs))
		for k, v := range o.prefs {
			prefs[k] = v
		}
		out["prefs"] = prefs
	}
	return out
}

// SetCapability sets a top level WebDriver capability.
func (o *ChromeOptions) SetCapability(name string, value any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.capabilities[name] = value
}

// Capabilities returns a copy of the WebDriver capabilities.
func (o *ChromeOptions) Capabilities() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]any, len(o.capabilities))
	for k, v := range o.capabilities {
		out[k] = v
	}
	return out
}

// LanguageFromArgs returns the value of a lang argument. A lang argument
// without a value yields en-US,en;q=0.9.
func LanguageFromArgs(args []string) (string, bool) {
	var (
		lang  string
		found bool
	)
	for _, arg := range args {
		if !strings.Contains(arg, "lang") {
			continue
		}
		found = true
		if m := langArgRe.FindStringSubmatch(arg); m != nil && m[1] != "" {
			lang = m[1]
		} else {
			lang = "en-US,en;q=0.9"
		}
	}
	return lang, found
}

// UserDataDirFromArgs returns the value of the last user-data-dir argument.
func UserDataDirFromArgs(args []string) (string, bool) {
	var (
		dir   string
		found bool
	)
	for _, arg := range args {
		if !strings.Contains(arg, "user-data-dir") {
			continue
		}
		if m := userDataDirArgRe.FindStringSubmatch(arg); m != nil && m[1] != "" {
			dir = m[1]
			found = true
		}
	}
	return dir, found
}
