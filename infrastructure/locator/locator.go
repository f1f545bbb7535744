// Package locator finds an installed Chrome-family browser binary.
package locator

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/go-rod/rod/lib/launcher"
)

// ErrBrowserNotFound is returned when no Chrome-family executable is found.
var ErrBrowserNotFound = errors.New("could not find a valid chrome browser binary; " +
	"make sure Chrome is installed or pass the browser executable path explicitly")

var posixNames = []string{
	"google-chrome",
	"chromium",
	"chromium-browser",
	"chrome",
	"google-chrome-stable",
	"google-chrome-beta",
	"google-chrome-dev",
}

var macBundles = []string{
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	"/Applications/Chromium.app/Contents/MacOS/Chromium",
}

var windowsEnvRoots = []string{
	"PROGRAMFILES",
	"PROGRAMFILES(X86)",
	"LOCALAPPDATA",
	"PROGRAMW6432",
}

var windowsSubdirs = []string{
	"Google/Chrome/Application",
	"Google/Chrome Beta/Application",
	"Google/Chrome Canary/Application",
}

// Locator searches well-known install locations for a browser.
// The zero value is not usable; call New.
type Locator struct {
	goos     string
	getenv   func(string) string
	lookPath func() (string, bool)
	logger   *slog.Logger
}

// New creates a locator for the current platform.
func New(logger *slog.Logger) *Locator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locator{
		goos:     runtime.GOOS,
		getenv:   os.Getenv,
		lookPath: launcher.LookPath,
		logger:   logger,
	}
}

// Candidates returns every path that is checked, in order.
func (l *Locator) Candidates() []string {
	var candidates []string
	if l.goos == "windows" {
		for _, env := range windowsEnvRoots {
			root := l.getenv(env)
			if root == "" {
				continue
			}
			for _, sub := range windowsSubdirs {
				candidates = append(candidates, filepath.Join(root, filepath.FromSlash(sub), "chrome.exe"))
			}
		}
		return candidates
	}

	for _, dir := range filepath.SplitList(l.getenv("PATH")) {
		if dir == "" {
			continue
		}
		for _, name := range posixNames {
			candidates = append(candidates, filepath.Join(dir, name))
		}
	}
	if l.goos == "darwin" {
		candidates = append(candidates, macBundles...)
	}
	return candidates
}

// FindAll returns all valid executables, shortest path first.
func (l *Locator) FindAll() []string {
	seen := make(map[string]bool)
	var found []string
	for _, c := range l.Candidates() {
		c = filepath.Clean(c)
		if seen[c] {
			continue
		}
		seen[c] = true
		if isExecutable(c, l.goos) {
			l.logger.Debug("Valid browser candidate", "path", c)
			found = append(found, c)
		}
	}
	sort.SliceStable(found, func(i, j int) bool {
		return len(found[i]) < len(found[j])
	})
	return found
}

// FindChromeExecutable returns the best browser executable.
// The shortest valid candidate wins; the rod launcher lookup is the fallback.
func (l *Locator) FindChromeExecutable() (string, error) {
	if found := l.FindAll(); len(found) > 0 {
		return found[0], nil
	}
	if l.lookPath != nil {
		if path, ok := l.lookPath(); ok && isExecutable(path, l.goos) {
			l.logger.Debug("Browser found by launcher lookup", "path", path)
			return filepath.Clean(path), nil
		}
	}
	return "", ErrBrowserNotFound
}

// FindChromeExecutable locates a browser using the default locator.
func FindChromeExecutable() (string, error) {
	return New(nil).FindChromeExecutable()
}

func isExecutable(path, goos string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if goos == "windows" {
		return strings.EqualFold(filepath.Ext(path), ".exe")
	}
	return info.Mode().Perm()&0o111 != 0
}
