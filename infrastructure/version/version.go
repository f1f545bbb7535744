// Package version detects the installed browser version.
package version

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// ErrVersionNotFound is returned when no version string could be read.
var ErrVersionNotFound = errors.New("could not detect the browser version")

var versionPattern = regexp.MustCompile(`\d+\.\d+\.\d+(?:\.\d+)?`)

// Version is a dotted browser version such as 120.0.6099.109.
type Version struct {
	raw   string
	parts []int
}

// Parse extracts the first version number found in s.
func Parse(s string) (Version, error) {
	m := versionPattern.FindString(s)
	if m == "" {
		return Version{}, fmt.Errorf("%w in %q", ErrVersionNotFound, strings.TrimSpace(s))
	}
	fields := strings.Split(m, ".")
	parts := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return Version{}, fmt.Errorf("invalid version component %q: %w", f, err)
		}
		parts[i] = n
	}
	return Version{raw: m, parts: parts}, nil
}

// Major returns the major version, or 0 for the zero Version.
func (v Version) Major() int {
	if len(v.parts) == 0 {
		return 0
	}
	return v.parts[0]
}

// IsZero reports whether v holds no version.
func (v Version) IsZero() bool {
	return len(v.parts) == 0
}

func (v Version) String() string {
	return v.raw
}

// FormatVersion normalizes a user supplied version; empty input means "latest".
func FormatVersion(s string) string {
	if s == "" || s == "latest" {
		return "latest"
	}
	v, err := Parse(s)
	if err != nil {
		return s
	}
	return v.String()
}

// Runner executes a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	err := cmd.Run()
	return stdout.Bytes(), err
}

// Detector reads the browser version from the binary or the OS.
type Detector struct {
	goos    string
	run     Runner
	timeout time.Duration
}

// NewDetector creates a detector for the current platform.
func NewDetector() *Detector {
	return &Detector{
		goos:    runtime.GOOS,
		run:     execRunner,
		timeout: 10 * time.Second,
	}
}

// Detect runs "<binary> --version" and parses the output.
func (d *Detector) Detect(ctx context.Context, binary string) (Version, error) {
	if d.goos == "windows" {
		// chrome.exe --version does not print on Windows.
		return d.run1(ctx, "powershell", "-NoProfile", "-Command",
			fmt.Sprintf(`(Get-Item -Path "%s").VersionInfo.FileVersion`, binary))
	}
	return d.run1(ctx, binary, "--version")
}

// DetectFromOS tries the platform's known browser commands in order.
func (d *Detector) DetectFromOS(ctx context.Context) (Version, error) {
	for _, c := range osCommands(d.goos) {
		v, err := d.run1(ctx, c[0], c[1:]...)
		if err == nil {
			return v, nil
		}
	}
	return Version{}, fmt.Errorf("%w: google-chrome is not installed", ErrVersionNotFound)
}

func (d *Detector) run1(ctx context.Context, name string, args ...string) (Version, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	out, err := d.run(ctx, name, args...)
	if len(out) == 0 && err != nil {
		return Version{}, fmt.Errorf("run %s: %w", name, err)
	}
	return Parse(string(out))
}

func osCommands(goos string) [][]string {
	switch goos {
	case "windows":
		return [][]string{{"powershell", "-NoProfile", "-Command", windowsScript()}}
	case "darwin":
		return [][]string{{"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome", "--version"}}
	default:
		apps := []string{"google-chrome", "google-chrome-stable", "google-chrome-beta", "google-chrome-dev"}
		cmds := make([][]string, len(apps))
		for i, app := range apps {
			cmds[i] = []string{app, "--version"}
		}
		return cmds
	}
}

var windowsExpressions = []string{
	`(Get-Item -Path "$env:PROGRAMFILES\Google\Chrome\Application\chrome.exe").VersionInfo.FileVersion`,
	`(Get-Item -Path "$env:PROGRAMFILES (x86)\Google\Chrome\Application\chrome.exe").VersionInfo.FileVersion`,
	`(Get-Item -Path "$env:LOCALAPPDATA\Google\Chrome\Application\chrome.exe").VersionInfo.FileVersion`,
	`(Get-ItemProperty -Path Registry::"HKCU\SOFTWARE\Google\Chrome\BLBeacon").version`,
	`(Get-ItemProperty -Path Registry::"HKLM\SOFTWARE\Wow6432Node\Microsoft\Windows\CurrentVersion\Uninstall\Google Chrome").version`,
}

// windowsScript echoes the first expression that yields a value.
func windowsScript() string {
	var b strings.Builder
	b.WriteString("$ErrorActionPreference='silentlycontinue';")
	for _, e := range windowsExpressions {
		fmt.Fprintf(&b, " $tmp = %s; if ($tmp) {echo $tmp; Exit;};", e)
	}
	return b.String()
}
