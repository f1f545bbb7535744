// Package patcher downloads chromedriver and removes its automation fingerprints.
package patcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"ucdriver-go/infrastructure/metrics"
)

const (
	defaultLegacyURL = "https://chromedriver.storage.googleapis.com"
	defaultCfTURL    = "https://googlechromelabs.github.io/chrome-for-testing/latest-versions-per-milestone-with-downloads.json"

	prefix = "undetected"
)

// Config holds patcher configuration.
type Config struct {
	// DataDir holds downloaded drivers. Defaults to DefaultDataDir().
	DataDir string
	// ExecutablePath is a user supplied chromedriver. When set, nothing is
	// downloaded and the file is never removed.
	ExecutablePath string
	// VersionMain pins the browser major version; 0 means latest.
	VersionMain int
	// Force kills processes that hold the driver binary.
	Force bool
	// LegacyURL is the chromedriver storage bucket used for versions before 115.
	LegacyURL string
	// CfTURL is the Chrome for Testing milestone feed.
	CfTURL string
	// HTTPTimeout bounds every download request.
	HTTPTimeout time.Duration
	// LockTimeout bounds waiting on the inter-process lock.
	LockTimeout time.Duration
}

// DefaultConfig returns default patcher configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir:     DefaultDataDir(),
		LegacyURL:   defaultLegacyURL,
		CfTURL:      defaultCfTURL,
		HTTPTimeout: 60 * time.Second,
		LockTimeout: 2 * time.Minute,
	}
}

// DefaultDataDir returns the default driver download folder.
func DefaultDataDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "ucdriver", "drivers")
}

// Patcher manages a single chromedriver binary.
type Patcher struct {
	// ExecutablePath is the driver binary that gets patched and launched.
	ExecutablePath string
	// VersionMain is the resolved browser major version.
	VersionMain int
	// VersionFull is the resolved driver release, e.g. 120.0.6099.109.
	VersionFull string

	force         bool
	customExePath bool
	dataPath      string
	zipPath       string
	exeName       string
	downloadURL   string
	goos          string
	goarch        string

	legacyURL   string
	cftURL      string
	lockTimeout time.Duration
	httpClient  *http.Client
	killer      func(name string) bool
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// New creates a patcher. The data folder is created when missing.
func New(cfg *Config, m *metrics.Metrics, logger *slog.Logger) *Patcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	dataPath := cfg.DataDir
	if dataPath == "" {
		dataPath = DefaultDataDir()
	}
	if abs, err := filepath.Abs(dataPath); err == nil {
		dataPath = abs
	}
	_ = os.MkdirAll(dataPath, 0o755)

	p := &Patcher{
		VersionMain: cfg.VersionMain,
		force:       cfg.Force,
		dataPath:    dataPath,
		zipPath:     filepath.Join(dataPath, prefix),
		exeName:     exeName(runtime.GOOS),
		goos:        runtime.GOOS,
		goarch:      runtime.GOARCH,
		legacyURL:   strings.TrimRight(firstNonEmpty(cfg.LegacyURL, defaultLegacyURL), "/"),
		cftURL:      firstNonEmpty(cfg.CfTURL, defaultCfTURL),
		lockTimeout: cfg.LockTimeout,
		httpClient:  &http.Client{Timeout: cfg.HTTPTimeout},
		killer:      ForceKillInstances,
		metrics:     m,
		logger:      logger.With("component", "patcher"),
	}

	if cfg.ExecutablePath != "" {
		path := cfg.ExecutablePath
		if p.goos == "windows" && !strings.HasSuffix(strings.ToLower(path), ".exe") {
			path += ".exe"
		}
		p.ExecutablePath = path
		p.customExePath = true
	} else {
		p.ExecutablePath = filepath.Join(dataPath, prefix+"_"+p.exeName)
	}
	return p
}

// IsCustom reports whether the executable was supplied by the user.
func (p *Patcher) IsCustom() bool {
	return p.customExePath
}

// DataPath returns the driver download folder.
func (p *Patcher) DataPath() string {
	return p.dataPath
}

// Auto makes sure a patched driver is available at ExecutablePath.
// It holds the inter-process driver lock for its whole duration.
func (p *Patcher) Auto(ctx context.Context) (bool, error) {
	unlock, err := p.lock(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()

	ok, err := p.auto(ctx)
	switch {
	case err != nil:
		p.metrics.PatchResult("failed")
	case ok:
		p.metrics.PatchResult("patched")
	}
	return ok, err
}

func (p *Patcher) auto(ctx context.Context) (bool, error) {
	if p.customExePath {
		patched, err := p.IsBinaryPatched()
		if err != nil {
			return false, err
		}
		if patched {
			p.metrics.PatchResult("already_patched")
			return true, nil
		}
		return p.Patch()
	}

	release, err := p.FetchReleaseNumber(ctx)
	if err != nil {
		if stamped := p.readStamp(); stamped != "" && p.patched() {
			p.logger.Warn("Could not resolve driver release, reusing existing driver",
				"path", p.ExecutablePath, "version", stamped, "error", err)
			p.setVersion(stamped)
			p.metrics.PatchResult("already_patched")
			return true, nil
		}
		return false, err
	}
	if p.readStamp() == release && p.patched() {
		p.logger.Debug("Reusing patched driver", "path", p.ExecutablePath, "version", release)
		p.setVersion(release)
		p.metrics.PatchResult("already_patched")
		return true, nil
	}

	if reuse, err := p.removeExisting(); err != nil || reuse {
		return reuse, err
	}

	p.setVersion(release)
	archive, err := p.FetchPackage(ctx)
	if err != nil {
		return false, err
	}
	if _, err := p.UnzipPackage(archive); err != nil {
		return false, err
	}
	ok, err := p.Patch()
	if err != nil || !ok {
		return ok, err
	}
	p.writeStamp(release)
	return true, nil
}

// removeExisting deletes the previous driver binary. It reports true when the
// binary is busy but already patched and can be used as is.
func (p *Patcher) removeExisting() (bool, error) {
	_ = os.Remove(p.stampPath())
	err := os.Remove(p.ExecutablePath)
	switch {
	case err == nil, errors.Is(err, fs.ErrNotExist):
		return false, nil
	case isBusy(err):
		if p.force {
			p.logger.Warn("Driver binary is busy, killing instances", "path", p.ExecutablePath)
			p.killer(p.ExecutablePath)
			p.force = false
			return p.removeExisting()
		}
		if p.patched() {
			// running and patched
			p.metrics.PatchResult("already_patched")
			return true, nil
		}
		return false, fmt.Errorf("driver binary is in use: %w", err)
	default:
		return false, fmt.Errorf("failed to remove old driver: %w", err)
	}
}

func (p *Patcher) setVersion(release string) {
	p.VersionFull = release
	if major, _, ok := strings.Cut(release, "."); ok {
		fmt.Sscanf(major, "%d", &p.VersionMain)
	}
}

func (p *Patcher) patched() bool {
	ok, err := p.IsBinaryPatched()
	return err == nil && ok
}

// stampPath records which release the downloaded driver came from.
func (p *Patcher) stampPath() string {
	return p.ExecutablePath + ".version"
}

func (p *Patcher) readStamp() string {
	data, err := os.ReadFile(p.stampPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (p *Patcher) writeStamp(release string) {
	if err := os.WriteFile(p.stampPath(), []byte(release+"\n"), 0o644); err != nil {
		p.logger.Debug("Failed to record driver release", "path", p.stampPath(), "error", err)
	}
}

// Patch patches the executable and verifies the result.
func (p *Patcher) Patch() (bool, error) {
	if err := p.PatchExe(); err != nil {
		return false, err
	}
	return p.IsBinaryPatched()
}

// Cleanup removes a downloaded driver, retrying while it is still busy.
// User supplied executables are kept.
func (p *Patcher) Cleanup() {
	if p.customExePath {
		return
	}
	const timeout = 3 * time.Second
	deadline := time.Now().Add(timeout)
	for {
		err := os.Remove(p.ExecutablePath)
		if err == nil {
			_ = os.Remove(p.stampPath())
			p.logger.Debug("Removed driver binary", "path", p.ExecutablePath)
			return
		}
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		if time.Now().After(deadline) {
			p.logger.Debug("Could not remove driver binary in time", "path", p.ExecutablePath, "timeout", timeout)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (p *Patcher) String() string {
	return fmt.Sprintf("Patcher(%s)", p.ExecutablePath)
}

// ForceKillInstances terminates processes running the named executable.
// It reports whether the kill command succeeded.
func ForceKillInstances(name string) bool {
	base := filepath.Base(name)
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.Command("taskkill", "/f", "/im", base)
	} else {
		cmd = exec.Command("pkill", "-9", "-f", base)
	}
	return cmd.Run() == nil
}

func exeName(goos string) string {
	if goos == "windows" {
		return "chromedriver.exe"
	}
	return "chromedriver"
}

func isBusy(err error) bool {
	if errors.Is(err, fs.ErrPermission) {
		return true
	}
	// ETXTBSY / sharing violation
	msg := err.Error()
	return strings.Contains(msg, "text file busy") || strings.Contains(msg, "being used by another process")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
