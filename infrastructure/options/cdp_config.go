package options

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sort"
	"strings"
)

// Window geometry used by the default argument set.
const (
	StartWidth  = 1280
	StartHeight = 840
	StartX      = 20
	StartY      = 54
)

var forbiddenArgs = []string{"headless", "data-dir", "data_dir", "no-sandbox", "no_sandbox", "lang"}

// CDPConfig describes a browser launched for pure CDP control.
type CDPConfig struct {
	Headless              bool
	Incognito             bool
	Guest                 bool
	Sandbox               bool
	Expert                bool
	Lang                  string
	Host                  string
	Port                  int
	BrowserExecutablePath string

	userDataDir   string
	customDataDir bool
	browserArgs   []string
	extensions    []string
	defaultArgs   []string
}

// NewCDPConfig creates a config with the default argument set. An empty
// userDataDir allocates a temporary profile.
func NewCDPConfig(userDataDir string, logger *slog.Logger) (*CDPConfig, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &CDPConfig{
		Sandbox:     true,
		Lang:        "en-US",
		defaultArgs: defaultCDPArgs(),
	}
	if userDataDir == "" {
		dir, err := TempProfileDir()
		if err != nil {
			return nil, err
		}
		c.userDataDir = dir
	} else {
		c.SetUserDataDir(userDataDir)
	}
	if isRoot() {
		logger.Info("Detected root usage, disabling sandbox mode")
		c.Sandbox = false
	}
	return c, nil
}

func defaultCDPArgs() []string {
	return []string{
		fmt.Sprintf("--window-size=%d,%d", StartWidth, StartHeight),
		fmt.Sprintf("--window-position=%d,%d", StartX, StartY),
		"--remote-allow-origins=*",
		"--no-first-run",
		"--no-service-autorun",
		"--disable-auto-reload",
		"--no-default-browser-check",
		"--homepage=about:blank",
		"--no-pings",
		"--wm-window-animations-disabled",
		"--animation-duration-scale=0",
		"--enable-privacy-sandbox-ads-apis",
		"--safebrowsing-disable-download-protection",
		`--simulate-outdated-no-au="Tue, 31 Dec 2099 23:59:59 GMT"`,
		"--password-store=basic",
		"--deny-permission-prompts",
		"--disable-infobars",
		"--disable-breakpad",
		"--disable-component-update",
		"--disable-prompt-on-repost",
		"--disable-password-generation",
		"--disable-ipc-flooding-protection",
		"--disable-background-timer-throttling",
		"--disable-search-engine-choice-screen",
		"--disable-backgrounding-occluded-windows",
		"--disable-client-side-phishing-detection",
		"--disable-top-sites",
		"--disable-translate",
		"--disable-renderer-backgrounding",
		"--disable-background-networking",
		"--disable-dev-shm-usage",
		"--disable-features=IsolateOrigins,site-per-process,Translate," +
			"InsecureDownloadWarnings,DownloadBubble,DownloadBubbleV2," +
			"OptimizationTargetPrediction,OptimizationGuideModelDownloading," +
			"SidePanelPinning,UserAgentClientHint,PrivacySandboxSettings4",
	}
}

// UserDataDir returns the profile folder.
func (c *CDPConfig) UserDataDir() string {
	return c.userDataDir
}

// SetUserDataDir sets a caller owned profile folder.
func (c *CDPConfig) SetUserDataDir(dir string) {
	c.userDataDir = dir
	c.customDataDir = true
}

// UsesCustomDataDir reports whether the profile folder belongs to the caller.
func (c *CDPConfig) UsesCustomDataDir() bool {
	return c.customDataDir
}

// BrowserArgs returns the default and user arguments, sorted.
func (c *CDPConfig) BrowserArgs() []string {
	args := append(slices.Clone(c.defaultArgs), c.browserArgs...)
	sort.Strings(args)
	return args
}

// Extensions returns the unpacked extension folders to load.
func (c *CDPConfig) Extensions() []string {
	return slices.Clone(c.extensions)
}

// AddArgument appends a browser argument. Arguments that have a dedicated
// field are rejected.
func (c *CDPConfig) AddArgument(arg string) error {
	lower := strings.ToLower(arg)
	for _, f := range forbiddenArgs {
		if strings.Contains(lower, f) {
			return fmt.Errorf("%q is not allowed, use the matching config field instead", arg)
		}
	}
	c.browserArgs = append(c.browserArgs, arg)
	return nil
}

// AddExtension loads an extension from a folder holding a manifest or from a
// zip/crx archive, which is extracted to a temporary folder.
func (c *CDPConfig) AddExtension(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("could not find extension at %s: %w", path, err)
	}
	if !info.IsDir() {
		dir, err := os.MkdirTemp("", "extension_")
		if err != nil {
			return fmt.Errorf("failed to create extension folder: %w", err)
		}
		if err := unzipTo(path, dir); err != nil {
			return err
		}
		c.extensions = append(c.extensions, dir)
		return nil
	}

	dir := path
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasPrefix(d.Name(), "manifest.") {
			dir = filepath.Dir(p)
		}
		return nil
	})
	c.extensions = append(c.extensions, dir)
	return nil
}

// Args returns the full launch command line, without the executable.
func (c *CDPConfig) Args() []string {
	args := slices.Clone(c.defaultArgs)
	args = append(args,
		"--user-data-dir="+c.userDataDir,
		"--disable-features=IsolateOrigins,site-per-process",
		"--disable-session-crashed-bubble",
	)
	if c.Expert {
		args = append(args, "--disable-web-security", "--disable-site-isolation-trials")
	}
	for _, a := range c.browserArgs {
		if !slices.Contains(args, a) {
			args = append(args, a)
		}
	}
	if len(c.extensions) > 0 {
		args = append(args, "--load-extension="+strings.Join(c.extensions, ","))
	}
	if c.Lang != "" {
		args = append(args, "--lang="+c.Lang)
	}
	if c.Headless {
		args = append(args, "--headless=new")
	}
	if c.Incognito {
		args = append(args, "--incognito")
	}
	if c.Guest {
		args = append(args, "--guest")
	}
	if !c.Sandbox {
		args = append(args, "--no-sandbox")
	}
	if c.Host != "" {
		args = append(args, "--remote-debugging-host="+c.Host)
	}
	if c.Port != 0 {
		args = append(args, fmt.Sprintf("--remote-debugging-port=%d", c.Port))
	}
	return args
}

// TempProfileDir creates a temporary profile folder.
func TempProfileDir() (string, error) {
	dir, err := os.MkdirTemp("", "uc_")
	if err != nil {
		return "", fmt.Errorf("failed to create temp profile: %w", err)
	}
	return filepath.Clean(dir), nil
}

func isRoot() bool {
	return runtime.GOOS != "windows" && os.Geteuid() == 0
}

func unzipTo(archive, dst string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("failed to open extension archive: %w", err)
	}
	defer r.Close()

	root := filepath.Clean(dst) + string(os.PathSeparator)
	for _, f := range r.File {
		target := filepath.Join(dst, f.Name)
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("illegal path in extension archive: %s", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := copyZipFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func copyZipFile(f *zip.File, target string) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
