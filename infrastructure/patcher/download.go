package patcher

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// cftMilestones mirrors the Chrome for Testing milestone feed.
type cftMilestones struct {
	Milestones map[string]struct {
		Milestone string `json:"milestone"`
		Version   string `json:"version"`
		Downloads struct {
			Chromedriver []struct {
				Platform string `json:"platform"`
				URL      string `json:"url"`
			} `json:"chromedriver"`
		} `json:"downloads"`
	} `json:"milestones"`
}

// ErrNoDriverRelease is returned when no release matches the requested version.
var ErrNoDriverRelease = errors.New("no chromedriver release found")

// FetchReleaseNumber resolves the driver release for VersionMain.
func (p *Patcher) FetchReleaseNumber(ctx context.Context) (string, error) {
	if p.VersionMain > 0 && p.VersionMain < 115 {
		return p.fetchLegacyRelease(ctx)
	}
	return p.fetchCfTRelease(ctx)
}

func (p *Patcher) fetchLegacyRelease(ctx context.Context) (string, error) {
	url := p.legacyURL + "/LATEST_RELEASE"
	if p.VersionMain > 0 {
		url += "_" + strconv.Itoa(p.VersionMain)
	}
	body, err := p.get(ctx, url)
	if err != nil {
		return "", err
	}
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("failed to read release: %w", err)
	}
	release := strings.TrimSpace(string(raw))
	if release == "" {
		return "", ErrNoDriverRelease
	}
	p.downloadURL = fmt.Sprintf("%s/%s/chromedriver_%s.zip", p.legacyURL, release, p.legacyPlatform())
	return release, nil
}

func (p *Patcher) fetchCfTRelease(ctx context.Context) (string, error) {
	body, err := p.get(ctx, p.cftURL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	var feed cftMilestones
	if err := json.NewDecoder(body).Decode(&feed); err != nil {
		return "", fmt.Errorf("failed to decode release feed: %w", err)
	}

	milestone := strconv.Itoa(p.VersionMain)
	if p.VersionMain == 0 {
		best := -1
		for key := range feed.Milestones {
			if n, err := strconv.Atoi(key); err == nil && n > best {
				best = n
			}
		}
		if best < 0 {
			return "", ErrNoDriverRelease
		}
		milestone = strconv.Itoa(best)
	}

	entry, ok := feed.Milestones[milestone]
	if !ok {
		return "", fmt.Errorf("%w: milestone %s", ErrNoDriverRelease, milestone)
	}
	platform := p.cftPlatform()
	for _, d := range entry.Downloads.Chromedriver {
		if d.Platform == platform {
			p.downloadURL = d.URL
			return entry.Version, nil
		}
	}
	return "", fmt.Errorf("%w: milestone %s has no %s build", ErrNoDriverRelease, milestone, platform)
}

// FetchPackage downloads the driver archive and returns its local path.
func (p *Patcher) FetchPackage(ctx context.Context) (string, error) {
	if p.downloadURL == "" {
		return "", fmt.Errorf("download url is not resolved, call FetchReleaseNumber first")
	}
	p.logger.Info("Downloading driver", "url", p.downloadURL)

	body, err := p.get(ctx, p.downloadURL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	target := p.zipPath + ".zip"
	f, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to download archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write archive: %w", err)
	}

	mt, err := mimetype.DetectFile(target)
	if err != nil {
		return "", fmt.Errorf("failed to detect archive type: %w", err)
	}
	if !isZip(mt) {
		os.Remove(target)
		return "", fmt.Errorf("unexpected archive type %s from %s", mt.String(), p.downloadURL)
	}
	return target, nil
}

// UnzipPackage extracts the driver executable from archive into ExecutablePath.
func (p *Patcher) UnzipPackage(archive string) (string, error) {
	defer os.Remove(archive)

	r, err := zip.OpenReader(archive)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	for _, zf := range r.File {
		if zf.FileInfo().IsDir() || path.Base(zf.Name) != p.exeName {
			continue
		}
		if err := extract(zf, p.ExecutablePath); err != nil {
			return "", err
		}
		return p.ExecutablePath, nil
	}
	return "", fmt.Errorf("%s not found in archive", p.exeName)
}

func extract(zf *zip.File, dst string) error {
	src, err := zf.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", zf.Name, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create driver folder: %w", err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create driver: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract driver: %w", err)
	}
	return out.Close()
}

func isZip(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("application/zip") {
			return true
		}
	}
	return false
}

func (p *Patcher) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to fetch %s: status %d", url, resp.StatusCode)
	}
	return resp.Body, nil
}

func (p *Patcher) legacyPlatform() string {
	switch p.goos {
	case "windows":
		return "win32"
	case "darwin":
		if p.goarch == "arm64" {
			return "mac_arm64"
		}
		return "mac64"
	default:
		return "linux64"
	}
}

func (p *Patcher) cftPlatform() string {
	switch p.goos {
	case "windows":
		if p.goarch == "386" {
			return "win32"
		}
		return "win64"
	case "darwin":
		if p.goarch == "arm64" {
			return "mac-arm64"
		}
		return "mac-x64"
	default:
		return "linux64"
	}
}
