package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ucdriver-go/domain/profile"
)

// FileProfileRepository stores one JSON file per profile in a folder.
type FileProfileRepository struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileProfileRepository creates a repository rooted at dir.
func NewFileProfileRepository(dir string, logger *slog.Logger) (*FileProfileRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create profile folder: %w", err)
	}
	return &FileProfileRepository{dir: dir, logger: logger}, nil
}

func (r *FileProfileRepository) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid profile id %q", id)
	}
	return filepath.Join(r.dir, id+".json"), nil
}

func (r *FileProfileRepository) read(path string) (*profile.Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p profile.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return &p, nil
}

func (r *FileProfileRepository) write(p *profile.Profile) error {
	path, err := r.path(p.ID)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return os.Rename(tmp, path)
}

// FindByID retrieves a profile by its unique identifier.
func (r *FileProfileRepository) FindByID(ctx context.Context, id string) (*profile.Profile, error) {
	path, err := r.path(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return p, err
}

// FindAll retrieves all profiles.
func (r *FileProfileRepository) FindAll(ctx context.Context) ([]*profile.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(r.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	profiles := make([]*profile.Profile, 0, len(matches))
	for _, m := range matches {
		p, err := r.read(m)
		if err != nil {
			r.logger.Warn("Skipping unreadable profile", "file", m, "error", err)
			continue
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// Insert creates a new profile.
func (r *FileProfileRepository) Insert(ctx context.Context, p *profile.Profile) error {
	path, err := r.path(p.ID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return profile.ErrDuplicateID
	}
	if err := r.write(p); err != nil {
		return err
	}
	r.logger.Info("Profile inserted", "id", p.ID, "name", p.Name)
	return nil
}

// Update updates an existing profile.
func (r *FileProfileRepository) Update(ctx context.Context, p *profile.Profile) error {
	path, err := r.path(p.ID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(path); err != nil {
		return profile.ErrProfileNotFound
	}
	return r.write(p)
}

// UpdateCookies updates only the cookies for a profile.
func (r *FileProfileRepository) UpdateCookies(ctx context.Context, id string, cookies []profile.Cookie) error {
	path, err := r.path(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return profile.ErrProfileNotFound
	}
	if err != nil {
		return err
	}
	p.Cookies = cookies
	p.UpdatedAt = time.Now().UTC()
	if err := r.write(p); err != nil {
		return err
	}
	r.logger.Info("Cookies updated", "id", id, "count", len(cookies))
	return nil
}

// Delete removes a profile by its identifier.
func (r *FileProfileRepository) Delete(ctx context.Context, id string) error {
	path, err := r.path(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return profile.ErrProfileNotFound
		}
		return fmt.Errorf("failed to delete profile: %w", err)
	}
	r.logger.Info("Profile deleted", "id", id)
	return nil
}

// Ensure FileProfileRepository implements profile.Repository
var _ profile.Repository = (*FileProfileRepository)(nil)
