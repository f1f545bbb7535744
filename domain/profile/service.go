package profile

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Common errors for profile operations.
var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrDuplicateID     = errors.New("profile with this ID already exists")
)

// Service provides profile management.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a new profile service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// GetProfile retrieves a profile by ID.
func (s *Service) GetProfile(ctx context.Context, id string) (*Profile, error) {
	p, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrProfileNotFound
	}
	return p, nil
}

// ListProfiles retrieves all profiles sorted by name then ID.
func (s *Service) ListProfiles(ctx context.Context) ([]*Profile, error) {
	profiles, err := s.repo.FindAll(ctx)
	if err != nil {
		return nil, err
	}

	sort.Slice(profiles, func(i, j int) bool {
		if profiles[i].Name != profiles[j].Name {
			return profiles[i].Name < profiles[j].Name
		}
		return profiles[i].ID < profiles[j].ID
	})

	return profiles, nil
}

// CreateProfile stores a new profile, assigning an ID when empty.
func (s *Service) CreateProfile(ctx context.Context, p *Profile) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.UpdatedAt = s.now()
	return s.repo.Insert(ctx, p)
}

// UpdateProfile updates an existing profile.
func (s *Service) UpdateProfile(ctx context.Context, p *Profile) error {
	p.UpdatedAt = s.now()
	return s.repo.Update(ctx, p)
}

// SaveCookies replaces the cookies of a profile.
func (s *Service) SaveCookies(ctx context.Context, id string, cookies []Cookie) error {
	return s.repo.UpdateCookies(ctx, id, cookies)
}

// LoadCookies returns the stored cookies of a profile.
func (s *Service) LoadCookies(ctx context.Context, id string) ([]Cookie, error) {
	p, err := s.GetProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.Cookies, nil
}

// DeleteProfile removes a profile.
func (s *Service) DeleteProfile(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}
