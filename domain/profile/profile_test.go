package profile

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestProfile_Identity(t *testing.T) {
	tests := []struct {
		name     string
		profile  *Profile
		expected string
	}{
		{
			name:     "with name",
			profile:  &Profile{ID: "p1", Name: "shop"},
			expected: "shop (p1)",
		},
		{
			name:     "id only",
			profile:  &Profile{ID: "p1"},
			expected: "p1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.profile.Identity(); got != tt.expected {
				t.Errorf("Identity() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestProfile_Clone(t *testing.T) {
	original := &Profile{
		ID:          "123",
		Name:        "shop",
		UserDataDir: "/tmp/shop",
		Cookies:     []Cookie{{Name: "session", Value: "abc123"}},
	}

	clone := original.Clone()

	if clone.ID != original.ID || clone.UserDataDir != original.UserDataDir {
		t.Errorf("Clone() = %+v, want fields copied", clone)
	}

	clone.Cookies[0].Name = "modified"
	if original.Cookies[0].Name == "modified" {
		t.Error("Cookies slice was not deep copied")
	}

	if (&Profile{ID: "x"}).Clone().Cookies != nil {
		t.Error("Expected nil Cookies for empty original")
	}
}

// memoryRepository is an in-memory Repository used by the service tests.
type memoryRepository struct {
	profiles map[string]*Profile
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{profiles: map[string]*Profile{}}
}

func (r *memoryRepository) FindByID(_ context.Context, id string) (*Profile, error) {
	p, ok := r.profiles[id]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

func (r *memoryRepository) FindAll(context.Context) ([]*Profile, error) {
	var out []*Profile
	for _, p := range r.profiles {
		out = append(out, p.Clone())
	}
	return out, nil
}

func (r *memoryRepository) Insert(_ context.Context, p *Profile) error {
	if _, ok := r.profiles[p.ID]; ok {
		return ErrDuplicateID
	}
	r.profiles[p.ID] = p.Clone()
	return nil
}

func (r *memoryRepository) Update(_ context.Context, p *Profile) error {
	if _, ok := r.profiles[p.ID]; !ok {
		return ErrProfileNotFound
	}
	r.profiles[p.ID] = p.Clone()
	return nil
}

func (r *memoryRepository) UpdateCookies(_ context.Context, id string, cookies []Cookie) error {
	p, ok := r.profiles[id]
	if !ok {
		return ErrProfileNotFound
	}
	p.Cookies = cookies
	return nil
}

func (r *memoryRepository) Delete(_ context.Context, id string) error {
	if _, ok := r.profiles[id]; !ok {
		return ErrProfileNotFound
	}
	delete(r.profiles, id)
	return nil
}

func TestService(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newMemoryRepository())
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	b := &Profile{Name: "b"}
	a := &Profile{Name: "a"}
	for _, p := range []*Profile{b, a} {
		if err := svc.CreateProfile(ctx, p); err != nil {
			t.Fatalf("CreateProfile() error = %v", err)
		}
	}
	if b.ID == "" || b.ID == a.ID {
		t.Errorf("CreateProfile() assigned ids %q and %q, want distinct", b.ID, a.ID)
	}
	if !b.UpdatedAt.Equal(fixed) {
		t.Errorf("UpdatedAt = %v, want %v", b.UpdatedAt, fixed)
	}

	list, err := svc.ListProfiles(ctx)
	if err != nil {
		t.Fatalf("ListProfiles() error = %v", err)
	}
	if len(list) != 2 || list[0].Name != "a" {
		t.Errorf("ListProfiles() = %v, want a first", list)
	}

	cookies := []Cookie{{Name: "sid", Value: "1"}}
	if err := svc.SaveCookies(ctx, a.ID, cookies); err != nil {
		t.Fatalf("SaveCookies() error = %v", err)
	}
	got, err := svc.LoadCookies(ctx, a.ID)
	if err != nil {
		t.Fatalf("LoadCookies() error = %v", err)
	}
	if len(got) != 1 || got[0].Name != "sid" {
		t.Errorf("LoadCookies() = %v, want sid", got)
	}

	if _, err := svc.GetProfile(ctx, "missing"); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("GetProfile(missing) error = %v, want ErrProfileNotFound", err)
	}

	if err := svc.DeleteProfile(ctx, a.ID); err != nil {
		t.Fatalf("DeleteProfile() error = %v", err)
	}
	if _, err := svc.LoadCookies(ctx, a.ID); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("LoadCookies(deleted) error = %v, want ErrProfileNotFound", err)
	}
}
