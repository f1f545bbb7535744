package profile

import "context"

// Repository defines the interface for profile persistence operations.
type Repository interface {
	// FindByID retrieves a profile by its unique identifier.
	// Returns nil if not found.
	FindByID(ctx context.Context, id string) (*Profile, error)

	// FindAll retrieves all profiles.
	FindAll(ctx context.Context) ([]*Profile, error)

	// Insert creates a new profile.
	Insert(ctx context.Context, profile *Profile) error

	// Update updates an existing profile.
	Update(ctx context.Context, profile *Profile) error

	// UpdateCookies updates only the cookies for a profile.
	UpdateCookies(ctx context.Context, id string, cookies []Cookie) error

	// Delete removes a profile by its identifier.
	Delete(ctx context.Context, id string) error
}
