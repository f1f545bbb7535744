// Package profile defines browser profiles and their persisted cookies.
package profile

import (
	"fmt"
	"time"
)

// Profile is a named browser profile that can be reused across driver runs.
type Profile struct {
	// ID is the unique identifier (UUID)
	ID string

	// Name is a human readable label
	Name string

	// UserDataDir is the browser profile folder. Empty means a temporary one.
	UserDataDir string

	// Language is passed to the browser as --lang
	Language string

	// Cookies stores browser cookies for session restoration
	Cookies []Cookie

	// UpdatedAt is the time of the last save
	UpdatedAt time.Time
}

// Cookie represents a browser cookie for session persistence.
type Cookie struct {
	Name         string  `json:"name"`
	Value        string  `json:"value"`
	Domain       string  `json:"domain"`
	Path         string  `json:"path"`
	Expires      float64 `json:"expires,omitempty"`
	HTTPOnly     bool    `json:"httpOnly"`
	Secure       bool    `json:"secure"`
	SameSite     string  `json:"sameSite,omitempty"`
	SourcePort   int     `json:"sourcePort,omitempty"`
	SourceScheme string  `json:"sourceScheme,omitempty"`
	Priority     string  `json:"priority,omitempty"`
}

// Identity returns a human-readable identifier for the profile.
func (p *Profile) Identity() string {
	if p.Name == "" {
		return p.ID
	}
	return fmt.Sprintf("%s (%s)", p.Name, p.ID)
}

// HasCookies returns true if the profile has stored cookies.
func (p *Profile) HasCookies() bool {
	return len(p.Cookies) > 0
}

// Clone creates a deep copy of the profile.
func (p *Profile) Clone() *Profile {
	clone := *p
	if len(p.Cookies) > 0 {
		clone.Cookies = make([]Cookie, len(p.Cookies))
		copy(clone.Cookies, p.Cookies)
	}
	return &clone
}
