// package models defines the data model for the Mixify connection service
package models

import (
	"fmt"
	"time"
)

// ProviderSpotify is the provider discriminator for Spotify connections.
const ProviderSpotify = "spotify"

// Connection is a user's persisted delegated access to an external music provider.
//
// At most one Connection exists per (UserID, Provider).
type Connection struct {
	UserID       string
	Provider     string
	ProviderID   string // provider-side account id
	AccessToken  string
	RefreshToken string // empty when the provider never issued one; refresh is then impossible
	ExpiresAt    time.Time
	Scope        string
	Profile      Profile // advisory snapshot, never used for auth decisions
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate checks the invariants required before a Connection is written.
func (c *Connection) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.AccessToken == "" {
		return fmt.Errorf("access_token is required")
	}
	if c.ExpiresAt.IsZero() {
		return fmt.Errorf("expires_at is required with access_token")
	}
	return nil
}

// CanRefresh reports whether the connection holds a refresh token.
func (c *Connection) CanRefresh() bool {
	return c.RefreshToken != ""
}

// Remaining returns how long the access token stays usable as of now.
func (c *Connection) Remaining(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// Profile is the subset of the provider's identity response kept with a connection.
type Profile struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"display_name"`
	Email       string  `json:"email,omitempty"`
	Country     string  `json:"country,omitempty"`
	Product     string  `json:"product,omitempty"`
	Images      []Image `json:"images,omitempty"`
}

// AvatarURL returns the first profile image, if any.
func (p Profile) AvatarURL() string {
	if len(p.Images) == 0 {
		return ""
	}
	return p.Images[0].URL
}

// Image is a provider-hosted image reference.
type Image struct {
	URL    string `json:"url"`
	Height int    `json:"height,omitempty"`
	Width  int    `json:"width,omitempty"`
}

// AuthState is a pending authorization request awaiting its callback.
//
// It is bound to the initiating user, expires after a bounded TTL and is consumed exactly once.
type AuthState struct {
	State     string
	UserID    string
	Provider  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the state can no longer be redeemed.
func (s *AuthState) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Track is a song reference used when materializing a playlist.
//
// Either ID is set, or Title (and optionally Artist) is used to search for it.
type Track struct {
	ID     string `json:"id,omitempty"`
	Title  string `json:"title,omitempty"`
	Artist string `json:"artist,omitempty"`
}

// Playlist is a created provider playlist.
type Playlist struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	TrackCount  int    `json:"track_count"`
}
