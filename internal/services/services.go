// package services defines the provider interfaces Mixify depends on and implements them for Spotify.
package services

import (
	"context"
	"fmt"

	"github.com/desertthunder/mixify/internal/models"
	"github.com/desertthunder/mixify/internal/shared"
	"golang.org/x/oauth2"
)

// ErrUnauthorized is returned when the resource API rejects an access token (HTTP 401).
//
// Callers treat it as a hint that the cached expiry was wrong and force a refresh.
var ErrUnauthorized = fmt.Errorf("%w: provider rejected access token", shared.ErrTokenExpired)

// OAuthProvider is the authorization-code grant surface of a music provider.
type OAuthProvider interface {
	// Name returns the name of the service (e.g., "Spotify")
	Name() string

	// AuthCodeURL builds the provider authorization URL carrying state.
	AuthCodeURL(state string) string

	// Exchange trades an authorization code for a token pair.
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)

	// Refresh mints a new access token from a refresh token.
	// The returned token keeps the given refresh token when the provider did not rotate it.
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// UserProfile fetches the identity of the token owner.
	UserProfile(ctx context.Context, accessToken string) (*models.Profile, error)
}

// PlaylistAPI is the resource API used to materialize recommendations.
type PlaylistAPI interface {
	// SearchTrack returns the best match for title and artist.
	SearchTrack(ctx context.Context, accessToken, title, artist string) (*SpotifyTrack, error)

	// CreatePlaylist creates an empty playlist owned by ownerID.
	CreatePlaylist(ctx context.Context, accessToken, ownerID string, req CreatePlaylistRequest) (*SpotifyPlaylist, error)

	// AddTracks appends track URIs to a playlist.
	AddTracks(ctx context.Context, accessToken, playlistID string, uris []string) error

	// UserProfile fetches the identity of the token owner.
	UserProfile(ctx context.Context, accessToken string) (*models.Profile, error)
}

// CreatePlaylistRequest is the body of a playlist creation call.
type CreatePlaylistRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Public      bool   `json:"public"`
}

// TokenError describes a non-success response from the provider token endpoint.
type TokenError struct {
	StatusCode  int
	Code        string // OAuth error code, e.g. "invalid_grant"
	Description string
	Body        string // raw response body, kept for diagnostics
}

func (e *TokenError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("token endpoint returned %d (%s): %s", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("token endpoint returned %d: %s", e.StatusCode, e.Body)
}

// APIError describes a non-success response from the resource API.
type APIError struct {
	StatusCode int
	Endpoint   string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("spotify API error: %s returned status %d", e.Endpoint, e.StatusCode)
}

// Unwrap maps 401 responses to [ErrUnauthorized] and everything else to [shared.ErrAPIRequest].
func (e *APIError) Unwrap() error {
	if e.StatusCode == 401 {
		return ErrUnauthorized
	}
	return shared.ErrAPIRequest
}
