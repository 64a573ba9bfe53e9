// Package services wraps the external music provider Mixify delegates to.
//
// # Provider Interfaces
//
// [OAuthProvider] is the authorization-code grant surface (authorize URL, code exchange,
// refresh, identity) consumed by the auth package. [PlaylistAPI] is the resource API used
// to turn recommendations into playlists.
//
// # Spotify Implementation
//
// [SpotifyService] builds an [oauth2.Config] from [shared.SpotifyConfig] with client
// credentials sent as HTTP Basic auth. It is stateless: tokens are passed per call and
// persistence is the caller's concern. Endpoint URLs are configurable so tests can point the
// service at an httptest server.
//
// # Error Handling
//
// Token endpoint failures surface as [*TokenError] carrying the status and body.
// Resource API failures surface as [*APIError], which unwraps to:
//   - [ErrUnauthorized] (and so [shared.ErrTokenExpired]) for 401
//   - [shared.ErrAPIRequest] for every other non-2xx status
//
// Search misses return [shared.ErrTrackNotFound].
package services
