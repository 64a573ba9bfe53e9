// Package server provides HTTP routing, middleware and the Spotify connection endpoints.
//
// # Router Infrastructure
//
// The [Router] interface defines HTTP routing with middleware support.
//
// [Middleware] wraps handlers in reverse order (last added executes first), following the standard Go pattern.
//
// The [BasicRouter] implementation uses [http.ServeMux] with method-qualified patterns.
//
// # Identity
//
// [Identity] resolves the signed-in user. [SessionCodec] implements it with an HMAC-SHA256
// signed cookie; the identity provider that issues sessions is outside this package.
//
// # Spotify Endpoints
//
// [SpotifyHandler] serves:
//
//	GET  /api/spotify/auth        302 to Spotify, or /profile?error=auth_failed|not_authenticated|missing_env
//	GET  /api/spotify/callback    302 to /profile?success=spotify_connected or /profile?error=<code>
//	GET  /api/spotify/refresh     {"success": true} or {"error": <code>}
//	GET  /api/spotify/status      connection status
//	POST /api/spotify/disconnect  delete the connection
//	POST /api/spotify/playlists   resolve tracks and create a private playlist
//	GET  /profile                 landing page for flow redirects
//
// The authorization state is mirrored into the HttpOnly cookie [StateCookieName] and checked
// against the query parameter before the stored state is consumed.
//
// # Refresh Hook
//
// [RefreshHook] runs an opportunistic refresh for the session user on configured route
// prefixes. It is rate limited per process and never fails the request.
package server
