// Package models defines domain entities for Mixify's provider connections.
//
//   - [Connection] : a user's persisted Spotify access/refresh token pair with profile snapshot
//   - [AuthState] : a pending OAuth authorization, single use and short lived
//   - [Profile] : the provider identity snapshot stored with a connection
//   - [Track], [Playlist] : payloads for materializing recommendations as a playlist
//
// Expiry timestamps are absolute and stored in UTC so every process and request agrees on
// whether a token is still usable.
package models
