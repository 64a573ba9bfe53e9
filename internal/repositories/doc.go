// Package repositories implements persistence for Mixify's OAuth token lifecycle.
//
// Key Implementations:
//   - [ConnectionRepository] : SQLite-backed [ConnectionStore], one row per (user_id, provider)
//   - [SQLiteStateStore] : pending OAuth states in the oauth_states table
//   - [RedisStateStore] : the same contract on Redis for multi-process deployments
//
// Writes that touch tokens are single statements. [ConnectionRepository.Upsert] replaces the
// whole record and [ConnectionRepository.UpdateTokens] replaces every token field at once, so
// concurrent refreshes cannot interleave fields from different provider responses.
//
// Storage failures are wrapped with [shared.ErrPersistenceFailed]; a missing connection is
// reported as [shared.ErrNotConnected] and an unknown state as [shared.ErrInvalidState].
package repositories
