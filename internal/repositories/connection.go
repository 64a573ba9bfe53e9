package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/mixify/internal/models"
	"github.com/desertthunder/mixify/internal/shared"
)

const connectionColumns = `user_id, provider, provider_id, access_token, refresh_token, expires_at, scope, profile_data, created_at, updated_at`

// ConnectionRepository implements [ConnectionStore] on SQLite.
type ConnectionRepository struct {
	db *sql.DB
}

// NewConnectionRepository creates a new [ConnectionRepository] with the given database connection
func NewConnectionRepository(db *sql.DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

// Get retrieves the connection for a user and provider.
func (r *ConnectionRepository) Get(ctx context.Context, userID, provider string) (*models.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM user_connections WHERE user_id = ? AND provider = ?`

	conn, err := scanConnection(r.db.QueryRowContext(ctx, query, userID, provider))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s, provider %s", shared.ErrNotConnected, userID, provider)
	}
	if err != nil {
		return nil, persistErr("query connection", err)
	}
	return conn, nil
}

// Upsert inserts the connection or overwrites every column of the existing row for the same key.
//
// created_at is preserved across reconnects.
func (r *ConnectionRepository) Upsert(ctx context.Context, conn *models.Connection) error {
	if err := conn.Validate(); err != nil {
		return persistErr("validate connection", err)
	}

	profile, err := json.Marshal(conn.Profile)
	if err != nil {
		return persistErr("encode profile", err)
	}

	now := time.Now().UTC()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	if conn.UpdatedAt.IsZero() {
		conn.UpdatedAt = now
	}

	query := `
		INSERT INTO user_connections (` + connectionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			provider_id = excluded.provider_id,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			scope = excluded.scope,
			profile_data = excluded.profile_data,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		conn.UserID, conn.Provider, conn.ProviderID, conn.AccessToken, conn.RefreshToken,
		conn.ExpiresAt.UTC(), conn.Scope, string(profile), conn.CreatedAt.UTC(), conn.UpdatedAt.UTC(),
	)
	if err != nil {
		return persistErr("upsert connection", err)
	}
	return nil
}

// UpdateTokens replaces access token, refresh token, expiry and scope in a single statement.
//
// Concurrent refreshes therefore never leave a row mixing fields from two token responses:
// the last write wins with values from exactly one response.
func (r *ConnectionRepository) UpdateTokens(ctx context.Context, u TokenUpdate) error {
	if err := u.Validate(); err != nil {
		return persistErr("validate token update", err)
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = time.Now().UTC()
	}

	query := `
		UPDATE user_connections
		SET access_token = ?, refresh_token = ?, expires_at = ?, scope = ?, updated_at = ?
		WHERE user_id = ? AND provider = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		u.AccessToken, u.RefreshToken, u.ExpiresAt.UTC(), u.Scope, u.UpdatedAt.UTC(), u.UserID, u.Provider,
	)
	if err != nil {
		return persistErr("update tokens", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return persistErr("get affected rows", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: user %s, provider %s", shared.ErrNotConnected, u.UserID, u.Provider)
	}
	return nil
}

// Delete removes the connection for a user and provider.
func (r *ConnectionRepository) Delete(ctx context.Context, userID, provider string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM user_connections WHERE user_id = ? AND provider = ?`, userID, provider)
	if err != nil {
		return persistErr("delete connection", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return persistErr("get affected rows", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: user %s, provider %s", shared.ErrNotConnected, userID, provider)
	}
	return nil
}

// ListExpiring returns the provider's connections expiring before the given instant, soonest first.
func (r *ConnectionRepository) ListExpiring(ctx context.Context, provider string, before time.Time) ([]*models.Connection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM user_connections
		WHERE provider = ? AND expires_at < ?
		ORDER BY expires_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, provider, before.UTC())
	if err != nil {
		return nil, persistErr("query expiring connections", err)
	}
	defer rows.Close()

	var conns []*models.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, persistErr("scan connection", err)
		}
		conns = append(conns, conn)
	}

	if err := rows.Err(); err != nil {
		return nil, persistErr("row iteration", err)
	}
	return conns, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConnection(s scanner) (*models.Connection, error) {
	var (
		conn    models.Connection
		profile string
	)

	err := s.Scan(
		&conn.UserID, &conn.Provider, &conn.ProviderID, &conn.AccessToken, &conn.RefreshToken,
		&conn.ExpiresAt, &conn.Scope, &profile, &conn.CreatedAt, &conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if profile != "" {
		if err := json.Unmarshal([]byte(profile), &conn.Profile); err != nil {
			return nil, fmt.Errorf("failed to decode profile_data: %w", err)
		}
	}

	conn.ExpiresAt = conn.ExpiresAt.UTC()
	conn.CreatedAt = conn.CreatedAt.UTC()
	conn.UpdatedAt = conn.UpdatedAt.UTC()
	return &conn, nil
}
