package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/desertthunder/mixify/internal/models"
	"github.com/desertthunder/mixify/internal/shared"
)

// SQLiteStateStore implements [StateStore] on the oauth_states table.
type SQLiteStateStore struct {
	db *sql.DB
}

// NewSQLiteStateStore creates a new [SQLiteStateStore] with the given database connection
func NewSQLiteStateStore(db *sql.DB) *SQLiteStateStore {
	return &SQLiteStateStore{db: db}
}

// Save inserts a pending state. State values are unique; a collision is reported as an error.
func (s *SQLiteStateStore) Save(ctx context.Context, state *models.AuthState) error {
	query := `INSERT INTO oauth_states (state, user_id, provider, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query, state.State, state.UserID, state.Provider, state.CreatedAt.UTC(), state.ExpiresAt.UTC())
	if err != nil {
		return persistErr("save state", err)
	}
	return nil
}

// Consume deletes the state row and returns it in one statement, so two callbacks racing
// on the same value cannot both redeem it.
func (s *SQLiteStateStore) Consume(ctx context.Context, state string) (*models.AuthState, error) {
	if state == "" {
		return nil, shared.ErrInvalidState
	}

	query := `DELETE FROM oauth_states WHERE state = ? RETURNING state, user_id, provider, created_at, expires_at`

	var st models.AuthState
	err := s.db.QueryRowContext(ctx, query, state).Scan(&st.State, &st.UserID, &st.Provider, &st.CreatedAt, &st.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrInvalidState
	}
	if err != nil {
		return nil, persistErr("consume state", err)
	}

	st.CreatedAt = st.CreatedAt.UTC()
	st.ExpiresAt = st.ExpiresAt.UTC()
	return &st, nil
}

// Cleanup deletes states that expired before the given instant.
func (s *SQLiteStateStore) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM oauth_states WHERE expires_at < ?`, before.UTC())
	if err != nil {
		return 0, persistErr("cleanup states", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, persistErr("get affected rows", err)
	}
	return rows, nil
}
