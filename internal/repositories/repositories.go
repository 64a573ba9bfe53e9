// package repositories provides persistence for provider connections and pending OAuth states.
package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/mixify/internal/models"
	"github.com/desertthunder/mixify/internal/shared"
)

// ConnectionStore is the persistence boundary for [models.Connection] records keyed by (user, provider).
type ConnectionStore interface {
	// Get returns the connection or an error wrapping [shared.ErrNotConnected].
	Get(ctx context.Context, userID, provider string) (*models.Connection, error)
	// Upsert writes the full record, replacing any prior connection for the same key.
	Upsert(ctx context.Context, conn *models.Connection) error
	// UpdateTokens overwrites every token field of an existing connection in one write.
	UpdateTokens(ctx context.Context, update TokenUpdate) error
	// Delete removes the connection, used by user-initiated disconnect.
	Delete(ctx context.Context, userID, provider string) error
	// ListExpiring returns connections whose access token expires before the given instant.
	ListExpiring(ctx context.Context, provider string, before time.Time) ([]*models.Connection, error)
}

// TokenUpdate is the full set of token fields replaced by a refresh.
type TokenUpdate struct {
	UserID       string
	Provider     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
	UpdatedAt    time.Time
}

// Validate enforces that an access token is never written without an expiry.
func (u TokenUpdate) Validate() error {
	if u.UserID == "" || u.Provider == "" {
		return fmt.Errorf("user_id and provider are required")
	}
	if u.AccessToken == "" || u.ExpiresAt.IsZero() {
		return fmt.Errorf("access_token and expires_at are required together")
	}
	return nil
}

// StateStore holds pending [models.AuthState] values between authorization redirect and callback.
type StateStore interface {
	// Save stores a new pending state.
	Save(ctx context.Context, state *models.AuthState) error
	// Consume atomically retrieves and deletes a state, returning [shared.ErrInvalidState] when it is unknown.
	//
	// Expiry is checked by the caller against its own clock.
	Consume(ctx context.Context, state string) (*models.AuthState, error)
	// Cleanup removes states that expired before the given instant and reports how many were removed.
	Cleanup(ctx context.Context, before time.Time) (int64, error)
}

// persistErr wraps a storage failure with [shared.ErrPersistenceFailed] unless it is already a domain error.
func persistErr(op string, err error) error {
	if errors.Is(err, shared.ErrNotConnected) || errors.Is(err, shared.ErrInvalidState) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", shared.ErrPersistenceFailed, op, err)
}
