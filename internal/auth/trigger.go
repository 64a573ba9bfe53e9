package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/mixify/internal/services"
	"github.com/desertthunder/mixify/internal/shared"
)

// TokenFunc calls the provider resource API with accessToken.
type TokenFunc func(ctx context.Context, accessToken string) error

// Trigger exposes the call patterns that drive a [Refresher].
type Trigger struct {
	refresher *Refresher
	logger    *log.Logger
}

// NewTrigger creates a [Trigger] over refresher.
func NewTrigger(refresher *Refresher, logger *log.Logger) *Trigger {
	if logger == nil {
		logger = log.Default()
	}
	return &Trigger{refresher: refresher, logger: shared.WithLogger(logger, "component", "auth.trigger")}
}

// WithToken runs fn with a valid access token for userID.
//
// When fn reports [services.ErrUnauthorized] the token is force-refreshed and fn runs exactly
// once more. A missing or revoked refresh token, or a failure after the retry, is wrapped with
// [shared.ErrReconnectRequired].
func (t *Trigger) WithToken(ctx context.Context, userID string, fn TokenFunc) error {
	tok, err := t.refresher.AccessToken(ctx, userID, false)
	if err != nil {
		return reconnectIf(err, errors.Is(err, shared.ErrNoRefreshToken))
	}

	err = fn(ctx, tok.AccessToken)
	if !errors.Is(err, services.ErrUnauthorized) {
		return err
	}

	t.logger.Info("provider rejected cached token, forcing refresh", "user", userID)

	tok, err = t.refresher.AccessToken(ctx, userID, true)
	if err != nil {
		retryable := errors.Is(err, shared.ErrTimeout) || errors.Is(err, shared.ErrNotConnected)
		return reconnectIf(err, !retryable)
	}

	err = fn(ctx, tok.AccessToken)
	return reconnectIf(err, errors.Is(err, services.ErrUnauthorized))
}

// ForceRefresh always refreshes userID's token. Calling it on a fresh token is harmless.
func (t *Trigger) ForceRefresh(ctx context.Context, userID string) (*Token, error) {
	tok, err := t.refresher.AccessToken(ctx, userID, true)
	if err != nil {
		return nil, reconnectIf(err, errors.Is(err, shared.ErrNoRefreshToken))
	}
	return tok, nil
}

// Opportunistic refreshes userID's token if it is stale, waiting at most wait for the result.
//
// Every failure is logged and swallowed. A refresh still running when wait elapses carries on
// in the background and persists its result.
func (t *Trigger) Opportunistic(ctx context.Context, userID string, wait time.Duration) {
	if userID == "" {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if rec := recover(); rec != nil {
				t.logger.Error("opportunistic refresh panicked", "user", userID, "panic", rec)
			}
		}()
		t.opportunistic(context.WithoutCancel(ctx), userID)
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		t.logger.Debug("opportunistic refresh still running", "user", userID)
	case <-ctx.Done():
	}
}

func (t *Trigger) opportunistic(ctx context.Context, userID string) {
	tok, err := t.refresher.AccessToken(ctx, userID, false)
	switch {
	case err == nil:
		if tok.Refreshed {
			t.logger.Debug("opportunistic refresh", "user", userID, "expires_at", tok.ExpiresAt)
		}
	case errors.Is(err, shared.ErrNotConnected):
	default:
		t.logger.Warn("opportunistic refresh failed", "user", userID, "err", err)
	}
}

func reconnectIf(err error, cond bool) error {
	if err == nil || !cond {
		return err
	}
	return fmt.Errorf("%w: %w", shared.ErrReconnectRequired, err)
}
