package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/mixify/internal/models"
	"github.com/desertthunder/mixify/internal/repositories"
	"github.com/desertthunder/mixify/internal/services"
	"github.com/desertthunder/mixify/internal/shared"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultMargin is how long before expiry a cached token stops being handed out.
	DefaultMargin = 5 * time.Minute
	// MaxMargin must stay below the shortest token lifetime Spotify issues (one hour).
	MaxMargin = time.Hour
	// DefaultTimeout bounds a single refresh round trip.
	DefaultTimeout = 10 * time.Second
)

// codeInvalidGrant is the OAuth error Spotify returns for a revoked or unknown refresh token.
const codeInvalidGrant = "invalid_grant"

// RefreshError reports a failed refresh_token grant.
//
// It matches [shared.ErrRefreshFailed] with errors.Is, [shared.ErrTimeout] when the provider
// did not answer in time, and [shared.ErrNoRefreshToken] when the provider rejected the refresh
// token itself.
type RefreshError struct {
	UserID     string
	StatusCode int    // provider HTTP status, zero for transport failures
	Body       string // provider error body, for diagnostics
	Revoked    bool   // the refresh token is no longer accepted
	Err        error
}

func (e *RefreshError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("refresh for user %s failed with status %d: %v", e.UserID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("refresh for user %s failed: %v", e.UserID, e.Err)
}

func (e *RefreshError) Unwrap() []error {
	return []error{shared.ErrRefreshFailed, e.Err}
}

// RefresherOpts configures a [Refresher].
type RefresherOpts struct {
	Provider    services.OAuthProvider // nil when credentials are missing
	Connections repositories.ConnectionStore
	Margin      time.Duration // zero means [DefaultMargin]
	Timeout     time.Duration // zero means [DefaultTimeout]
	Collapse    bool          // share one in-flight refresh between concurrent callers for a user
	Clock       func() time.Time
	Logger      *log.Logger
}

// Refresher hands out valid access tokens, refreshing them through the provider when stale.
type Refresher struct {
	provider services.OAuthProvider
	conns    repositories.ConnectionStore
	margin   time.Duration
	timeout  time.Duration
	collapse bool
	group    singleflight.Group
	now      func() time.Time
	logger   *log.Logger
}

// NewRefresher validates opts and creates a [Refresher].
//
// The margin must be strictly positive and below [MaxMargin].
func NewRefresher(opts RefresherOpts) (*Refresher, error) {
	margin := opts.Margin
	if margin == 0 {
		margin = DefaultMargin
	}
	if margin < 0 || margin >= MaxMargin {
		return nil, fmt.Errorf("%w: refresh margin %s must be within (0, %s)", shared.ErrInvalidConfig, margin, MaxMargin)
	}
	if opts.Connections == nil {
		return nil, fmt.Errorf("%w: refresher needs a connection store", shared.ErrInvalidConfig)
	}

	r := &Refresher{
		provider: opts.Provider,
		conns:    opts.Connections,
		margin:   margin,
		timeout:  opts.Timeout,
		collapse: opts.Collapse,
		now:      opts.Clock,
		logger:   opts.Logger,
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = log.Default()
	}
	r.logger = shared.WithLogger(r.logger, "component", "auth.refresher")
	return r, nil
}

// Margin returns the configured safety margin.
func (r *Refresher) Margin() time.Duration {
	return r.margin
}

// AccessToken returns a usable access token for userID.
//
// A cached token with at least the safety margin left is returned without any outbound call.
// Otherwise, or when force is set, the token is refreshed. A failed refresh is reported; the
// cached token is never returned in its place.
func (r *Refresher) AccessToken(ctx context.Context, userID string, force bool) (*Token, error) {
	if userID == "" {
		return nil, shared.ErrUnauthenticated
	}

	conn, err := r.conns.Get(ctx, userID, models.ProviderSpotify)
	if err != nil {
		return nil, err
	}

	remaining := conn.Remaining(r.now())
	if !force && remaining >= r.margin {
		return &Token{AccessToken: conn.AccessToken, ExpiresAt: conn.ExpiresAt}, nil
	}

	if !conn.CanRefresh() {
		return nil, fmt.Errorf("%w: user %s must reconnect", shared.ErrNoRefreshToken, userID)
	}
	if r.provider == nil {
		return nil, fmt.Errorf("%w: spotify client credentials", shared.ErrConfiguration)
	}

	r.logger.Debug("refreshing token", "user", userID, "remaining", remaining.Round(time.Second), "force", force)

	if !r.collapse {
		return r.refresh(ctx, conn)
	}

	v, err, joined := r.group.Do(userID, func() (any, error) {
		return r.refresh(ctx, conn)
	})
	if err != nil {
		return nil, err
	}
	if joined {
		r.logger.Debug("joined in-flight refresh", "user", userID)
	}
	return v.(*Token), nil
}

// refresh runs the refresh_token grant and writes every token field back in one update.
//
// The grant runs detached from ctx cancellation so an aborted request still lets the new token
// reach the store, but it is bounded by the refresh timeout.
func (r *Refresher) refresh(ctx context.Context, conn *models.Connection) (*Token, error) {
	detached := context.WithoutCancel(ctx)
	callCtx, cancel := context.WithTimeout(detached, r.timeout)
	defer cancel()

	token, err := r.provider.Refresh(callCtx, conn.RefreshToken)
	if err != nil {
		rerr := r.refreshError(conn.UserID, err)
		r.logger.Warn("token refresh failed", "user", conn.UserID, "status", rerr.StatusCode, "revoked", rerr.Revoked, "err", err)
		if rerr.Revoked {
			r.dropRefreshToken(detached, conn)
		}
		return nil, rerr
	}

	now := r.now().UTC()
	refreshToken := token.RefreshToken
	if refreshToken == "" {
		refreshToken = conn.RefreshToken
	}

	update := repositories.TokenUpdate{
		UserID:       conn.UserID,
		Provider:     conn.Provider,
		AccessToken:  token.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiryFrom(now, token),
		Scope:        scopeOf(token, conn.Scope),
		UpdatedAt:    now,
	}

	if err := r.conns.UpdateTokens(detached, update); err != nil {
		// The next request re-reads the stale row and refreshes again.
		r.logger.Error("refreshed token not persisted", "user", conn.UserID, "err", err)
	} else {
		r.logger.Info("token refreshed", "user", conn.UserID, "expires_at", update.ExpiresAt, "rotated", refreshToken != conn.RefreshToken)
	}

	return &Token{AccessToken: update.AccessToken, ExpiresAt: update.ExpiresAt, Refreshed: true}, nil
}

func (r *Refresher) refreshError(userID string, err error) *RefreshError {
	rerr := &RefreshError{UserID: userID, Err: err}

	var te *services.TokenError
	switch {
	case errors.As(err, &te):
		rerr.StatusCode = te.StatusCode
		rerr.Body = te.Body
		if te.Code == codeInvalidGrant {
			rerr.Revoked = true
			rerr.Err = fmt.Errorf("%w: %w", shared.ErrNoRefreshToken, err)
		}
	case isTimeout(err):
		rerr.Err = fmt.Errorf("%w: %w", shared.ErrTimeout, err)
	}
	return rerr
}

// dropRefreshToken clears a refresh token the provider rejected so the connection reports that
// it must be reconnected. A token rotated by a concurrent refresh is left alone.
func (r *Refresher) dropRefreshToken(ctx context.Context, conn *models.Connection) {
	current, err := r.conns.Get(ctx, conn.UserID, conn.Provider)
	if err != nil {
		r.logger.Warn("failed to reload revoked connection", "user", conn.UserID, "err", err)
		return
	}
	if current.RefreshToken != conn.RefreshToken {
		return
	}

	update := repositories.TokenUpdate{
		UserID:      current.UserID,
		Provider:    current.Provider,
		AccessToken: current.AccessToken,
		ExpiresAt:   current.ExpiresAt,
		Scope:       current.Scope,
		UpdatedAt:   r.now().UTC(),
	}
	if err := r.conns.UpdateTokens(ctx, update); err != nil {
		r.logger.Error("revoked refresh token not cleared", "user", conn.UserID, "err", err)
		return
	}
	r.logger.Info("refresh token revoked, reconnect required", "user", conn.UserID)
}
