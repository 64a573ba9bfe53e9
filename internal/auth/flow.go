package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/mixify/internal/models"
	"github.com/desertthunder/mixify/internal/repositories"
	"github.com/desertthunder/mixify/internal/services"
	"github.com/desertthunder/mixify/internal/shared"
)

// DefaultStateTTL bounds how long a user has to finish the provider consent screen.
const DefaultStateTTL = time.Hour

// Redirect is where a user is sent to grant access.
type Redirect struct {
	URL       string
	State     string
	ExpiresAt time.Time
}

// CallbackParams carries everything the callback request presents.
type CallbackParams struct {
	UserID        string // current session user
	Code          string
	State         string // state query parameter
	CookieState   string // state mirrored into the browser cookie at Begin
	ProviderError string // error query parameter, set when the user declined
}

// FlowOpts configures a [Flow].
type FlowOpts struct {
	// Provider may be nil when client credentials are not configured; every call then fails
	// with [shared.ErrConfiguration] instead of crashing the process.
	Provider    services.OAuthProvider
	Connections repositories.ConnectionStore
	States      repositories.StateStore
	StateTTL    time.Duration
	Clock       func() time.Time
	Logger      *log.Logger
}

// Flow runs the OAuth authorization-code grant for the Spotify provider.
type Flow struct {
	provider services.OAuthProvider
	conns    repositories.ConnectionStore
	states   repositories.StateStore
	ttl      time.Duration
	now      func() time.Time
	logger   *log.Logger
}

// NewFlow creates a [Flow], filling unset options with defaults.
func NewFlow(opts FlowOpts) *Flow {
	f := &Flow{
		provider: opts.Provider,
		conns:    opts.Connections,
		states:   opts.States,
		ttl:      opts.StateTTL,
		now:      opts.Clock,
		logger:   opts.Logger,
	}
	if f.ttl <= 0 {
		f.ttl = DefaultStateTTL
	}
	if f.now == nil {
		f.now = time.Now
	}
	if f.logger == nil {
		f.logger = log.Default()
	}
	f.logger = shared.WithLogger(f.logger, "component", "auth.flow")
	return f
}

// Configured reports whether provider credentials are available.
func (f *Flow) Configured() bool {
	return f.provider != nil
}

// Begin starts an authorization for userID and returns the provider redirect.
//
// Exactly one state is written per call.
func (f *Flow) Begin(ctx context.Context, userID string) (*Redirect, error) {
	if userID == "" {
		return nil, shared.ErrUnauthenticated
	}
	if f.provider == nil {
		return nil, fmt.Errorf("%w: spotify client credentials", shared.ErrConfiguration)
	}

	state, err := shared.GenerateState()
	if err != nil {
		return nil, err
	}

	now := f.now().UTC()
	pending := &models.AuthState{
		State:     state,
		UserID:    userID,
		Provider:  models.ProviderSpotify,
		CreatedAt: now,
		ExpiresAt: now.Add(f.ttl),
	}
	if err := f.states.Save(ctx, pending); err != nil {
		return nil, err
	}

	f.logger.Debug("authorization started", "user", userID, "expires_at", pending.ExpiresAt)
	return &Redirect{
		URL:       f.provider.AuthCodeURL(state),
		State:     state,
		ExpiresAt: pending.ExpiresAt,
	}, nil
}

// Complete validates the callback and, on success, stores the new connection.
//
// Checks run in order: session, provider error, cookie state, stored state, code. Any failure
// before the exchange performs zero token endpoint calls. The stored state is consumed whenever
// the callback references one, whatever the outcome.
func (f *Flow) Complete(ctx context.Context, p CallbackParams) (*models.Connection, error) {
	if p.UserID == "" {
		f.discard(ctx, p.State)
		if p.CookieState != p.State {
			f.discard(ctx, p.CookieState)
		}
		return nil, shared.ErrUnauthenticated
	}

	if p.ProviderError != "" {
		f.discard(ctx, p.State)
		return nil, fmt.Errorf("%w: %s", shared.ErrProviderAuth, p.ProviderError)
	}

	if p.State == "" || p.CookieState == "" || subtle.ConstantTimeCompare([]byte(p.State), []byte(p.CookieState)) != 1 {
		// The session's pending authorization is abandoned, so a replay of it cannot succeed either.
		f.discard(ctx, p.CookieState)
		return nil, fmt.Errorf("%w: state does not match session", shared.ErrInvalidState)
	}

	if f.provider == nil {
		f.discard(ctx, p.State)
		return nil, fmt.Errorf("%w: spotify client credentials", shared.ErrConfiguration)
	}

	stored, err := f.states.Consume(ctx, p.State)
	if err != nil {
		return nil, err
	}

	now := f.now().UTC()
	switch {
	case stored.UserID != p.UserID:
		f.logger.Warn("state bound to another user", "user", p.UserID)
		return nil, fmt.Errorf("%w: state issued to another session", shared.ErrInvalidState)
	case stored.Provider != models.ProviderSpotify:
		return nil, fmt.Errorf("%w: state issued for provider %q", shared.ErrInvalidState, stored.Provider)
	case stored.Expired(now):
		return nil, fmt.Errorf("%w: state expired at %s", shared.ErrInvalidState, stored.ExpiresAt.Format(time.RFC3339))
	}

	if p.Code == "" {
		return nil, shared.ErrMissingCode
	}

	token, err := f.provider.Exchange(ctx, p.Code)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrTokenExchangeFailed, err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("%w: response carried no access token", shared.ErrTokenExchangeFailed)
	}

	profile, err := f.provider.UserProfile(ctx, token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrProfileFetchFailed, err)
	}

	issued := f.now().UTC()
	conn := &models.Connection{
		UserID:       p.UserID,
		Provider:     models.ProviderSpotify,
		ProviderID:   profile.ID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    expiryFrom(issued, token),
		Scope:        scopeOf(token, ""),
		Profile:      *profile,
		CreatedAt:    issued,
		UpdatedAt:    issued,
	}
	if err := f.conns.Upsert(ctx, conn); err != nil {
		if !errors.Is(err, shared.ErrPersistenceFailed) {
			err = fmt.Errorf("%w: %w", shared.ErrPersistenceFailed, err)
		}
		return nil, err
	}

	if !conn.CanRefresh() {
		f.logger.Warn("provider issued no refresh token", "user", p.UserID)
	}
	f.logger.Info("spotify connected", "user", p.UserID, "provider_id", profile.ID, "expires_at", conn.ExpiresAt)
	return conn, nil
}

// discard consumes state without checking it. Errors are ignored; the callback has already failed.
func (f *Flow) discard(ctx context.Context, state string) {
	if state == "" {
		return
	}
	if _, err := f.states.Consume(ctx, state); err != nil && !errors.Is(err, shared.ErrInvalidState) {
		f.logger.Warn("failed to discard state", "err", err)
	}
}
