package auth

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/desertthunder/mixify/internal/models"
	"github.com/desertthunder/mixify/internal/repositories"
	"github.com/desertthunder/mixify/internal/services"
	"github.com/desertthunder/mixify/internal/shared"
	th "github.com/desertthunder/mixify/internal/testing"
)

var epoch = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	provider  *th.FakeProvider
	service   *services.SpotifyService
	conns     *repositories.ConnectionRepository
	states    *repositories.SQLiteStateStore
	clock     *fakeClock
	flow      *Flow
	refresher *Refresher
	trigger   *Trigger
}

type harnessOpts struct {
	timeout  time.Duration
	collapse bool
	store    repositories.ConnectionStore // overrides the sqlite store for the refresher
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()

	db := th.MustDB(t)
	p := th.NewFakeProvider(t)
	svc, err := services.NewSpotifyService(shared.SpotifyConfig{
		ClientID:     th.FakeClientID,
		ClientSecret: th.FakeClientSecret,
		RedirectURI:  "http://127.0.0.1:3000/api/spotify/callback",
		Scopes:       []string{"user-read-email", "playlist-modify-private"},
		AuthURL:      p.AuthURL(),
		TokenURL:     p.TokenURL(),
		APIURL:       p.APIURL(),
		Timeout:      5 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	h := &harness{
		provider: p,
		service:  svc,
		conns:    repositories.NewConnectionRepository(db),
		states:   repositories.NewSQLiteStateStore(db),
		clock:    &fakeClock{now: epoch},
	}
	logger := shared.NewLogger(io.Discard)

	h.flow = NewFlow(FlowOpts{
		Provider:    svc,
		Connections: h.conns,
		States:      h.states,
		Clock:       h.clock.Now,
		Logger:      logger,
	})

	var store repositories.ConnectionStore = h.conns
	if opts.store != nil {
		store = opts.store
	}
	h.refresher, err = NewRefresher(RefresherOpts{
		Provider:    svc,
		Connections: store,
		Timeout:     opts.timeout,
		Collapse:    opts.collapse,
		Clock:       h.clock.Now,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("failed to create refresher: %v", err)
	}
	h.trigger = NewTrigger(h.refresher, logger)
	return h
}

// seed stores a connection for userID whose access token expires at expiresAt.
func (h *harness) seed(t *testing.T, userID, accessToken, refreshToken string, expiresAt time.Time) *models.Connection {
	t.Helper()

	conn := &models.Connection{
		UserID:       userID,
		Provider:     models.ProviderSpotify,
		ProviderID:   th.FakeProviderID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
		Scope:        "user-read-email",
		Profile:      models.Profile{ID: th.FakeProviderID, DisplayName: "Test Listener"},
		CreatedAt:    epoch.Add(-24 * time.Hour),
		UpdatedAt:    epoch.Add(-time.Hour),
	}
	if err := h.conns.Upsert(context.Background(), conn); err != nil {
		t.Fatalf("failed to seed connection: %v", err)
	}
	h.provider.Allow(accessToken)
	return conn
}

func (h *harness) stored(t *testing.T, userID string) *models.Connection {
	t.Helper()

	conn, err := h.conns.Get(context.Background(), userID, models.ProviderSpotify)
	if err != nil {
		t.Fatalf("failed to read connection: %v", err)
	}
	return conn
}
