package auth

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/desertthunder/mixify/internal/models"
	"github.com/desertthunder/mixify/internal/repositories"
	"github.com/desertthunder/mixify/internal/shared"
	th "github.com/desertthunder/mixify/internal/testing"
)

func begin(t *testing.T, h *harness, userID string) *Redirect {
	t.Helper()

	r, err := h.flow.Begin(context.Background(), userID)
	if err != nil {
		t.Fatalf("failed to begin authorization: %v", err)
	}
	return r
}

func TestFlowBegin(t *testing.T) {
	ctx := context.Background()

	t.Run("builds provider redirect", func(t *testing.T) {
		h := newHarness(t, harnessOpts{})

		r := begin(t, h, "u1")

		u, err := url.Parse(r.URL)
		if err != nil {
			t.Fatalf("failed to parse redirect: %v", err)
		}
		q := u.Query()
		if q.Get("state") != r.State {
			t.Errorf("expected state %q in URL, got %q", r.State, q.Get("state"))
		}
		if q.Get("response_type") != "code" {
			t.Errorf("expected response_type=code, got %q", q.Get("response_type"))
		}
		if q.Get("client_id") != th.FakeClientID {
			t.Errorf("expected client_id, got %q", q.Get("client_id"))
		}
		if len(r.State) < 22 {
			t.Errorf("state too short for 128 bits: %q", r.State)
		}
		if !r.ExpiresAt.Equal(epoch.Add(DefaultStateTTL)) {
			t.Errorf("expected state to expire at %s, got %s", epoch.Add(DefaultStateTTL), r.ExpiresAt)
		}
	})

	t.Run("each call mints a new state", func(t *testing.T) {
		h := newHarness(t, harnessOpts{})

		a, b := begin(t, h, "u1"), begin(t, h, "u1")
		if a.State == b.State {
			t.Error("expected distinct states")
		}
	})

	t.Run("requires a user", func(t *testing.T) {
		h := newHarness(t, harnessOpts{})

		if _, err := h.flow.Begin(ctx, ""); !errors.Is(err, shared.ErrUnauthenticated) {
			t.Errorf("expected ErrUnauthenticated, got %v", err)
		}
	})

	t.Run("missing credentials", func(t *testing.T) {
		h := newHarness(t, harnessOpts{})
		flow := NewFlow(FlowOpts{Connections: h.conns, States: h.states})

		if flow.Configured() {
			t.Error("flow without provider should not be configured")
		}
		if _, err := flow.Begin(ctx, "u1"); !errors.Is(err, shared.ErrConfiguration) {
			t.Errorf("expected ErrConfiguration, got %v", err)
		}
	})
}

func TestFlowComplete(t *testing.T) {
	ctx := context.Background()

	t.Run("connects user", func(t *testing.T) {
		h := newHarness(t, harnessOpts{})
		r := begin(t, h, "u1")

		conn, err := h.flow.Complete(ctx, CallbackParams{UserID: "u1", Code: "good-code", State: r.State, CookieState: r.State})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		if h.provider.ExchangeCalls() != 1 || h.provider.ProfileCalls() != 1 {
			t.Errorf("expected 1 exchange and 1 profile call, got %d and %d", h.provider.ExchangeCalls(), h.provider.ProfileCalls())
		}
		if conn.ProviderID != th.FakeProviderID {
			t.Errorf("expected provider id %s, got %s", th.FakeProviderID, conn.ProviderID)
		}

		got := h.stored(t, "u1")
		if got.AccessToken != conn.AccessToken || got.RefreshToken == "" {
			t.Errorf("unexpected stored tokens %q/%q", got.AccessToken, got.RefreshToken)
		}
		if want := epoch.Add(time.Hour); !got.ExpiresAt.Equal(want) {
			t.Errorf("expected expires_at %s, got %s", want, got.ExpiresAt)
		}
		if got.Profile.DisplayName != "Test Listener" {
			t.Errorf("expected profile snapshot, got %+v", got.Profile)
		}
		if got.Scope == "" {
			t.Error("expected granted scope to be stored")
		}
	})

	t.Run("reconnect overwrites connection", func(t *testing.T) {
		h := newHarness(t, harnessOpts{})
		h.seed(t, "u1", "old-access", "old-refresh", epoch.Add(-time.Hour))
		r := begin(t, h, "u1")

		if _, err := h.flow.Complete(ctx, CallbackParams{UserID: "u1", Code: "good-code", State: r.State, CookieState: r.State}); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		got := h.stored(t, "u1")
		if got.AccessToken == "old-access" || got.RefreshToken == "old-refresh" {
			t.Errorf("expected reconnect to replace tokens, got %q/%q", got.AccessToken, got.RefreshToken)
		}
	})

	t.Run("state mismatch makes no exchange", func(t *testing.T) {
		h := newHarness(t, harnessOpts{})
		r := begin(t, h, "u1")

		_, err := h.flow.Complete(ctx, CallbackParams{UserID: "u1", Code: "good-code", State: "forged", CookieState: r.State})
		if !errors.Is(err, shared.ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState, got %v", err)
		}
		if h.provider.ExchangeCalls() != 0 {
			t.Errorf("expected zero exchange calls, got %d", h.provider.ExchangeCalls())
		}

		// the session's pending state is abandoned too
		_, err = h.flow.Complete(ctx, CallbackParams{UserID: "u1", Code: "good-code", State: r.State, CookieState: r.State})
		if !errors.Is(err, shared.ErrInvalidState) {
			t.Errorf("expected abandoned state to be rejected, got %v", err)
		}
	})

	t.Run("missing state", func(t *testing.T) {
		h := newHarness(t, harnessOpts{})
		r := begin(t, h, "u1")

		for name, p := range map[string]CallbackParams{
			"no query state":  {UserID: "u1", Code: "good-code", CookieState: r.State},
			"no cookie state": {UserID: "u1", Code: "good-code", State: r.State},
		} {
			if _, err := h.flow.Complete(ctx, p); !errors.Is(err, shared.ErrInvalidState) {
				t.Errorf("%s: expected ErrInvalidState, got %v", name, err)
			}
		}
		if h.provider.ExchangeCalls() != 0 {
			t.Errorf("expected zero exchange calls, got %d", h.provider.ExchangeCalls())
		}
	})

	t.Run("state is single use", func(t *testing.T) {
		h := newHarness(t, harnessOpts{})
		r := begin(t, h, "u1")
		p := CallbackParams{UserID: "u1", Code: "good-code", State: r.State, CookieState: r.State}

		if _, err := h.flow.Complete(ctx, p); err != nil {
			t.Fatalf("expected first completion to succeed, got %v", err)
		}
		if _, err := h.flow.Complete(ctx, p); !errors.Is(err, shared.ErrInvalidState) {
			t.Errorf("expected replay to fail with ErrInvalidState, got %v", err)
		}
		if h.provider.ExchangeCalls() != 1 {
			t.Errorf("expected exactly one exchange, got %d", h.provider.ExchangeCalls())
		}
	})

	t.Run("expired state", func(t *testing.T) {
		h := newHarness(t, harnessOpts{})
		r := begin(t, h, "u1")
		h.clock.Advance(DefaultStateTTL + time.Second)

		_, err := h.flow.Complete(ctx, CallbackParams{UserID: "u1", Code: "good-code", State: r.State, CookieState: r.State})
		if !errors.Is(err, shared.ErrInvalidState) {
			t.Errorf("expected ErrInvalidState, got %v", err)
		}
		if h.provider.ExchangeCalls() != 0 {
			t.Errorf("expected zero exchange calls, got %d", h.provider.ExchangeCalls())
		}
	})

	t.Run("state bound to another user", func(t *testing.T) {
		h := newHarness(t, harnessOpts{})
		r := begin(t, h, "victim")

		_, err := h.flow.Complete(ctx, CallbackParams{UserID: "attacker", Code: "good-code", State: r.State, CookieState: r.State})
		if !errors.Is(err, shared.ErrInvalidState) {
			t.Errorf("expected ErrInvalidState, got %v", err)
		}
		if h.provider.ExchangeCalls() != 0 {
			t.Errorf("expected zero exchange calls, got %d", h.provider.ExchangeCalls())
		}
	})

	t.Run("provider declined", func(t *testing.T) {
		h := newHarness(t, harnessOpts{})
		r := begin(t, h, "u1")

		_, err := h.flow.Complete(ctx, CallbackParams{UserID: "u1", State: r.State, CookieState: r.State, ProviderError: "access_denied"})
		if !errors.Is(err, shared.ErrProviderAuth) {
			t.Fatalf("expected ErrProviderAuth, got %v", err)
		}
		if _, err := h.states.Consume(ctx, r.State); !errors.Is(err, shared.ErrInvalidState) {
			t.Errorf("expected state to be consumed, got %v", err)
		}
	})

	t.Run("missing code", func(t *testing.T) {
		h := newHarness(t, harnessOpts{})
		r := begin(t, h, "u1")

		_, err := h.flow.Complete(ctx, CallbackParams{UserID: "u1", State: r.State, CookieState: r.State})
		if !errors.Is(err, shared.ErrMissingCode) {
			t.Fatalf("expected ErrMissingCode, got %v", err)
		}
		if _, err := h.states.Consume(ctx, r.State); !errors.Is(err, shared.ErrInvalidState) {
			t.Errorf("expected state to be consumed, got %v", err)
		}
	})

	t.Run("exchange rejected", func(t *testing.T) {
		h := newHarness(t, harnessOpts{})
		r := begin(t, h, "u1")

		_, err := h.flow.Complete(ctx, CallbackParams{UserID: "u1", Code: "bad-code", State: r.State, CookieState: r.State})
		if !errors.Is(err, shared.ErrTokenExchangeFailed) {
			t.Errorf("expected ErrTokenExchangeFailed, got %v", err)
		}
		if _, err := h.conns.Get(ctx, "u1", models.ProviderSpotify); !errors.Is(err, shared.ErrNotConnected) {
			t.Errorf("expected no connection, got %v", err)
		}
	})

	t.Run("profile fetch failed", func(t *testing.T) {
		h := newHarness(t, harnessOpts{})
		h.provider.FailProfile(500)
		r := begin(t, h, "u1")

		_, err := h.flow.Complete(ctx, CallbackParams{UserID: "u1", Code: "good-code", State: r.State, CookieState: r.State})
		if !errors.Is(err, shared.ErrProfileFetchFailed) {
			t.Errorf("expected ErrProfileFetchFailed, got %v", err)
		}
		if _, err := h.conns.Get(ctx, "u1", models.ProviderSpotify); !errors.Is(err, shared.ErrNotConnected) {
			t.Errorf("expected no connection, got %v", err)
		}
	})

	t.Run("store failure", func(t *testing.T) {
		h := newHarness(t, harnessOpts{})
		flow := NewFlow(FlowOpts{
			Provider:    h.service,
			Connections: failingStore{ConnectionStore: h.conns},
			States:      h.states,
			Clock:       h.clock.Now,
		})
		r, err := flow.Begin(ctx, "u1")
		if err != nil {
			t.Fatalf("failed to begin: %v", err)
		}

		_, err = flow.Complete(ctx, CallbackParams{UserID: "u1", Code: "good-code", State: r.State, CookieState: r.State})
		if !errors.Is(err, shared.ErrPersistenceFailed) {
			t.Errorf("expected ErrPersistenceFailed, got %v", err)
		}
	})

	t.Run("requires a user", func(t *testing.T) {
		h := newHarness(t, harnessOpts{})
		r := begin(t, h, "u1")

		_, err := h.flow.Complete(ctx, CallbackParams{Code: "good-code", State: r.State, CookieState: r.State})
		if !errors.Is(err, shared.ErrUnauthenticated) {
			t.Errorf("expected ErrUnauthenticated, got %v", err)
		}
	})

	t.Run("unauthenticated callback burns state", func(t *testing.T) {
		h := newHarness(t, harnessOpts{})
		r := begin(t, h, "u1")

		if _, err := h.flow.Complete(ctx, CallbackParams{Code: "good-code", State: r.State, CookieState: r.State}); !errors.Is(err, shared.ErrUnauthenticated) {
			t.Fatalf("expected ErrUnauthenticated, got %v", err)
		}

		_, err := h.flow.Complete(ctx, CallbackParams{UserID: "u1", Code: "good-code", State: r.State, CookieState: r.State})
		if !errors.Is(err, shared.ErrInvalidState) {
			t.Errorf("expected replay to fail with ErrInvalidState, got %v", err)
		}
		if h.provider.ExchangeCalls() != 0 {
			t.Errorf("expected zero exchange calls, got %d", h.provider.ExchangeCalls())
		}
	})
}

// failingStore rejects every write.
type failingStore struct {
	repositories.ConnectionStore
}

func (failingStore) Upsert(context.Context, *models.Connection) error {
	return errors.New("disk I/O error")
}

func (failingStore) UpdateTokens(context.Context, repositories.TokenUpdate) error {
	return errors.New("disk I/O error")
}
