package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/desertthunder/mixify/internal/auth"
	"github.com/desertthunder/mixify/internal/models"
	"github.com/desertthunder/mixify/internal/repositories"
	"github.com/desertthunder/mixify/internal/services"
	"github.com/desertthunder/mixify/internal/shared"
	th "github.com/desertthunder/mixify/internal/testing"
)

const appURL = "http://app.test"

type env struct {
	provider *th.FakeProvider
	conns    *repositories.ConnectionRepository
	codec    *SessionCodec
	handler  http.Handler
}

type envOpts struct {
	refreshTimeout time.Duration
	unconfigured   bool
	wrapAPI        func(services.PlaylistAPI) services.PlaylistAPI
}

func newEnv(t *testing.T, opts envOpts) *env {
	t.Helper()

	db := th.MustDB(t)
	p := th.NewFakeProvider(t)
	logger := shared.NewLogger(io.Discard)

	conns := repositories.NewConnectionRepository(db)
	states := repositories.NewSQLiteStateStore(db)

	var (
		provider services.OAuthProvider
		api      services.PlaylistAPI
	)
	if !opts.unconfigured {
		svc, err := services.NewSpotifyService(shared.SpotifyConfig{
			ClientID:     th.FakeClientID,
			ClientSecret: th.FakeClientSecret,
			RedirectURI:  appURL + "/api/spotify/callback",
			Scopes:       []string{"user-read-email", "playlist-modify-private"},
			AuthURL:      p.AuthURL(),
			TokenURL:     p.TokenURL(),
			APIURL:       p.APIURL(),
			Timeout:      5 * time.Second,
		})
		if err != nil {
			t.Fatalf("failed to create service: %v", err)
		}
		provider, api = svc, svc
		if opts.wrapAPI != nil {
			api = opts.wrapAPI(svc)
		}
	}

	flow := auth.NewFlow(auth.FlowOpts{Provider: provider, Connections: conns, States: states, Logger: logger})
	refresher, err := auth.NewRefresher(auth.RefresherOpts{
		Provider:    provider,
		Connections: conns,
		Timeout:     opts.refreshTimeout,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("failed to create refresher: %v", err)
	}
	trigger := auth.NewTrigger(refresher, logger)
	codec := newCodec(t)

	sh := NewSpotifyHandler(SpotifyHandlerOpts{
		Flow:        flow,
		Trigger:     trigger,
		Connections: conns,
		API:         api,
		Identity:    codec,
		BaseURL:     appURL,
		Logger:      logger,
	})
	hook := RefreshHook(RefreshHookOpts{
		Refresher: trigger,
		Identity:  codec,
		Routes:    []string{"/profile"},
		Wait:      2 * time.Second,
		Logger:    logger,
	})

	return &env{
		provider: p,
		conns:    conns,
		codec:    codec,
		handler:  NewServer(logger, []Handler{sh}, hook).Handler(),
	}
}

func (e *env) do(t *testing.T, method, target, userID string, body io.Reader, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, body)
	if userID != "" {
		value, err := e.codec.Encode(userID)
		if err != nil {
			t.Fatalf("failed to encode session: %v", err)
		}
		req.AddCookie(&http.Cookie{Name: e.codec.CookieName(), Value: value})
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *env) seed(t *testing.T, userID, access, refresh string, expiresAt time.Time) {
	t.Helper()

	err := e.conns.Upsert(context.Background(), &models.Connection{
		UserID:       userID,
		Provider:     models.ProviderSpotify,
		ProviderID:   th.FakeProviderID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
		Profile:      models.Profile{ID: th.FakeProviderID, DisplayName: "Test Listener"},
	})
	if err != nil {
		t.Fatalf("failed to seed connection: %v", err)
	}
	e.provider.Allow(access)
}

func (e *env) stored(t *testing.T, userID string) *models.Connection {
	t.Helper()

	conn, err := e.conns.Get(context.Background(), userID, models.ProviderSpotify)
	if err != nil {
		t.Fatalf("failed to read connection: %v", err)
	}
	return conn
}

func location(t *testing.T, rec *httptest.ResponseRecorder) *url.URL {
	t.Helper()

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d: %s", rec.Code, rec.Body.String())
	}
	u, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("bad Location header: %v", err)
	}
	return u
}

func stateCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == StateCookieName {
			return c
		}
	}
	return nil
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

func expectProfileRedirect(t *testing.T, rec *httptest.ResponseRecorder, key, want string) {
	t.Helper()

	u := location(t, rec)
	if got := u.Scheme + "://" + u.Host + u.Path; got != appURL+"/profile" {
		t.Errorf("expected redirect to %s/profile, got %s", appURL, got)
	}
	if got := u.Query().Get(key); got != want {
		t.Errorf("expected %s=%q, got %q", key, want, got)
	}
}

func TestAuthEndpoint(t *testing.T) {
	t.Run("not authenticated", func(t *testing.T) {
		e := newEnv(t, envOpts{})
		expectProfileRedirect(t, e.do(t, http.MethodGet, "/api/spotify/auth", "", nil), "error", "not_authenticated")
	})

	t.Run("missing configuration", func(t *testing.T) {
		e := newEnv(t, envOpts{unconfigured: true})
		expectProfileRedirect(t, e.do(t, http.MethodGet, "/api/spotify/auth", "u1", nil), "error", "missing_env")
	})

	t.Run("redirects to provider with state cookie", func(t *testing.T) {
		e := newEnv(t, envOpts{})
		rec := e.do(t, http.MethodGet, "/api/spotify/auth", "u1", nil)

		u := location(t, rec)
		if !strings.HasPrefix(u.String(), e.provider.AuthURL()) {
			t.Errorf("expected provider redirect, got %s", u)
		}

		c := stateCookie(rec)
		if c == nil {
			t.Fatal("expected state cookie")
		}
		if !c.HttpOnly || c.SameSite != http.SameSiteLaxMode {
			t.Errorf("expected HttpOnly Lax cookie, got %+v", c)
		}
		if c.Value != u.Query().Get("state") {
			t.Errorf("cookie state %q does not match redirect state %q", c.Value, u.Query().Get("state"))
		}
	})
}

func TestCallbackEndpoint(t *testing.T) {
	begin := func(t *testing.T, e *env) *http.Cookie {
		t.Helper()
		c := stateCookie(e.do(t, http.MethodGet, "/api/spotify/auth", "u1", nil))
		if c == nil {
			t.Fatal("expected state cookie")
		}
		return c
	}

	t.Run("connects account", func(t *testing.T) {
		e := newEnv(t, envOpts{})
		c := begin(t, e)

		rec := e.do(t, http.MethodGet, "/api/spotify/callback?code=good-code&state="+c.Value, "u1", nil, c)
		expectProfileRedirect(t, rec, "success", "spotify_connected")

		if cleared := stateCookie(rec); cleared == nil || cleared.MaxAge >= 0 {
			t.Errorf("expected state cookie to be cleared, got %+v", cleared)
		}
		if conn := e.stored(t, "u1"); conn.ProviderID != th.FakeProviderID {
			t.Errorf("expected provider id %s, got %s", th.FakeProviderID, conn.ProviderID)
		}
	})

	t.Run("state mismatch", func(t *testing.T) {
		e := newEnv(t, envOpts{})
		c := begin(t, e)

		rec := e.do(t, http.MethodGet, "/api/spotify/callback?code=good-code&state=forged", "u1", nil, c)
		expectProfileRedirect(t, rec, "error", "invalid_state")
		if e.provider.ExchangeCalls() != 0 {
			t.Errorf("expected zero exchange calls, got %d", e.provider.ExchangeCalls())
		}
	})

	t.Run("replayed callback", func(t *testing.T) {
		e := newEnv(t, envOpts{})
		c := begin(t, e)
		target := "/api/spotify/callback?code=good-code&state=" + c.Value

		expectProfileRedirect(t, e.do(t, http.MethodGet, target, "u1", nil, c), "success", "spotify_connected")
		expectProfileRedirect(t, e.do(t, http.MethodGet, target, "u1", nil, c), "error", "invalid_state")
	})

	t.Run("unauthenticated callback burns state", func(t *testing.T) {
		e := newEnv(t, envOpts{})
		c := begin(t, e)
		target := "/api/spotify/callback?code=good-code&state=" + c.Value

		expectProfileRedirect(t, e.do(t, http.MethodGet, target, "", nil, c), "error", "not_authenticated")
		expectProfileRedirect(t, e.do(t, http.MethodGet, target, "u1", nil, c), "error", "invalid_state")
		if e.provider.ExchangeCalls() != 0 {
			t.Errorf("expected zero exchange calls, got %d", e.provider.ExchangeCalls())
		}
	})

	t.Run("provider declined", func(t *testing.T) {
		e := newEnv(t, envOpts{})
		c := begin(t, e)

		rec := e.do(t, http.MethodGet, "/api/spotify/callback?error=access_denied&state="+c.Value, "u1", nil, c)
		expectProfileRedirect(t, rec, "error", "spotify_access_denied")
	})

	t.Run("missing code", func(t *testing.T) {
		e := newEnv(t, envOpts{})
		c := begin(t, e)

		rec := e.do(t, http.MethodGet, "/api/spotify/callback?state="+c.Value, "u1", nil, c)
		expectProfileRedirect(t, rec, "error", "missing_code")
	})

	t.Run("token exchange failed", func(t *testing.T) {
		e := newEnv(t, envOpts{})
		c := begin(t, e)

		rec := e.do(t, http.MethodGet, "/api/spotify/callback?code=bad-code&state="+c.Value, "u1", nil, c)
		expectProfileRedirect(t, rec, "error", "token_exchange_failed")
	})

	t.Run("profile fetch failed", func(t *testing.T) {
		e := newEnv(t, envOpts{})
		e.provider.FailProfile(http.StatusInternalServerError)
		c := begin(t, e)

		rec := e.do(t, http.MethodGet, "/api/spotify/callback?code=good-code&state="+c.Value, "u1", nil, c)
		expectProfileRedirect(t, rec, "error", "profile_fetch_failed")
	})
}

func TestRefreshEndpoint(t *testing.T) {
	future := func() time.Time { return time.Now().Add(time.Hour) }

	t.Run("refreshes", func(t *testing.T) {
		e := newEnv(t, envOpts{})
		e.seed(t, "u1", "cached", "refresh-1", future())

		rec := e.do(t, http.MethodGet, "/api/spotify/refresh?userId=u1", "u1", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if body := decode(t, rec); body["success"] != true {
			t.Errorf("expected success true, got %v", body)
		}
		if e.provider.RefreshCalls() != 1 {
			t.Errorf("expected one refresh call, got %d", e.provider.RefreshCalls())
		}
	})

	tests := []struct {
		name   string
		user   string
		target string
		setup  func(t *testing.T, e *env)
		status int
		code   string
	}{
		{
			name: "not authenticated", target: "/api/spotify/refresh",
			status: http.StatusUnauthorized, code: "not_authenticated",
		},
		{
			name: "other user", user: "u1", target: "/api/spotify/refresh?userId=u2",
			status: http.StatusForbidden, code: "forbidden",
		},
		{
			name: "not connected", user: "u1", target: "/api/spotify/refresh",
			status: http.StatusNotFound, code: "not_connected",
		},
		{
			name: "no refresh token", user: "u1", target: "/api/spotify/refresh",
			setup:  func(t *testing.T, e *env) { e.seed(t, "u1", "cached", "", future()) },
			status: http.StatusConflict, code: "reconnect_required",
		},
		{
			name: "provider fails", user: "u1", target: "/api/spotify/refresh",
			setup: func(t *testing.T, e *env) {
				e.seed(t, "u1", "cached", "refresh-1", future())
				e.provider.FailToken(http.StatusInternalServerError, "boom")
			},
			status: http.StatusBadGateway, code: "refresh_failed",
		},
		{
			name: "refresh token revoked", user: "u1", target: "/api/spotify/refresh",
			setup: func(t *testing.T, e *env) {
				e.seed(t, "u1", "cached", "refresh-1", future())
				e.provider.FailToken(http.StatusBadRequest, `{"error":"invalid_grant"}`)
			},
			status: http.StatusConflict, code: "reconnect_required",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, envOpts{})
			if tc.setup != nil {
				tc.setup(t, e)
			}

			rec := e.do(t, http.MethodGet, tc.target, tc.user, nil)
			if rec.Code != tc.status {
				t.Errorf("expected %d, got %d", tc.status, rec.Code)
			}
			if body := decode(t, rec); body["error"] != tc.code {
				t.Errorf("expected error %q, got %v", tc.code, body)
			}
		})
	}

	t.Run("timeout", func(t *testing.T) {
		e := newEnv(t, envOpts{refreshTimeout: 50 * time.Millisecond})
		e.seed(t, "u1", "cached", "refresh-1", future())
		e.provider.SetDelay(time.Second)

		rec := e.do(t, http.MethodGet, "/api/spotify/refresh", "u1", nil)
		if rec.Code != http.StatusGatewayTimeout {
			t.Errorf("expected 504, got %d", rec.Code)
		}
	})

	t.Run("revoked refresh token shows in status", func(t *testing.T) {
		e := newEnv(t, envOpts{})
		e.seed(t, "u1", "cached", "refresh-1", time.Now().Add(-10*time.Second))
		e.provider.FailToken(http.StatusBadRequest, `{"error":"invalid_grant"}`)

		e.do(t, http.MethodGet, "/api/spotify/refresh", "u1", nil)

		rec := e.do(t, http.MethodGet, "/api/spotify/status", "u1", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if body := decode(t, rec); body["reconnect_required"] != true {
			t.Errorf("expected reconnect_required true, got %v", body)
		}
	})

	t.Run("failed refresh keeps stored token", func(t *testing.T) {
		e := newEnv(t, envOpts{})
		e.seed(t, "u1", "cached", "refresh-1", future())
		e.provider.FailToken(http.StatusInternalServerError, "boom")

		e.do(t, http.MethodGet, "/api/spotify/refresh", "u1", nil)
		if conn := e.stored(t, "u1"); conn.AccessToken != "cached" || conn.RefreshToken != "refresh-1" {
			t.Errorf("expected stored tokens untouched, got %q/%q", conn.AccessToken, conn.RefreshToken)
		}
	})
}

func TestStatusAndDisconnect(t *testing.T) {
	e := newEnv(t, envOpts{})

	status := func() map[string]any {
		rec := e.do(t, http.MethodGet, "/api/spotify/status", "u1", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		return decode(t, rec)
	}

	if body := status(); body["connected"] != false {
		t.Errorf("expected not connected, got %v", body)
	}

	e.seed(t, "u1", "cached", "", time.Now().Add(-time.Minute))
	body := status()
	if body["connected"] != true || body["display_name"] != "Test Listener" {
		t.Errorf("expected connected status, got %v", body)
	}
	if body["expired"] != true || body["reconnect_required"] != true {
		t.Errorf("expected expired connection needing reconnect, got %v", body)
	}

	for range 2 {
		rec := e.do(t, http.MethodPost, "/api/spotify/disconnect", "u1", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	}
	if body := status(); body["connected"] != false {
		t.Errorf("expected disconnected, got %v", body)
	}

	if rec := e.do(t, http.MethodPost, "/api/spotify/disconnect", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for anonymous disconnect, got %d", rec.Code)
	}
}

func TestCreatePlaylistEndpoint(t *testing.T) {
	post := func(t *testing.T, e *env, body string) *httptest.ResponseRecorder {
		return e.do(t, http.MethodPost, "/api/spotify/playlists", "u1", strings.NewReader(body))
	}

	t.Run("creates private playlist", func(t *testing.T) {
		e := newEnv(t, envOpts{})
		e.seed(t, "u1", "cached", "refresh-1", time.Now().Add(time.Hour))

		rec := post(t, e, `{"name":"Mixify Picks","description":"for you","tracks":[
			{"title":"Windowlicker","artist":"Aphex Twin"},
			{"title":"nomatch","artist":"Nobody"},
			{"id":"abc123"}
		]}`)
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}

		body := decode(t, rec)
		playlist, _ := body["playlist"].(map[string]any)
		if playlist["track_count"] != float64(2) || playlist["url"] == "" {
			t.Errorf("unexpected playlist %v", playlist)
		}
		if missing, _ := body["missing"].([]any); len(missing) != 1 {
			t.Errorf("expected one missing track, got %v", body["missing"])
		}

		created := e.provider.Playlists()
		if len(created) != 1 || created[0].Public {
			t.Fatalf("expected one private playlist, got %+v", created)
		}
		if len(created[0].URIs) != 2 || created[0].URIs[1] != "spotify:track:abc123" {
			t.Errorf("unexpected track URIs %v", created[0].URIs)
		}
	})

	t.Run("retries once with refreshed token", func(t *testing.T) {
		e := newEnv(t, envOpts{})
		e.seed(t, "u1", "revoked", "refresh-1", time.Now().Add(time.Hour))
		e.provider.Revoke("revoked")

		rec := post(t, e, `{"name":"Retry","tracks":[{"id":"abc123"}]}`)
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
		if e.provider.RefreshCalls() != 1 {
			t.Errorf("expected one forced refresh, got %d", e.provider.RefreshCalls())
		}
	})

	t.Run("retry resumes after the last added batch", func(t *testing.T) {
		flaky := &rejectingAddTracks{rejectAt: 2}
		e := newEnv(t, envOpts{wrapAPI: func(api services.PlaylistAPI) services.PlaylistAPI {
			flaky.PlaylistAPI = api
			return flaky
		}})
		e.seed(t, "u1", "cached", "refresh-1", time.Now().Add(time.Hour))

		ids := make([]string, 150)
		for i := range ids {
			ids[i] = fmt.Sprintf(`{"id":"track%03d"}`, i)
		}
		rec := post(t, e, `{"name":"Batches","tracks":[`+strings.Join(ids, ",")+`]}`)
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}

		created := e.provider.Playlists()
		if len(created) != 1 {
			t.Fatalf("expected one playlist, got %d", len(created))
		}
		uris := created[0].URIs
		if len(uris) != 150 {
			t.Fatalf("expected 150 tracks without duplicates, got %d", len(uris))
		}
		if uris[0] != "spotify:track:track000" || uris[100] != "spotify:track:track100" || uris[149] != "spotify:track:track149" {
			t.Errorf("unexpected track order %s, %s, %s", uris[0], uris[100], uris[149])
		}
		if e.provider.RefreshCalls() != 1 {
			t.Errorf("expected one forced refresh, got %d", e.provider.RefreshCalls())
		}
	})

	t.Run("reconnect required", func(t *testing.T) {
		e := newEnv(t, envOpts{})
		e.seed(t, "u1", "revoked", "", time.Now().Add(time.Hour))
		e.provider.Revoke("revoked")

		rec := post(t, e, `{"name":"Stuck","tracks":[{"id":"abc123"}]}`)
		if rec.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("no tracks found", func(t *testing.T) {
		e := newEnv(t, envOpts{})
		e.seed(t, "u1", "cached", "refresh-1", time.Now().Add(time.Hour))

		rec := post(t, e, `{"name":"Empty","tracks":[{"title":"nomatch"}]}`)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected 422, got %d", rec.Code)
		}
		if len(e.provider.Playlists()) != 0 {
			t.Error("expected no playlist to be created")
		}
	})

	t.Run("invalid body", func(t *testing.T) {
		e := newEnv(t, envOpts{})
		e.seed(t, "u1", "cached", "refresh-1", time.Now().Add(time.Hour))

		for _, body := range []string{`not json`, `{"tracks":[{"id":"x"}]}`, `{"name":"x","tracks":[]}`, `{"name":"x","tracks":[{}]}`} {
			if rec := post(t, e, body); rec.Code != http.StatusBadRequest {
				t.Errorf("%s: expected 400, got %d", body, rec.Code)
			}
		}
	})
}

func TestProfileRefreshHook(t *testing.T) {
	e := newEnv(t, envOpts{})
	e.seed(t, "u1", "stale", "refresh-1", time.Now().Add(-time.Minute))

	rec := e.do(t, http.MethodGet, "/profile?success=spotify_connected", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decode(t, rec); body["success"] != "spotify_connected" {
		t.Errorf("expected outcome to be echoed, got %v", body)
	}
	if conn := e.stored(t, "u1"); conn.AccessToken == "stale" {
		t.Error("expected refresh hook to refresh the stale token")
	}

	e.provider.FailToken(http.StatusInternalServerError, "boom")
	e.seed(t, "u1", "stale", "refresh-1", time.Now().Add(-time.Minute))
	if rec := e.do(t, http.MethodGet, "/profile", "u1", nil); rec.Code != http.StatusOK {
		t.Errorf("hook failure must not fail the request, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	e := newEnv(t, envOpts{})
	if rec := e.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

// rejectingAddTracks answers one AddTracks call with a rejected token.
type rejectingAddTracks struct {
	services.PlaylistAPI
	calls    int
	rejectAt int
}

func (r *rejectingAddTracks) AddTracks(ctx context.Context, token, playlistID string, uris []string) error {
	r.calls++
	if r.calls == r.rejectAt {
		return services.ErrUnauthorized
	}
	return r.PlaylistAPI.AddTracks(ctx, token, playlistID, uris)
}
