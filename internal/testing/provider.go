package testing

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const (
	FakeClientID     = "test_client_id"
	FakeClientSecret = "test_client_secret"
	FakeProviderID   = "spotify-user-1"
)

// FakeProvider is an httptest stand-in for the Spotify accounts service and Web API.
//
// It counts token endpoint calls by grant type so tests can assert how many outbound
// exchanges and refreshes happened.
type FakeProvider struct {
	Server *httptest.Server

	exchangeCalls atomic.Int64
	refreshCalls  atomic.Int64
	profileCalls  atomic.Int64
	seq           atomic.Int64

	mu            sync.Mutex
	tokenStatus   int
	tokenBody     string
	profileStatus int
	rotate        bool
	expiresIn     int
	delay         time.Duration
	allowed       map[string]bool
	revoked       map[string]bool
	playlists     []FakePlaylist
	lastRefresh   string
}

// FakePlaylist records a playlist created through the fake Web API.
type FakePlaylist struct {
	ID          string
	OwnerID     string
	Name        string
	Description string
	Public      bool
	URIs        []string
}

// NewFakeProvider starts a fake provider that is closed on test cleanup.
func NewFakeProvider(t *testing.T) *FakeProvider {
	t.Helper()

	p := &FakeProvider{
		expiresIn: 3600,
		allowed:   make(map[string]bool),
		revoked:   make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/token", p.handleToken)
	mux.HandleFunc("GET /v1/me", p.authorized(p.handleProfile))
	mux.HandleFunc("GET /v1/search", p.authorized(p.handleSearch))
	mux.HandleFunc("POST /v1/users/{id}/playlists", p.authorized(p.handleCreatePlaylist))
	mux.HandleFunc("POST /v1/playlists/{id}/tracks", p.authorized(p.handleAddTracks))

	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

func (p *FakeProvider) AuthURL() string  { return p.Server.URL + "/authorize" }
func (p *FakeProvider) TokenURL() string { return p.Server.URL + "/api/token" }
func (p *FakeProvider) APIURL() string   { return p.Server.URL + "/v1" }

func (p *FakeProvider) ExchangeCalls() int64 { return p.exchangeCalls.Load() }
func (p *FakeProvider) RefreshCalls() int64  { return p.refreshCalls.Load() }
func (p *FakeProvider) ProfileCalls() int64  { return p.profileCalls.Load() }

// FailToken makes every token endpoint call answer with status and body.
func (p *FakeProvider) FailToken(status int, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenStatus, p.tokenBody = status, body
}

// FailProfile makes /me answer with status.
func (p *FakeProvider) FailProfile(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profileStatus = status
}

// RotateRefreshTokens controls whether refresh responses include a new refresh token.
func (p *FakeProvider) RotateRefreshTokens(rotate bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rotate = rotate
}

// SetExpiresIn sets expires_in (seconds) for issued tokens.
func (p *FakeProvider) SetExpiresIn(seconds int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expiresIn = seconds
}

// SetDelay delays every token endpoint response.
func (p *FakeProvider) SetDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

// Allow marks an access token as accepted by the Web API, for connections seeded directly in a store.
func (p *FakeProvider) Allow(accessToken string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowed[accessToken] = true
}

// Revoke makes the Web API reject an access token with 401 regardless of its expiry.
func (p *FakeProvider) Revoke(accessToken string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked[accessToken] = true
}

// LastRefreshToken returns the refresh_token sent with the most recent refresh grant.
func (p *FakeProvider) LastRefreshToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRefresh
}

// Playlists returns the playlists created so far.
func (p *FakeProvider) Playlists() []FakePlaylist {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]FakePlaylist(nil), p.playlists...)
}

func (p *FakeProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	id, secret, ok := r.BasicAuth()
	if !ok || id != FakeClientID || secret != FakeClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	grant := r.PostForm.Get("grant_type")
	switch grant {
	case "authorization_code":
		p.exchangeCalls.Add(1)
	case "refresh_token":
		p.refreshCalls.Add(1)
	}

	p.mu.Lock()
	status, body, rotate, expiresIn, delay := p.tokenStatus, p.tokenBody, p.rotate, p.expiresIn, p.delay
	if grant == "refresh_token" {
		p.lastRefresh = r.PostForm.Get("refresh_token")
	}
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
		return
	}

	n := p.seq.Add(1)
	resp := map[string]any{
		"token_type": "Bearer",
		"expires_in": expiresIn,
		"scope":      "user-read-email playlist-modify-private",
	}

	switch grant {
	case "authorization_code":
		if r.PostForm.Get("code") == "bad-code" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "Invalid authorization code"})
			return
		}
		resp["access_token"] = fmt.Sprintf("access-%d", n)
		resp["refresh_token"] = fmt.Sprintf("refresh-%d", n)
	case "refresh_token":
		if r.PostForm.Get("refresh_token") == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
			return
		}
		resp["access_token"] = fmt.Sprintf("refreshed-%d", n)
		if rotate {
			resp["refresh_token"] = fmt.Sprintf("rotated-%d", n)
		}
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	p.Allow(resp["access_token"].(string))
	writeJSON(w, http.StatusOK, resp)
}

func (p *FakeProvider) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		p.mu.Lock()
		valid := ok && p.allowed[token] && !p.revoked[token]
		p.mu.Unlock()

		if !valid {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error": map[string]any{"status": 401, "message": "The access token expired"},
			})
			return
		}
		next(w, r)
	}
}

func (p *FakeProvider) handleProfile(w http.ResponseWriter, r *http.Request) {
	p.profileCalls.Add(1)

	p.mu.Lock()
	status := p.profileStatus
	p.mu.Unlock()

	if status != 0 {
		writeJSON(w, status, map[string]any{"error": map[string]any{"status": status, "message": "profile unavailable"}})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":           FakeProviderID,
		"display_name": "Test Listener",
		"email":        "listener@example.com",
		"country":      "US",
		"product":      "premium",
		"images":       []map[string]any{{"url": "https://i.scdn.co/image/avatar", "height": 64, "width": 64}},
	})
}

func (p *FakeProvider) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	items := []map[string]any{}
	if !strings.Contains(q, "nomatch") {
		id := fmt.Sprintf("trk%d", len(q))
		items = append(items, map[string]any{
			"id":   id,
			"name": q,
			"uri":  "spotify:track:" + id,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tracks": map[string]any{"items": items}})
}

func (p *FakeProvider) handleCreatePlaylist(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Public      bool   `json:"public"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad body"})
		return
	}

	p.mu.Lock()
	id := fmt.Sprintf("pl%d", len(p.playlists)+1)
	p.playlists = append(p.playlists, FakePlaylist{
		ID: id, OwnerID: r.PathValue("id"), Name: body.Name, Description: body.Description, Public: body.Public,
	})
	p.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":            id,
		"name":          body.Name,
		"description":   body.Description,
		"external_urls": map[string]string{"spotify": "https://open.spotify.com/playlist/" + id},
	})
}

func (p *FakeProvider) handleAddTracks(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URIs []string `json:"uris"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad body"})
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.playlists {
		if p.playlists[i].ID == r.PathValue("id") {
			p.playlists[i].URIs = append(p.playlists[i].URIs, body.URIs...)
			writeJSON(w, http.StatusCreated, map[string]string{"snapshot_id": "snap"})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "playlist not found"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
