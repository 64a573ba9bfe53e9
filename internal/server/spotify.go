package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/mixify/internal/auth"
	"github.com/desertthunder/mixify/internal/models"
	"github.com/desertthunder/mixify/internal/repositories"
	"github.com/desertthunder/mixify/internal/services"
	"github.com/desertthunder/mixify/internal/shared"
)

// StateCookieName mirrors the pending OAuth state into the browser for the callback check.
const StateCookieName = "spotify_auth_state"

const (
	profilePath       = "/profile"
	maxBodyBytes      = 1 << 20
	maxPlaylistTracks = 200
)

// SpotifyHandlerOpts configures a [SpotifyHandler].
type SpotifyHandlerOpts struct {
	Flow          *auth.Flow
	Trigger       *auth.Trigger
	Connections   repositories.ConnectionStore
	API           services.PlaylistAPI // nil when credentials are missing
	Identity      Identity
	StateTTL      time.Duration
	BaseURL       string // prefix for redirects back into the app
	SecureCookies bool
	Clock         func() time.Time
	Logger        *log.Logger
}

// SpotifyHandler serves the connect, callback, refresh and playlist endpoints.
type SpotifyHandler struct {
	opts   SpotifyHandlerOpts
	mux    *http.ServeMux
	logger *log.Logger
}

// NewSpotifyHandler creates a [SpotifyHandler].
func NewSpotifyHandler(opts SpotifyHandlerOpts) *SpotifyHandler {
	if opts.StateTTL <= 0 {
		opts.StateTTL = auth.DefaultStateTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	opts.BaseURL = strings.TrimSuffix(opts.BaseURL, "/")

	h := &SpotifyHandler{
		opts:   opts,
		mux:    http.NewServeMux(),
		logger: shared.WithLogger(opts.Logger, "component", "server.spotify"),
	}
	h.mux.HandleFunc("GET /api/spotify/auth", h.handleAuth)
	h.mux.HandleFunc("GET /api/spotify/callback", h.handleCallback)
	h.mux.HandleFunc("GET /api/spotify/refresh", h.handleRefresh)
	h.mux.HandleFunc("GET /api/spotify/status", h.handleStatus)
	h.mux.HandleFunc("POST /api/spotify/disconnect", h.handleDisconnect)
	h.mux.HandleFunc("POST /api/spotify/playlists", h.handleCreatePlaylist)
	h.mux.HandleFunc("GET /profile", h.handleProfile)
	return h
}

// Routes returns the HTTP routes this handler serves.
func (h *SpotifyHandler) Routes() []string {
	return []string{
		"GET /api/spotify/auth",
		"GET /api/spotify/callback",
		"GET /api/spotify/refresh",
		"GET /api/spotify/status",
		"POST /api/spotify/disconnect",
		"POST /api/spotify/playlists",
		"GET /profile",
	}
}

func (h *SpotifyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *SpotifyHandler) profileRedirect(w http.ResponseWriter, r *http.Request, key, value string) {
	redirectTo(w, r, h.opts.BaseURL, profilePath, key, value)
}

func (h *SpotifyHandler) setStateCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// handleAuth starts the authorization flow and redirects to Spotify.
func (h *SpotifyHandler) handleAuth(w http.ResponseWriter, r *http.Request) {
	userID, err := h.opts.Identity.CurrentUser(r)
	if err != nil {
		h.profileRedirect(w, r, "error", "not_authenticated")
		return
	}

	redirect, err := h.opts.Flow.Begin(r.Context(), userID)
	if err != nil {
		code := "auth_failed"
		switch {
		case errors.Is(err, shared.ErrConfiguration):
			code = "missing_env"
		case errors.Is(err, shared.ErrUnauthenticated):
			code = "not_authenticated"
		}
		h.logger.Error("failed to begin authorization", "user", userID, "err", err)
		h.profileRedirect(w, r, "error", code)
		return
	}

	h.setStateCookie(w, redirect.State, int(h.opts.StateTTL.Seconds()))
	http.Redirect(w, r, redirect.URL, http.StatusFound)
}

// handleCallback completes the authorization flow. The state cookie is cleared whatever the outcome.
func (h *SpotifyHandler) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := auth.CallbackParams{
		Code:          q.Get("code"),
		State:         q.Get("state"),
		ProviderError: q.Get("error"),
	}
	if userID, err := h.opts.Identity.CurrentUser(r); err == nil {
		params.UserID = userID
	}
	if c, err := r.Cookie(StateCookieName); err == nil {
		params.CookieState = c.Value
	}

	h.setStateCookie(w, "", -1)

	if _, err := h.opts.Flow.Complete(r.Context(), params); err != nil {
		code := callbackCode(err, params.ProviderError)
		h.logger.Warn("authorization callback failed", "user", params.UserID, "code", code, "err", err)
		h.profileRedirect(w, r, "error", code)
		return
	}

	h.profileRedirect(w, r, "success", "spotify_connected")
}

// handleRefresh force-refreshes the session user's token.
func (h *SpotifyHandler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	userID, err := h.opts.Identity.CurrentUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "not_authenticated")
		return
	}
	if requested := r.URL.Query().Get("userId"); requested != "" && requested != userID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	tok, err := h.opts.Trigger.ForceRefresh(r.Context(), userID)
	if err != nil {
		status, code := apiStatus(err)
		h.logger.Warn("on-demand refresh failed", "user", userID, "code", code, "err", err)
		writeError(w, status, code)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "expires_at": tok.ExpiresAt})
}

// ConnectionStatus describes a user's Spotify connection.
type ConnectionStatus struct {
	Connected         bool       `json:"connected"`
	ProviderID        string     `json:"provider_id,omitempty"`
	DisplayName       string     `json:"display_name,omitempty"`
	AvatarURL         string     `json:"avatar_url,omitempty"`
	Scope             string     `json:"scope,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	Expired           bool       `json:"expired"`
	ReconnectRequired bool       `json:"reconnect_required"`
}

func (h *SpotifyHandler) status(ctx context.Context, userID string) (*ConnectionStatus, error) {
	conn, err := h.opts.Connections.Get(ctx, userID, models.ProviderSpotify)
	if errors.Is(err, shared.ErrNotConnected) {
		return &ConnectionStatus{}, nil
	}
	if err != nil {
		return nil, err
	}

	return NewConnectionStatus(conn, h.opts.Clock()), nil
}

// NewConnectionStatus summarizes conn as of now.
func NewConnectionStatus(conn *models.Connection, now time.Time) *ConnectionStatus {
	expiresAt := conn.ExpiresAt
	return &ConnectionStatus{
		Connected:         true,
		ProviderID:        conn.ProviderID,
		DisplayName:       conn.Profile.DisplayName,
		AvatarURL:         conn.Profile.AvatarURL(),
		Scope:             conn.Scope,
		ExpiresAt:         &expiresAt,
		Expired:           conn.Remaining(now) <= 0,
		ReconnectRequired: !conn.CanRefresh(),
	}
}

func (h *SpotifyHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := h.opts.Identity.CurrentUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "not_authenticated")
		return
	}

	st, err := h.status(r.Context(), userID)
	if err != nil {
		status, code := apiStatus(err)
		writeError(w, status, code)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleProfile is the landing page for flow redirects; it echoes the outcome with the connection status.
func (h *SpotifyHandler) handleProfile(w http.ResponseWriter, r *http.Request) {
	userID, err := h.opts.Identity.CurrentUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "not_authenticated")
		return
	}

	st, err := h.status(r.Context(), userID)
	if err != nil {
		status, code := apiStatus(err)
		writeError(w, status, code)
		return
	}

	body := map[string]any{"user_id": userID, "spotify": st}
	q := r.URL.Query()
	if v := q.Get("success"); v != "" {
		body["success"] = v
	}
	if v := q.Get("error"); v != "" {
		body["error"] = v
	}
	writeJSON(w, http.StatusOK, body)
}

// handleDisconnect deletes the session user's connection. Disconnecting twice is not an error.
func (h *SpotifyHandler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	userID, err := h.opts.Identity.CurrentUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "not_authenticated")
		return
	}

	err = h.opts.Connections.Delete(r.Context(), userID, models.ProviderSpotify)
	if err != nil && !errors.Is(err, shared.ErrNotConnected) {
		status, code := apiStatus(err)
		h.logger.Error("failed to disconnect", "user", userID, "err", err)
		writeError(w, status, code)
		return
	}

	h.logger.Info("spotify disconnected", "user", userID)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// CreatePlaylistBody is the request body of POST /api/spotify/playlists.
type CreatePlaylistBody struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Tracks      []models.Track `json:"tracks"`
}

func (b CreatePlaylistBody) validate() error {
	if strings.TrimSpace(b.Name) == "" {
		return fmt.Errorf("%w: name is required", shared.ErrInvalidInput)
	}
	if len(b.Tracks) == 0 || len(b.Tracks) > maxPlaylistTracks {
		return fmt.Errorf("%w: between 1 and %d tracks required", shared.ErrInvalidInput, maxPlaylistTracks)
	}
	for i, t := range b.Tracks {
		if t.ID == "" && strings.TrimSpace(t.Title) == "" {
			return fmt.Errorf("%w: track %d needs an id or a title", shared.ErrInvalidInput, i)
		}
	}
	return nil
}

// handleCreatePlaylist resolves tracks and creates a private playlist for the session user.
func (h *SpotifyHandler) handleCreatePlaylist(w http.ResponseWriter, r *http.Request) {
	userID, err := h.opts.Identity.CurrentUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "not_authenticated")
		return
	}
	if h.opts.API == nil {
		writeError(w, http.StatusInternalServerError, "missing_env")
		return
	}

	var body CreatePlaylistBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := body.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	playlist, missing, err := h.createPlaylist(r.Context(), userID, body)
	if err != nil {
		status, code := apiStatus(err)
		if errors.Is(err, shared.ErrTrackNotFound) {
			status, code = http.StatusUnprocessableEntity, "no_tracks_found"
		}
		h.logger.Warn("playlist creation failed", "user", userID, "code", code, "err", err)
		writeError(w, status, code)
		return
	}

	h.logger.Info("playlist created", "user", userID, "playlist", playlist.ID, "tracks", playlist.TrackCount, "missing", len(missing))
	writeJSON(w, http.StatusCreated, map[string]any{"playlist": playlist, "missing": missing})
}

func (h *SpotifyHandler) createPlaylist(ctx context.Context, userID string, body CreatePlaylistBody) (*models.Playlist, []models.Track, error) {
	var (
		owner   string
		uris    []string
		missing = []models.Track{}
	)

	err := h.opts.Trigger.WithToken(ctx, userID, func(ctx context.Context, token string) error {
		uris, missing = uris[:0], missing[:0]

		profile, err := h.opts.API.UserProfile(ctx, token)
		if err != nil {
			return err
		}
		owner = profile.ID

		for _, t := range body.Tracks {
			if t.ID != "" {
				uris = append(uris, trackURI(t.ID))
				continue
			}
			found, err := h.opts.API.SearchTrack(ctx, token, t.Title, t.Artist)
			if errors.Is(err, shared.ErrTrackNotFound) {
				missing = append(missing, t)
				continue
			}
			if err != nil {
				return err
			}
			uris = append(uris, found.URI)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if len(uris) == 0 {
		return nil, missing, fmt.Errorf("%w: none of %d tracks matched", shared.ErrTrackNotFound, len(body.Tracks))
	}

	var (
		created *services.SpotifyPlaylist
		added   int
	)
	// A retry after a rejected token resumes from the first batch not yet added.
	err = h.opts.Trigger.WithToken(ctx, userID, func(ctx context.Context, token string) error {
		if created == nil {
			pl, err := h.opts.API.CreatePlaylist(ctx, token, owner, services.CreatePlaylistRequest{
				Name:        body.Name,
				Description: body.Description,
				Public:      false,
			})
			if err != nil {
				return err
			}
			created = pl
		}
		for added < len(uris) {
			end := min(added+services.AddTracksBatch, len(uris))
			if err := h.opts.API.AddTracks(ctx, token, created.ID, uris[added:end]); err != nil {
				return err
			}
			added = end
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return &models.Playlist{
		ID:          created.ID,
		Name:        created.Name,
		Description: created.Description,
		URL:         created.ExternalURLs.Spotify,
		TrackCount:  len(uris),
	}, missing, nil
}

func trackURI(id string) string {
	if strings.HasPrefix(id, "spotify:track:") {
		return id
	}
	return "spotify:track:" + id
}
