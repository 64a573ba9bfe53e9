package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/desertthunder/mixify/internal/shared"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// redirectTo sends a 302 to base+path with a single query parameter.
func redirectTo(w http.ResponseWriter, r *http.Request, base, path, key, value string) {
	q := url.Values{}
	q.Set(key, value)
	http.Redirect(w, r, base+path+"?"+q.Encode(), http.StatusFound)
}

// apiStatus maps a domain error to an HTTP status and machine-readable code for JSON endpoints.
func apiStatus(err error) (int, string) {
	switch {
	case errors.Is(err, shared.ErrUnauthenticated):
		return http.StatusUnauthorized, "not_authenticated"
	case errors.Is(err, shared.ErrNotConnected):
		return http.StatusNotFound, "not_connected"
	case errors.Is(err, shared.ErrReconnectRequired), errors.Is(err, shared.ErrNoRefreshToken):
		return http.StatusConflict, "reconnect_required"
	case errors.Is(err, shared.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, shared.ErrRefreshFailed):
		return http.StatusBadGateway, "refresh_failed"
	case errors.Is(err, shared.ErrConfiguration):
		return http.StatusInternalServerError, "missing_env"
	case errors.Is(err, shared.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, shared.ErrAPIRequest):
		return http.StatusBadGateway, "provider_error"
	case errors.Is(err, shared.ErrPersistenceFailed):
		return http.StatusInternalServerError, "database_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// callbackCode maps an authorization failure to the error vocabulary of the callback redirect.
func callbackCode(err error, providerError string) string {
	switch {
	case errors.Is(err, shared.ErrProviderAuth):
		if code := sanitizeCode(providerError); code != "" {
			return "spotify_" + code
		}
		return "callback_failed"
	case errors.Is(err, shared.ErrUnauthenticated):
		return "not_authenticated"
	case errors.Is(err, shared.ErrConfiguration):
		return "missing_env"
	case errors.Is(err, shared.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, shared.ErrMissingCode):
		return "missing_code"
	case errors.Is(err, shared.ErrTokenExchangeFailed):
		return "token_exchange_failed"
	case errors.Is(err, shared.ErrProfileFetchFailed):
		return "profile_fetch_failed"
	case errors.Is(err, shared.ErrPersistenceFailed):
		return "database_error"
	default:
		return "callback_failed"
	}
}

// sanitizeCode keeps provider error codes to lowercase letters and underscores.
func sanitizeCode(s string) string {
	if len(s) > 64 {
		return ""
	}
	for _, c := range s {
		if (c < 'a' || c > 'z') && c != '_' {
			return ""
		}
	}
	return s
}
