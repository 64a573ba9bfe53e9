package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/desertthunder/mixify/internal/shared"
)

const minSecretLen = 16

// Identity resolves the signed-in user of a request.
type Identity interface {
	// CurrentUser returns the user id or an error wrapping [shared.ErrUnauthenticated].
	CurrentUser(r *http.Request) (string, error)
}

type sessionPayload struct {
	UserID    string `json:"uid"`
	ExpiresAt int64  `json:"exp"`
}

// SessionCodec issues and verifies HMAC-SHA256 signed session cookies.
//
// Cookie value: base64url(json payload) "." base64url(signature).
type SessionCodec struct {
	secret []byte
	name   string
	maxAge time.Duration
	secure bool
	now    func() time.Time
}

// NewSessionCodec creates a [SessionCodec] from configuration.
func NewSessionCodec(cfg shared.SessionConfig, secure bool) (*SessionCodec, error) {
	if len(cfg.Secret) < minSecretLen {
		return nil, fmt.Errorf("%w: session secret must be at least %d bytes", shared.ErrInvalidConfig, minSecretLen)
	}

	c := &SessionCodec{
		secret: []byte(cfg.Secret),
		name:   cfg.CookieName,
		maxAge: cfg.MaxAge,
		secure: secure,
		now:    time.Now,
	}
	if c.name == "" {
		c.name = "mixify_session"
	}
	if c.maxAge <= 0 {
		c.maxAge = 7 * 24 * time.Hour
	}
	return c, nil
}

// CookieName returns the session cookie name.
func (c *SessionCodec) CookieName() string {
	return c.name
}

func (c *SessionCodec) sign(message string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(message))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Encode returns a signed session value for userID.
func (c *SessionCodec) Encode(userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: user id", shared.ErrMissingArgument)
	}

	data, err := json.Marshal(sessionPayload{UserID: userID, ExpiresAt: c.now().Add(c.maxAge).Unix()})
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(data)
	return payload + "." + c.sign(payload), nil
}

// Decode verifies value and returns its user id.
func (c *SessionCodec) Decode(value string) (string, error) {
	payload, sig, ok := strings.Cut(value, ".")
	if !ok || payload == "" || sig == "" {
		return "", fmt.Errorf("%w: malformed session", shared.ErrUnauthenticated)
	}
	if !hmac.Equal([]byte(sig), []byte(c.sign(payload))) {
		return "", fmt.Errorf("%w: bad session signature", shared.ErrUnauthenticated)
	}

	data, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: malformed session", shared.ErrUnauthenticated)
	}

	var p sessionPayload
	if err := json.Unmarshal(data, &p); err != nil || p.UserID == "" {
		return "", fmt.Errorf("%w: malformed session", shared.ErrUnauthenticated)
	}
	if c.now().Unix() >= p.ExpiresAt {
		return "", fmt.Errorf("%w: session expired", shared.ErrUnauthenticated)
	}
	return p.UserID, nil
}

// CurrentUser implements [Identity] by reading the session cookie.
func (c *SessionCodec) CurrentUser(r *http.Request) (string, error) {
	cookie, err := r.Cookie(c.name)
	if errors.Is(err, http.ErrNoCookie) {
		return "", shared.ErrUnauthenticated
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", shared.ErrUnauthenticated, err)
	}
	return c.Decode(cookie.Value)
}

// SetCookie writes a session cookie for userID.
func (c *SessionCodec) SetCookie(w http.ResponseWriter, userID string) error {
	value, err := c.Encode(userID)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(c.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// ClearCookie expires the session cookie.
func (c *SessionCodec) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
