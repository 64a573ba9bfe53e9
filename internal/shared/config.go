package shared

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

// maxRefreshMargin bounds the refresh margin below Spotify's one hour token lifetime.
const maxRefreshMargin = time.Hour

// Config represents the application configuration loaded from a TOML file.
type Config struct {
	Spotify  SpotifyConfig  `toml:"spotify"`
	Server   ServerConfig   `toml:"server"`
	Session  SessionConfig  `toml:"session"`
	Database DatabaseConfig `toml:"database"`
	State    StateConfig    `toml:"state"`
	Refresh  RefreshConfig  `toml:"refresh"`
	Log      LogConfig      `toml:"log"`
}

// SpotifyConfig contains Spotify API credentials and endpoints.
type SpotifyConfig struct {
	ClientID     string        `toml:"client_id"`
	ClientSecret string        `toml:"client_secret"`
	RedirectURI  string        `toml:"redirect_uri"`
	Scopes       []string      `toml:"scopes"`
	AuthURL      string        `toml:"auth_url"`
	TokenURL     string        `toml:"token_url"`
	APIURL       string        `toml:"api_url"`
	Timeout      time.Duration `toml:"timeout"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	BaseURL       string   `toml:"base_url"`
	SecureCookies bool     `toml:"secure_cookies"`
	RefreshRoutes []string `toml:"refresh_routes"`
}

// SessionConfig contains settings for the signed session cookie.
type SessionConfig struct {
	Secret     string        `toml:"secret"`
	CookieName string        `toml:"cookie_name"`
	MaxAge     time.Duration `toml:"max_age"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Path         string `toml:"path"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// StateConfig selects where pending OAuth state values live.
type StateConfig struct {
	Backend       string        `toml:"backend"`
	TTL           time.Duration `toml:"ttl"`
	RedisAddr     string        `toml:"redis_addr"`
	RedisPassword string        `toml:"redis_password"`
	RedisDB       int           `toml:"redis_db"`
}

// RefreshConfig tunes token refresh behavior.
type RefreshConfig struct {
	Margin        time.Duration `toml:"margin"`
	Collapse      bool          `toml:"collapse"`
	HookRate      float64       `toml:"hook_rate"` // zero leaves the refresh hook unlimited
	HookBurst     int           `toml:"hook_burst"`
	HookTimeout   time.Duration `toml:"hook_timeout"`
	SweepInterval time.Duration `toml:"sweep_interval"` // zero disables the background sweep
	SweepWindow   time.Duration `toml:"sweep_window"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level string `toml:"level"`
}

// LoadConfig reads and parses a TOML configuration file from the specified path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.WriteFile(path, exampleConf, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides secrets and deployment URLs from the environment.
//
// lookup defaults to [os.LookupEnv].
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	if v, ok := lookup("SPOTIFY_CLIENT_ID"); ok {
		c.Spotify.ClientID = v
	}
	if v, ok := lookup("SPOTIFY_CLIENT_SECRET"); ok {
		c.Spotify.ClientSecret = v
	}
	if v, ok := lookup("MIXIFY_APP_URL"); ok && v != "" {
		c.Server.BaseURL = strings.TrimRight(v, "/")
		c.Spotify.RedirectURI = c.Server.BaseURL + "/api/spotify/callback"
	}
	if v, ok := lookup("MIXIFY_SESSION_SECRET"); ok {
		c.Session.Secret = v
	}
	if v, ok := lookup("MIXIFY_DATABASE_PATH"); ok && v != "" {
		c.Database.Path = v
	}
}

// Validate checks settings that would make the process unusable.
//
// Spotify credentials are deliberately not checked here: they are validated per request
// by [SpotifyConfig.Validate] so a missing secret degrades the connect endpoints only.
func (c *Config) Validate() error {
	if c.Refresh.Margin <= 0 || c.Refresh.Margin >= maxRefreshMargin {
		return fmt.Errorf("%w: refresh margin must be between 0 and %s, got %s", ErrInvalidConfig, maxRefreshMargin, c.Refresh.Margin)
	}
	if c.Refresh.HookRate < 0 {
		return fmt.Errorf("%w: hook rate must not be negative", ErrInvalidConfig)
	}
	if c.Refresh.HookRate > 0 && c.Refresh.HookBurst < 1 {
		return fmt.Errorf("%w: hook burst must be at least 1 when hook rate is set, got %d", ErrInvalidConfig, c.Refresh.HookBurst)
	}
	if c.Refresh.SweepInterval < 0 {
		return fmt.Errorf("%w: sweep interval must not be negative", ErrInvalidConfig)
	}
	if c.State.TTL <= 0 {
		return fmt.Errorf("%w: state ttl must be positive", ErrInvalidConfig)
	}
	switch c.State.Backend {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("%w: unknown state backend %q", ErrInvalidConfig, c.State.Backend)
	}
	if len(c.Session.Secret) < 16 {
		return fmt.Errorf("%w: session secret must be at least 16 bytes", ErrInvalidConfig)
	}
	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// Validate reports [ErrConfiguration] when the OAuth client cannot be used.
func (s SpotifyConfig) Validate() error {
	var missing []string
	if s.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if s.ClientSecret == "" {
		missing = append(missing, "client_secret")
	}
	if s.RedirectURI == "" {
		missing = append(missing, "redirect_uri")
	} else if u, err := url.Parse(s.RedirectURI); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: redirect_uri %q is not an absolute URL", ErrConfiguration, s.RedirectURI)
	}
	if len(s.Scopes) == 0 {
		missing = append(missing, "scopes")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: spotify %s not set", ErrConfiguration, strings.Join(missing, ", "))
	}
	return nil
}

// Addr returns the host:port the HTTP server listens on.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
