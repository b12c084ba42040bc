// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for pitchly-go. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags). All
// keys are flat and live at the top level of the file.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the top-level configuration structure parsed from a TOML file.
// The embedded sections only group related keys in Go; in the file every
// key sits at the top level.
type Config struct {
	EndpointConfig
	RetryConfig
	StreamConfig
	CacheConfig
	AuthConfig
	LoggingConfig
	NetworkConfig
}

// EndpointConfig locates the platform's GraphQL endpoints.
type EndpointConfig struct {
	PlatformOrigin    string `toml:"platform_origin"`
	GraphQLPath       string `toml:"graphql_path"`
	SubscriptionsPath string `toml:"subscriptions_path"`
}

// RetryConfig controls network-failure retries on the request/response path.
type RetryConfig struct {
	RetryInitialDelay string `toml:"retry_initial_delay"`
	RetryMaxAttempts  int    `toml:"retry_max_attempts"`
	RetryMaxDelay     string `toml:"retry_max_delay"`
}

// StreamConfig controls the subscription connection.
type StreamConfig struct {
	StreamRetryAttempts int    `toml:"stream_retry_attempts"`
	StreamRetryWait     string `toml:"stream_retry_wait"`
	StreamAckTimeout    string `toml:"stream_ack_timeout"`
	StreamLazy          bool   `toml:"stream_lazy"`
}

// CacheConfig controls the query result cache. cache_path ":memory:" keeps
// results in process memory only.
type CacheConfig struct {
	CacheEnabled bool   `toml:"cache_enabled"`
	CacheTTL     string `toml:"cache_ttl"`
	CachePath    string `toml:"cache_path"`
}

// AuthConfig controls credential refresh and the UNAUTHENTICATED error code
// the platform uses to reject a credential.
type AuthConfig struct {
	ClientID            string `toml:"client_id"`
	TokenURL            string `toml:"token_url"`
	TokenPath           string `toml:"token_path"`
	UnauthenticatedCode string `toml:"unauthenticated_code"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	RequestTimeout string `toml:"request_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Empty strings mean "not specified".
type CLIOverrides struct {
	ConfigPath string // --config flag
	Origin     string // --origin flag
}

// GraphQLURL joins the platform origin and the GraphQL path.
func (c *Config) GraphQLURL() string {
	return joinOrigin(c.PlatformOrigin, c.GraphQLPath)
}

// SubscriptionsURL returns the websocket URL for subscriptions. The scheme
// is derived from the origin: http becomes ws and https becomes wss.
func (c *Config) SubscriptionsURL() string {
	raw := joinOrigin(c.PlatformOrigin, c.SubscriptionsPath)

	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	default:
		return raw
	}
}

// EffectiveTokenURL returns token_url, or the platform's OAuth token
// endpoint when unset.
func (c *Config) EffectiveTokenURL() string {
	if c.TokenURL != "" {
		return c.TokenURL
	}

	return joinOrigin(c.PlatformOrigin, defaultTokenEndpoint)
}

// EffectiveTokenPath returns token_path, or the default location under the
// data directory when unset.
func (c *Config) EffectiveTokenPath() string {
	if c.TokenPath != "" {
		return c.TokenPath
	}

	return DefaultTokenPath()
}

// EffectiveCachePath returns cache_path, or the default database under the
// cache directory when unset.
func (c *Config) EffectiveCachePath() string {
	if c.CachePath != "" {
		return c.CachePath
	}

	return DefaultCachePath()
}

// Durations holds the parsed forms of every duration key.
type Durations struct {
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	StreamRetryWait   time.Duration
	StreamAckTimeout  time.Duration
	CacheTTL          time.Duration
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
}

// Durations parses every duration key. Validate has already rejected
// malformed values for configs produced by Load or Resolve, so errors here
// only surface for hand-built configs.
func (c *Config) Durations() (Durations, error) {
	var d Durations

	fields := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"retry_initial_delay", c.RetryInitialDelay, &d.RetryInitialDelay},
		{"retry_max_delay", c.RetryMaxDelay, &d.RetryMaxDelay},
		{"stream_retry_wait", c.StreamRetryWait, &d.StreamRetryWait},
		{"stream_ack_timeout", c.StreamAckTimeout, &d.StreamAckTimeout},
		{"cache_ttl", c.CacheTTL, &d.CacheTTL},
		{"connect_timeout", c.ConnectTimeout, &d.ConnectTimeout},
		{"request_timeout", c.RequestTimeout, &d.RequestTimeout},
	}

	for _, f := range fields {
		v, err := parseDuration(f.value)
		if err != nil {
			return Durations{}, fmt.Errorf("%s: %w", f.name, err)
		}

		*f.dst = v
	}

	return d, nil
}

// parseDuration accepts Go duration strings plus a bare "0".
func parseDuration(s string) (time.Duration, error) {
	if s == "0" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}

	return d, nil
}

func joinOrigin(origin, path string) string {
	u, err := url.Parse(origin)
	if err != nil || path == "" {
		return strings.TrimRight(origin, "/") + path
	}

	return u.JoinPath(path).String()
}
