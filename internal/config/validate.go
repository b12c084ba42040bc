package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validation range constants.
const (
	minRetryAttempts     = 1
	maxRetryAttempts     = 20
	minStreamRetry       = 1
	maxStreamRetry       = 100
	minRetryInitialDelay = 10 * time.Millisecond
	minStreamRetryWait   = 10 * time.Millisecond
	minAckTimeout        = 1 * time.Second
	minConnectTimeout    = 1 * time.Second
	minRequestTimeout    = 1 * time.Second
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateEndpoint(&cfg.EndpointConfig)...)
	errs = append(errs, validateRetry(&cfg.RetryConfig)...)
	errs = append(errs, validateStream(&cfg.StreamConfig)...)
	errs = append(errs, validateCache(&cfg.CacheConfig)...)
	errs = append(errs, validateAuth(&cfg.AuthConfig)...)
	errs = append(errs, validateLogging(&cfg.LoggingConfig)...)
	errs = append(errs, validateNetwork(&cfg.NetworkConfig)...)

	return errors.Join(errs...)
}

func validateEndpoint(e *EndpointConfig) []error {
	var errs []error

	if err := validateHTTPURL("platform_origin", e.PlatformOrigin); err != nil {
		errs = append(errs, err)
	}

	errs = append(errs, validatePath("graphql_path", e.GraphQLPath)...)
	errs = append(errs, validatePath("subscriptions_path", e.SubscriptionsPath)...)

	return errs
}

func validateHTTPURL(field, value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("%s: invalid URL %q: %w", field, value, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: scheme must be http or https, got %q", field, value)
	}

	if u.Host == "" {
		return fmt.Errorf("%s: missing host in %q", field, value)
	}

	return nil
}

func validatePath(field, value string) []error {
	if !strings.HasPrefix(value, "/") {
		return []error{fmt.Errorf("%s: must start with \"/\", got %q", field, value)}
	}

	return nil
}

func validateRetry(r *RetryConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("retry_initial_delay", r.RetryInitialDelay, minRetryInitialDelay)...)
	errs = append(errs, validateDurationNonNeg("retry_max_delay", r.RetryMaxDelay)...)

	if r.RetryMaxAttempts < minRetryAttempts || r.RetryMaxAttempts > maxRetryAttempts {
		errs = append(errs, fmt.Errorf("retry_max_attempts: must be between %d and %d, got %d",
			minRetryAttempts, maxRetryAttempts, r.RetryMaxAttempts))
	}

	return errs
}

func validateStream(s *StreamConfig) []error {
	var errs []error

	if s.StreamRetryAttempts < minStreamRetry || s.StreamRetryAttempts > maxStreamRetry {
		errs = append(errs, fmt.Errorf("stream_retry_attempts: must be between %d and %d, got %d",
			minStreamRetry, maxStreamRetry, s.StreamRetryAttempts))
	}

	errs = append(errs, validateDurationMin("stream_retry_wait", s.StreamRetryWait, minStreamRetryWait)...)
	errs = append(errs, validateDurationMin("stream_ack_timeout", s.StreamAckTimeout, minAckTimeout)...)

	return errs
}

func validateCache(c *CacheConfig) []error {
	return validateDurationNonNeg("cache_ttl", c.CacheTTL)
}

func validateAuth(a *AuthConfig) []error {
	var errs []error

	if a.TokenURL != "" {
		if err := validateHTTPURL("token_url", a.TokenURL); err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(a.UnauthenticatedCode) == "" {
		errs = append(errs, errors.New("unauthenticated_code: must not be empty"))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format: must be one of text, json; got %q", l.LogFormat))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationMin("request_timeout", n.RequestTimeout, minRequestTimeout)...)

	return errs
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := parseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: %w", field, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}

func validateDurationNonNeg(field, value string) []error {
	d, err := parseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: %w", field, err)}
	}

	if d < 0 {
		return []error{fmt.Errorf("%s: must be >= 0, got %s", field, d)}
	}

	return nil
}
