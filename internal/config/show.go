package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as a valid TOML document
// to w, with group comments and the derived endpoint URLs. It backs the
// "config show" command.
func RenderEffective(cfg *Config, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (defaults -> file -> env -> flags)\n")
	ew.printf("# graphql url:       %s\n", cfg.GraphQLURL())
	ew.printf("# subscriptions url: %s\n\n", cfg.SubscriptionsURL())

	ew.printf("# endpoint\n")
	ew.printf("platform_origin    = %q\n", cfg.PlatformOrigin)
	ew.printf("graphql_path       = %q\n", cfg.GraphQLPath)
	ew.printf("subscriptions_path = %q\n\n", cfg.SubscriptionsPath)

	ew.printf("# retry\n")
	ew.printf("retry_initial_delay = %q\n", cfg.RetryInitialDelay)
	ew.printf("retry_max_attempts  = %d\n", cfg.RetryMaxAttempts)
	ew.printf("retry_max_delay     = %q\n\n", cfg.RetryMaxDelay)

	ew.printf("# stream\n")
	ew.printf("stream_retry_attempts = %d\n", cfg.StreamRetryAttempts)
	ew.printf("stream_retry_wait     = %q\n", cfg.StreamRetryWait)
	ew.printf("stream_ack_timeout    = %q\n", cfg.StreamAckTimeout)
	ew.printf("stream_lazy           = %t\n\n", cfg.StreamLazy)

	ew.printf("# cache\n")
	ew.printf("cache_enabled = %t\n", cfg.CacheEnabled)
	ew.printf("cache_ttl     = %q\n", cfg.CacheTTL)
	ew.printf("cache_path    = %q\n\n", cfg.EffectiveCachePath())

	ew.printf("# auth\n")

	if cfg.ClientID != "" {
		ew.printf("client_id            = %q\n", cfg.ClientID)
	}

	ew.printf("token_url            = %q\n", cfg.EffectiveTokenURL())
	ew.printf("token_path           = %q\n", cfg.EffectiveTokenPath())
	ew.printf("unauthenticated_code = %q\n\n", cfg.UnauthenticatedCode)

	ew.printf("# logging\n")
	ew.printf("log_level  = %q\n", cfg.LogLevel)
	ew.printf("log_format = %q\n\n", cfg.LogFormat)

	ew.printf("# network\n")
	ew.printf("connect_timeout = %q\n", cfg.ConnectTimeout)
	ew.printf("request_timeout = %q\n", cfg.RequestTimeout)

	if cfg.UserAgent != "" {
		ew.printf("user_agent      = %q\n", cfg.UserAgent)
	}

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
