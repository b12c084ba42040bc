package config

// Default values for configuration options. These represent "layer 0" of the
// four-layer override chain and work against the hosted platform without a
// config file.
const (
	defaultPlatformOrigin      = "https://platform.pitchly.com"
	defaultGraphQLPath         = "/graphql"
	defaultSubscriptionsPath   = "/subscriptions"
	defaultTokenEndpoint       = "/api/oauth/token"
	defaultRetryInitialDelay   = "300ms"
	defaultRetryMaxAttempts    = 5
	defaultRetryMaxDelay       = "0"
	defaultStreamRetryAttempts = 5
	defaultStreamRetryWait     = "1s"
	defaultStreamAckTimeout    = "10s"
	defaultCacheTTL            = "5m"
	defaultUnauthenticatedCode = "UNAUTHENTICATED"
	defaultLogLevel            = "info"
	defaultLogFormat           = "text"
	defaultConnectTimeout      = "10s"
	defaultRequestTimeout      = "30s"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		EndpointConfig: EndpointConfig{
			PlatformOrigin:    defaultPlatformOrigin,
			GraphQLPath:       defaultGraphQLPath,
			SubscriptionsPath: defaultSubscriptionsPath,
		},
		RetryConfig: RetryConfig{
			RetryInitialDelay: defaultRetryInitialDelay,
			RetryMaxAttempts:  defaultRetryMaxAttempts,
			RetryMaxDelay:     defaultRetryMaxDelay,
		},
		StreamConfig: StreamConfig{
			StreamRetryAttempts: defaultStreamRetryAttempts,
			StreamRetryWait:     defaultStreamRetryWait,
			StreamAckTimeout:    defaultStreamAckTimeout,
			StreamLazy:          true,
		},
		CacheConfig: CacheConfig{
			CacheEnabled: true,
			CacheTTL:     defaultCacheTTL,
		},
		AuthConfig: AuthConfig{
			UnauthenticatedCode: defaultUnauthenticatedCode,
		},
		LoggingConfig: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		NetworkConfig: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			RequestTimeout: defaultRequestTimeout,
		},
	}
}
