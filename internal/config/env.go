package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig    = "PITCHLY_GO_CONFIG"
	EnvOrigin    = "PITCHLY_GO_ORIGIN"
	EnvTokenPath = "PITCHLY_GO_TOKEN_PATH"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // PITCHLY_GO_CONFIG: override config file path
	Origin     string // PITCHLY_GO_ORIGIN: platform origin override
	TokenPath  string // PITCHLY_GO_TOKEN_PATH: token file override
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Origin:     os.Getenv(EnvOrigin),
		TokenPath:  os.Getenv(EnvTokenPath),
	}
}
