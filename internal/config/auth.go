package config

import (
	"fmt"
	"time"
)

// minSecretLength is the shortest accepted HMAC secret
const minSecretLength = 16

// AuthConfig holds configuration for API token signing and validation.
type AuthConfig struct {
	// JWTSecret signs API tokens. Empty disables authentication.
	JWTSecret string        `koanf:"jwt_secret"`
	TokenTTL  time.Duration `koanf:"token_ttl"`
}

// Enabled reports whether the API requires bearer tokens
func (c AuthConfig) Enabled() bool {
	return c.JWTSecret != ""
}

// normalize validates the configuration.
func (c AuthConfig) normalize() error {
	if !c.Enabled() {
		return nil
	}
	if len(c.JWTSecret) < minSecretLength {
		return fmt.Errorf("'server.auth.jwt_secret' must be at least %d bytes, got: %d", minSecretLength, len(c.JWTSecret))
	}
	if c.TokenTTL < time.Minute {
		return fmt.Errorf("'server.auth.token_ttl' must be at least 1 minute, got: %s", c.TokenTTL)
	}
	return nil
}
