package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthConfig_DisabledByDefault(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.Server.Auth.Enabled())
	assert.Equal(t, 24*time.Hour, cfg.Server.Auth.TokenTTL)
	require.NoError(t, cfg.Validate())
}

func TestAuthConfig_SecretFromEnvironment(t *testing.T) {
	t.Setenv("JWT_SECRET", "0123456789abcdef-secret")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Server.Auth.Enabled())
	assert.Equal(t, "0123456789abcdef-secret", cfg.Server.Auth.JWTSecret)
}

func TestAuthConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		auth    AuthConfig
		wantErr string
	}{
		{name: "short secret", auth: AuthConfig{JWTSecret: "short", TokenTTL: time.Hour}, wantErr: "at least 16 bytes"},
		{name: "ttl too small", auth: AuthConfig{JWTSecret: "0123456789abcdef", TokenTTL: time.Second}, wantErr: "token_ttl"},
		{name: "disabled ignores ttl", auth: AuthConfig{TokenTTL: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Server.Auth = tt.auth
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
