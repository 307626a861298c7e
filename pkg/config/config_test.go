package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFrom(t *testing.T, set func(*viper.Viper)) (*Config, error) {
	t.Helper()
	v := viper.New()
	if set != nil {
		set(v)
	}
	return load(v, "")
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := loadFrom(t, func(v *viper.Viper) {
		v.Set("base_url", "https://mcp.example.com")
		v.Set("auth.login_session_secret", "secret")
	})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, []string{"2025-06-18", "2025-03-26", "2024-11-05"}, cfg.SupportedVersions)
	assert.Equal(t, 3600, cfg.SessionLifetime)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 10, cfg.SSE.KeepaliveInterval)
	assert.Equal(t, 300, cfg.SSE.MaxConnectionTime)
	assert.True(t, cfg.Metrics)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		set     func(*viper.Viper)
		wantErr string
	}{
		{
			name:    "missing base url",
			set:     func(v *viper.Viper) { v.Set("auth.login_session_secret", "s") },
			wantErr: "base_url is required",
		},
		{
			name: "trailing slash",
			set: func(v *viper.Viper) {
				v.Set("base_url", "https://x.example.com/")
				v.Set("auth.login_session_secret", "s")
			},
			wantErr: "must not end with a slash",
		},
		{
			name: "unknown version",
			set: func(v *viper.Viper) {
				v.Set("base_url", "https://x.example.com")
				v.Set("auth.login_session_secret", "s")
				v.Set("supported_versions", []string{"2023-01-01"})
			},
			wantErr: "unknown protocol version",
		},
		{
			name: "bad driver",
			set: func(v *viper.Viper) {
				v.Set("base_url", "https://x.example.com")
				v.Set("auth.login_session_secret", "s")
				v.Set("database.driver", "postgres")
			},
			wantErr: "database.driver",
		},
		{
			name: "secret required without authless",
			set: func(v *viper.Viper) {
				v.Set("base_url", "https://x.example.com")
			},
			wantErr: "login_session_secret",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := loadFrom(t, tt.set)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAuthlessSkipsSecret(t *testing.T) {
	t.Parallel()

	cfg, err := loadFrom(t, func(v *viper.Viper) {
		v.Set("base_url", "https://x.example.com")
		v.Set("auth.authless", true)
	})
	require.NoError(t, err)
	assert.True(t, cfg.Auth.Authless)
}

func TestResourceBindingDefault(t *testing.T) {
	t.Parallel()

	// Serving 2025-06-18 turns the binding on by default.
	cfg, err := loadFrom(t, func(v *viper.Viper) {
		v.Set("base_url", "https://mcp.example.com")
		v.Set("auth.login_session_secret", "s")
	})
	require.NoError(t, err)
	assert.True(t, cfg.Auth.RequireResourceBinding)

	// Older-only deployments leave it off.
	cfg, err = loadFrom(t, func(v *viper.Viper) {
		v.Set("base_url", "https://mcp.example.com")
		v.Set("auth.login_session_secret", "s")
		v.Set("supported_versions", []string{"2025-03-26", "2024-11-05"})
	})
	require.NoError(t, err)
	assert.False(t, cfg.Auth.RequireResourceBinding)

	// An explicit setting wins over the derived default.
	cfg, err = loadFrom(t, func(v *viper.Viper) {
		v.Set("base_url", "https://mcp.example.com")
		v.Set("auth.login_session_secret", "s")
		v.Set("auth.require_resource_binding", false)
	})
	require.NoError(t, err)
	assert.False(t, cfg.Auth.RequireResourceBinding)
}
