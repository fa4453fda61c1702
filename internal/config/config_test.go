package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DISPATCH_MASTER_SECRET", "secret")
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_PATH", "")
	t.Setenv("DEBUG", "")
	t.Setenv("DISPATCH_AGENT_MODEL", "")
	t.Setenv("DISPATCH_START_TIMEOUT", "")

	cfg, err := Load(Overrides{})
	require.NoError(t, err)
	assert.Equal(t, ":3030", cfg.Addr)
	assert.Equal(t, "./dispatch.db", cfg.DatabasePath)
	assert.False(t, cfg.Debug)
	assert.Equal(t, "claude-sonnet-4-5", cfg.AgentModel)
	assert.Equal(t, 30*time.Second, cfg.StartTimeout)
	assert.Nil(t, cfg.TLS)
}

func TestLoadRequiresMasterSecret(t *testing.T) {
	t.Setenv("DISPATCH_MASTER_SECRET", "")
	_, err := Load(Overrides{})
	assert.Error(t, err)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DISPATCH_MASTER_SECRET", "secret")
	t.Setenv("PORT", "8080")
	t.Setenv("DATABASE_PATH", "/data/sessions.db")
	t.Setenv("DEBUG", "true")
	t.Setenv("DISPATCH_START_TIMEOUT", "5s")

	cfg, err := Load(Overrides{})
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "/data/sessions.db", cfg.DatabasePath)
	assert.True(t, cfg.Debug)
	assert.Equal(t, 5*time.Second, cfg.StartTimeout)
}

func TestOverridesWin(t *testing.T) {
	t.Setenv("DISPATCH_MASTER_SECRET", "")
	t.Setenv("PORT", "8080")

	addr := ":9999"
	secret := "override-secret"
	debug := true
	cfg, err := Load(Overrides{Addr: &addr, MasterSecret: &secret, Debug: &debug})
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, "override-secret", cfg.MasterSecret)
	assert.True(t, cfg.Debug)
}
