package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpecValues(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 27018, cfg.Server.Port)
	assert.Equal(t, 1000, cfg.Server.MaxConnections)
	assert.True(t, cfg.RateLimiting.Enabled)
	assert.Equal(t, 20, cfg.Database.PoolSize)
}

func TestLoadWithNoOverridesReturnsDefaults(t *testing.T) {
	cfg, err := Load(nil, "")
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	contents := []byte("server:\n  port: 27777\ndatabase:\n  connection_string: postgres://localhost/test\n")
	require.NoError(t, os.WriteFile(path, contents, 0o600))

	cfg, err := Load(nil, path)
	require.NoError(t, err)
	assert.Equal(t, 27777, cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/test", cfg.Database.ConnectionString)
}

func TestLoadBindsFlagsOverDefaults(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("server.port", 27018, "")
	require.NoError(t, flags.Set("server.port", "9999"))

	cfg, err := Load(flags, "")
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestLoadRejectsMissingConfigFile(t *testing.T) {
	_, err := Load(nil, "/nonexistent/gateway.yaml")
	require.Error(t, err)
}
