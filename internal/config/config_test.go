package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
network:
  bind_addr: "0.0.0.0:9000"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.Network.BindAddr)
	require.Equal(t, 50000, cfg.Network.MaxGlobalConnections)
	require.Equal(t, "tcp", cfg.Platform.Mode)
	require.Equal(t, "json", cfg.Waf.RulesFormat)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeTempConfig(t, `
platform:
  mode: "tcp"
`)
	t.Setenv("SECBEAT_PLATFORM_MODE", "l7")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "l7", cfg.Platform.Mode)
}

func TestValidateRejectsBadMode(t *testing.T) {
	path := writeTempConfig(t, `
platform:
  mode: "bogus"
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestManagerReloadKeepsOldConfigOnError(t *testing.T) {
	path := writeTempConfig(t, `
platform:
  mode: "tcp"
`)

	mgr, err := NewManager(path)
	require.NoError(t, err)
	require.Equal(t, "tcp", mgr.Current().Platform.Mode)

	require.NoError(t, os.WriteFile(path, []byte(`
platform:
  mode: "bogus"
`), 0o600))

	err = mgr.Reload(path)
	require.Error(t, err)
	require.Equal(t, "tcp", mgr.Current().Platform.Mode, "old config must survive a failed reload")

	require.NoError(t, os.WriteFile(path, []byte(`
platform:
  mode: "l7"
`), 0o600))
	require.NoError(t, mgr.Reload(path))
	require.Equal(t, "l7", mgr.Current().Platform.Mode)
}
