package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7070", cfg.Server.ListenAddr)
	require.Equal(t, 10*time.Minute, cfg.Server.SessionIdleTimeout)
	require.Equal(t, "dev", cfg.Version.ID)
	require.Equal(t, TLSOff, cfg.TLS.Mode)
	require.Equal(t, 64, cfg.Cursor.Workers)
	require.Equal(t, "txbridge", cfg.Telemetry.ServiceName)
	require.Equal(t, "info", cfg.Logger.Level)
}

func TestFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen_addr: 0.0.0.0:9000
  session_idle_timeout: 30s
storage:
  path: /var/lib/txbridge/data.db
  no_sync: true
version:
  id: v42
  types_file: types.yaml
logger:
  level: debug
  format: console
`), 0o644))

	t.Setenv("TXBRIDGE_VERSION_ID", "v43")
	t.Setenv("TXBRIDGE_IDENTITY_TOKEN_SECRET", "s3cret")
	t.Setenv("TXBRIDGE_SERVER_RATE_LIMIT", "250")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.Server.ListenAddr)
	require.Equal(t, 30*time.Second, cfg.Server.SessionIdleTimeout)
	require.Equal(t, "/var/lib/txbridge/data.db", cfg.Storage.Path)
	require.True(t, cfg.Storage.NoSync)
	require.Equal(t, "types.yaml", cfg.Version.TypesFile)
	require.Equal(t, "v43", cfg.Version.ID, "env wins over file")
	require.Equal(t, "s3cret", cfg.Identity.TokenSecret)
	require.Equal(t, 250.0, cfg.Server.RateLimit)
	require.Equal(t, "console", cfg.Logger.Format)
}

func TestValidate(t *testing.T) {
	t.Setenv("TXBRIDGE_TLS_MODE", "mtls")
	_, err := Load("")
	require.ErrorContains(t, err, "tls.mode mtls")

	t.Setenv("TXBRIDGE_TLS_MODE", "sometimes")
	_, err = Load("")
	require.ErrorContains(t, err, "unknown tls.mode")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
