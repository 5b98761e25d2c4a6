package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"PORT", "AGORA_PORT", "AGORA_DATA_DIR", "AGORA_SECRET", "AGORA_LOG_LEVEL", "AGORA_LOG_FORMAT", "AGORA_ATTEST_URL", "AGORA_CONFIG"} {
		t.Setenv(k, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, 3, cfg.Governance.CompoundThreshold)
	require.Equal(t, 5, cfg.Governance.BaseThreshold)
	require.Equal(t, 7*24*time.Hour, cfg.Governance.CompoundExpiry)
	require.Equal(t, 30*time.Second, cfg.Sequences.Window)
}

func TestFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "agora.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9000"
data_dir: /var/lib/agora
governance:
  base_threshold: 7
  base_expiry: 72h
sequences:
  window: 45s
cors_origins: ["https://example.org"]
`), 0o644))

	t.Setenv("AGORA_PORT", "9100")
	t.Setenv("AGORA_SECRET", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "9100", cfg.Port)
	require.Equal(t, "/var/lib/agora", cfg.DataDir)
	require.Equal(t, "s3cret", cfg.Secret)
	require.Equal(t, 7, cfg.Governance.BaseThreshold)
	require.Equal(t, 3, cfg.Governance.CompoundThreshold)
	require.Equal(t, 72*time.Hour, cfg.Governance.BaseExpiry)
	require.Equal(t, 45*time.Second, cfg.Sequences.Window)
	require.Equal(t, []string{"https://example.org"}, cfg.CORSOrigins)
}

func TestConfigFromEnvPath(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "agora.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: \"7000\"\n"), 0o644))
	t.Setenv("AGORA_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "7000", cfg.Port)
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("governance:\n  reject_threshold: 0\n"), 0o644))
	_, err = Load(path)
	require.ErrorContains(t, err, "reject_threshold")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Sequences.Window = 0
	cfg.RateLimit.Requests = -1
	cfg.Log.Format = "xml"
	err := cfg.Validate()
	require.ErrorContains(t, err, "sequences.window")
	require.ErrorContains(t, err, "rate_limit.requests")
	require.ErrorContains(t, err, "log.format")
}
