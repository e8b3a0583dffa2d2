package config

import (
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetViper(t *testing.T) {
	t.Helper()
	t.Setenv("WARDEN_SIGNING_KEY", "")
	t.Setenv("WARDEN_DATA_DIR", "")
	t.Setenv("WARDEN_POLICY_FILE", "")
	t.Setenv("WARDEN_WORKER_PROVIDER", "")
	t.Setenv("WARDEN_WORKER_MODEL", "")
	t.Setenv("WARDEN_WATCHDOG_WORKERS", "")
	t.Setenv("WARDEN_RATE_RPS", "")
	viper.Reset()
	viper.SetEnvPrefix("WARDEN")
	viper.AutomaticEnv()
	viper.SetDefault(KeyPolicyFile, DefaultPolicyFile)
	viper.SetDefault(KeyListenAddr, DefaultListenAddr)
	viper.SetDefault(KeyWorkerProvider, DefaultWorkerProvider)
	viper.SetDefault(KeyWorkerModel, DefaultWorkerModel)
	viper.SetDefault(KeyWatchdogModel, DefaultWatchdogModel)
	viper.SetDefault(KeyWatchdogWorkers, DefaultWatchdogWorkers)
	viper.SetDefault(KeyRateRPS, DefaultRateRPS)
	viper.SetDefault(KeyRateBurst, DefaultRateBurst)
}

func TestLoad_Defaults(t *testing.T) {
	resetViper(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPolicyFile, cfg.PolicyFile)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, DefaultWorkerProvider, cfg.WorkerProvider)
	assert.Equal(t, DefaultWatchdogWorkers, cfg.WatchdogWorkers)
	assert.True(t, cfg.UsingDefaultSigningKey(), "should report a derived key when none is set")
	assert.True(t, len(cfg.SigningKey) >= 32)
}

func TestLoad_ExplicitSigningKey(t *testing.T) {
	resetViper(t)
	t.Setenv("WARDEN_SIGNING_KEY", "my-signing-key-at-least-32-chars!")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "my-signing-key-at-least-32-chars!", cfg.SigningKey)
	assert.False(t, cfg.UsingDefaultSigningKey())
}

func TestLoad_InvalidSigningKeyLength(t *testing.T) {
	resetViper(t)
	t.Setenv("WARDEN_SIGNING_KEY", "short")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signing_key must be at least 32 bytes")
}

func TestLoad_HexSigningKey(t *testing.T) {
	resetViper(t)
	t.Setenv("WARDEN_SIGNING_KEY", "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef")

	_, err := Load()
	require.NoError(t, err)
}

func TestLoad_InvalidWorkerProvider(t *testing.T) {
	resetViper(t)
	t.Setenv("WARDEN_WORKER_PROVIDER", "bedrock")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker_provider")
}

func TestLoad_CustomDataDir(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	t.Setenv("WARDEN_DATA_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "audit.db"), cfg.AuditDBPath())
}

func TestDerivedKeyIsDeterministic(t *testing.T) {
	a := deriveDefaultKey("/data", "audit-signing")
	b := deriveDefaultKey("/data", "audit-signing")
	c := deriveDefaultKey("/other", "audit-signing")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64, "hex-encoded SHA-256")
}
