// Package config holds operator-level configuration for a Warden
// installation: data directory, audit signing key, policy file location,
// worker and watchdog model endpoints, and serving limits.
//
// Everything is set via env vars (WARDEN_*) or a config file
// (warden.config.yaml). Client credentials are NOT configured here — API
// keys live in the policy file and are validated per request.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Viper keys. Each maps to an env var with the WARDEN_ prefix
// (e.g. "signing_key" → WARDEN_SIGNING_KEY) and to a YAML field in
// warden.config.yaml.
const (
	KeyDataDir         = "data_dir"
	KeySigningKey      = "signing_key"
	KeyPolicyFile      = "policy_file"
	KeyListenAddr      = "listen_addr"
	KeyWorkerProvider  = "worker_provider"
	KeyWorkerBaseURL   = "worker_base_url"
	KeyWorkerAPIKey    = "worker_api_key"
	KeyWorkerModel     = "worker_model"
	KeyWatchdogBaseURL = "watchdog_base_url"
	KeyWatchdogAPIKey  = "watchdog_api_key"
	KeyWatchdogModel   = "watchdog_model"
	KeyWatchdogWorkers = "watchdog_workers"
	KeyMaxToolRounds   = "max_tool_rounds"
	KeyRateRPS         = "rate_rps"
	KeyRateBurst       = "rate_burst"
	KeyOTelEnabled     = "otel_enabled"
)

// Defaults that do NOT involve crypto material. The signing key
// intentionally has no baked-in default — when unset we derive a
// deterministic per-machine fallback and warn loudly.
const (
	DefaultPolicyFile      = "warden.policy.yaml"
	DefaultListenAddr      = ":8787"
	DefaultWorkerProvider  = "openai"
	DefaultWorkerModel     = "gpt-4o-mini"
	DefaultWatchdogModel   = "gpt-4o-mini"
	DefaultWatchdogWorkers = 2
	DefaultRateRPS         = 5.0
	DefaultRateBurst       = 10
)

// Config holds resolved operator-level configuration for a Warden process.
type Config struct {
	DataDir         string  // Base directory for all state (~/.warden)
	SigningKey      string  // HMAC-SHA256 key for audit signing (≥32 bytes)
	PolicyFile      string  // Policy file path, resolved under (and confined to) the working directory
	ListenAddr      string  // HTTP listen address
	WorkerProvider  string  // "openai" or "ollama"
	WorkerBaseURL   string  // Worker model endpoint (empty = provider default)
	WorkerAPIKey    string  // Worker model API key
	WorkerModel     string  // Worker model name
	WatchdogBaseURL string  // Watchdog model endpoint
	WatchdogAPIKey  string  // Watchdog model API key
	WatchdogModel   string  // Watchdog model name
	WatchdogWorkers int     // Scoring pool size
	MaxToolRounds   int     // Tool rounds per turn (0 = orchestrator default)
	RateRPS         float64 // Per-key requests per second (0 disables)
	RateBurst       int     // Per-key burst
	OTelEnabled     bool    // Emit stdout traces/metrics

	usingDefaultSigningKey bool
}

// UsingDefaultSigningKey returns true if the audit signing key was derived
// rather than set explicitly.
func (c *Config) UsingDefaultSigningKey() bool {
	return c.usingDefaultSigningKey
}

// AuditDBPath returns the full path to the audit SQLite database.
func (c *Config) AuditDBPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKeys logs a warning when the signing key is not explicitly
// set. Suppressed when WARDEN_QUICKSTART=1 or true.
func (c *Config) WarnIfDefaultKeys() {
	if isQuickstart() {
		return
	}
	if c.usingDefaultSigningKey {
		log.Warn().Msg("Using generated default WARDEN_SIGNING_KEY — set via env var or config file for production")
	}
}

func isQuickstart() bool {
	v := os.Getenv("WARDEN_QUICKSTART")
	return v == "1" || v == "true" || v == "TRUE"
}

func init() {
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

// Load reads configuration from Viper (which merges env vars, config file,
// and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:         resolveDataDir(),
		SigningKey:      viper.GetString(KeySigningKey),
		PolicyFile:      viper.GetString(KeyPolicyFile),
		ListenAddr:      viper.GetString(KeyListenAddr),
		WorkerProvider:  viper.GetString(KeyWorkerProvider),
		WorkerBaseURL:   viper.GetString(KeyWorkerBaseURL),
		WorkerAPIKey:    viper.GetString(KeyWorkerAPIKey),
		WorkerModel:     viper.GetString(KeyWorkerModel),
		WatchdogBaseURL: viper.GetString(KeyWatchdogBaseURL),
		WatchdogAPIKey:  viper.GetString(KeyWatchdogAPIKey),
		WatchdogModel:   viper.GetString(KeyWatchdogModel),
		WatchdogWorkers: viper.GetInt(KeyWatchdogWorkers),
		MaxToolRounds:   viper.GetInt(KeyMaxToolRounds),
		RateRPS:         viper.GetFloat64(KeyRateRPS),
		RateBurst:       viper.GetInt(KeyRateBurst),
		OTelEnabled:     viper.GetBool(KeyOTelEnabled),
	}

	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "audit-signing")
		cfg.usingDefaultSigningKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".warden"
	}
	return filepath.Join(home, ".warden")
}

// deriveDefaultKey produces a deterministic 32-byte fallback key from the
// data directory path and a salt. NOT cryptographically strong — it exists
// solely so `warden serve` works out of the box while still signing records
// with a per-machine-unique key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("warden:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if err := validateSigningKey(c.SigningKey); err != nil {
		return err
	}
	switch c.WorkerProvider {
	case "openai", "ollama":
	default:
		return fmt.Errorf("worker_provider must be openai or ollama (got %q)", c.WorkerProvider)
	}
	if c.WatchdogWorkers <= 0 {
		return fmt.Errorf("watchdog_workers must be positive")
	}
	if c.MaxToolRounds < 0 {
		return fmt.Errorf("max_tool_rounds must not be negative")
	}
	if c.RateRPS < 0 {
		return fmt.Errorf("rate_rps must not be negative")
	}
	return nil
}

// validateSigningKey accepts either ≥32 raw bytes or ≥64 hex characters
// (decoded length ≥32 for HMAC-SHA256).
func validateSigningKey(key string) error {
	n := len(key)
	if n >= 64 && n%2 == 0 && isHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) < 32 {
			return fmt.Errorf("signing_key hex must decode to at least 32 bytes: %w", err)
		}
		return nil
	}
	if n >= 32 {
		return nil
	}
	return fmt.Errorf("signing_key must be at least 32 bytes or 64+ hex characters (got %d); set WARDEN_SIGNING_KEY", n)
}

func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
