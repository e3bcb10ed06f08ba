package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/models"
)

// Duration wraps time.Duration so TOML values and environment variables
// written as "90s" or "24h" parse directly.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Auth configures the JWT adapter. The adapter is active only when this
// block is present with a secret.
type Auth struct {
	ClientID          string   `toml:"client_id"`
	Allowlist         []string `toml:"allowlist"`
	JWTSecret         string   `toml:"jwt_secret"`
	JWTExpirationSecs int64    `toml:"jwt_expiration_secs"`
}

// Signing configures detached GPG signatures on generated databases
type Signing struct {
	KeyPath    string `toml:"key_path"`
	Passphrase string `toml:"passphrase"`
}

// Config is the server configuration. Values load in three layers:
// defaults, then an optional TOML file, then PKG_REPO_* environment
// variables.
type Config struct {
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	MaxPayloadSize  int64    `toml:"max_payload_size"`
	DataPath        string   `toml:"data_path"`
	DefaultRepo     string   `toml:"default_repo"`
	DefaultArch     string   `toml:"default_arch"`
	AutoCleanup     bool     `toml:"auto_cleanup_enabled"`
	ChunkSize       int64    `toml:"chunk_size"`
	SessionTTL      Duration `toml:"session_ttl"`
	CleanupInterval Duration `toml:"cleanup_interval"`
	DBDebounce      Duration `toml:"db_debounce"`
	Auth            *Auth    `toml:"auth"`
	Signing         *Signing `toml:"signing"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Host:            "127.0.0.1",
		Port:            3000,
		MaxPayloadSize:  512 << 20,
		DataPath:        "./data",
		DefaultRepo:     "sw1nn",
		DefaultArch:     "x86_64",
		AutoCleanup:     true,
		ChunkSize:       1 << 20,
		SessionTTL:      Duration{24 * time.Hour},
		CleanupInterval: Duration{time.Hour},
		DBDebounce:      Duration{10 * time.Second},
	}
}

// Load builds the configuration from the optional TOML file at path and
// the environment, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, models.WrapError(models.ErrConfig, err, "failed to load config file %s", path)
		}
		for _, key := range md.Undecoded() {
			logrus.WithField("key", key.String()).Warn("Unknown config key ignored")
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(cfg.DataPath)
	if err != nil {
		return nil, models.WrapError(models.ErrConfig, err, "invalid data path")
	}
	cfg.DataPath = abs

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envString("PKG_REPO_HOST", &c.Host)
	envString("PKG_REPO_DATA_PATH", &c.DataPath)
	envString("PKG_REPO_DEFAULT_REPO", &c.DefaultRepo)
	envString("PKG_REPO_DEFAULT_ARCH", &c.DefaultArch)

	if err := envInt("PKG_REPO_PORT", &c.Port); err != nil {
		return err
	}
	if err := envInt64("PKG_REPO_MAX_PAYLOAD_SIZE", &c.MaxPayloadSize); err != nil {
		return err
	}
	if err := envInt64("PKG_REPO_CHUNK_SIZE", &c.ChunkSize); err != nil {
		return err
	}
	if err := envBool("PKG_REPO_AUTO_CLEANUP", &c.AutoCleanup); err != nil {
		return err
	}
	if err := envDuration("PKG_REPO_SESSION_TTL", &c.SessionTTL); err != nil {
		return err
	}
	if err := envDuration("PKG_REPO_CLEANUP_INTERVAL", &c.CleanupInterval); err != nil {
		return err
	}
	if err := envDuration("PKG_REPO_DB_DEBOUNCE", &c.DBDebounce); err != nil {
		return err
	}

	// The JWT secret is the one auth field that belongs in the
	// environment rather than a file on disk.
	if secret := os.Getenv("PKG_REPO_JWT_SECRET"); secret != "" {
		if c.Auth == nil {
			c.Auth = &Auth{}
		}
		c.Auth.JWTSecret = secret
	}
	return nil
}

// Validate rejects configurations the server cannot run with
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return models.NewError(models.ErrConfig, "port %d out of range", c.Port)
	}
	if c.MaxPayloadSize <= 0 {
		return models.NewError(models.ErrConfig, "max_payload_size must be positive")
	}
	if c.ChunkSize <= 0 {
		return models.NewError(models.ErrConfig, "chunk_size must be positive")
	}
	if c.ChunkSize > c.MaxPayloadSize {
		return models.NewError(models.ErrConfig, "chunk_size exceeds max_payload_size")
	}
	if c.DataPath == "" {
		return models.NewError(models.ErrConfig, "data_path must be set")
	}
	if c.DefaultRepo == "" || c.DefaultArch == "" {
		return models.NewError(models.ErrConfig, "default_repo and default_arch must be set")
	}
	if c.SessionTTL.Duration <= 0 || c.CleanupInterval.Duration <= 0 || c.DBDebounce.Duration <= 0 {
		return models.NewError(models.ErrConfig, "durations must be positive")
	}
	if c.Auth != nil {
		if c.Auth.JWTSecret == "" {
			return models.NewError(models.ErrConfig, "auth.jwt_secret must be set when auth is configured")
		}
		if c.Auth.JWTExpirationSecs == 0 {
			c.Auth.JWTExpirationSecs = 86400
		}
	}
	if c.Signing != nil && c.Signing.KeyPath == "" {
		return models.NewError(models.ErrConfig, "signing.key_path must be set when signing is configured")
	}
	return nil
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// AuthEnabled reports whether the JWT adapter should be mounted
func (c *Config) AuthEnabled() bool {
	return c.Auth != nil && c.Auth.JWTSecret != ""
}

// SigningEnabled reports whether database archives should be signed
func (c *Config) SigningEnabled() bool {
	return c.Signing != nil && c.Signing.KeyPath != ""
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return models.NewError(models.ErrConfig, "invalid %s: %s", key, v)
	}
	*dst = n
	return nil
}

func envInt64(key string, dst *int64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return models.NewError(models.ErrConfig, "invalid %s: %s", key, v)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return models.NewError(models.ErrConfig, "invalid %s: %s", key, v)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return models.NewError(models.ErrConfig, "invalid %s: %s", key, v)
	}
	dst.Duration = d
	return nil
}
