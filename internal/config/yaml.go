package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the top-level tollgate configuration file.
type YAMLConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Secret    SecretConfig    `yaml:"secret"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	Audit     AuditConfig     `yaml:"audit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string     `yaml:"host"`
	Port            int        `yaml:"port"`
	ShutdownTimeout string     `yaml:"shutdown_timeout"`
	CORS            CORSConfig `yaml:"cors"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
	Methods []string `yaml:"methods"`
}

// StoreConfig selects the relational store backing keys, quotas, tokens and
// audit events.
type StoreConfig struct {
	Driver  string `yaml:"driver"`   // sqlite or postgres
	DSN     string `yaml:"dsn"`      // postgres only
	DataDir string `yaml:"data_dir"` // sqlite only
}

// SecretConfig holds the at-rest encryption key for OAuth tokens.
type SecretConfig struct {
	EncryptionKey string `yaml:"encryption_key"` // 32 bytes, base64 or hex
}

// AuthConfig controls API key issuance and owner sessions.
type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	SessionExpiry string `yaml:"session_expiry"`
	MaxAPIKeys    int    `yaml:"max_api_keys"`
	BcryptCost    int    `yaml:"bcrypt_cost"`
	APIKeyHeader  string `yaml:"api_key_header"`
}

// RateLimitConfig maps plan tiers to requests per window.
type RateLimitConfig struct {
	Window string         `yaml:"window"`
	Tiers  map[string]int `yaml:"tiers"`
}

// OAuthConfig configures the identity provider and the token vault.
type OAuthConfig struct {
	ClientID          string   `yaml:"client_id"`
	ClientSecret      string   `yaml:"client_secret"`
	RedirectBase      string   `yaml:"redirect_base"`
	Scopes            []string `yaml:"scopes"`
	AuthURL           string   `yaml:"auth_url"`
	TokenURL          string   `yaml:"token_url"`
	RevokeURL         string   `yaml:"revoke_url"`
	UserInfoURL       string   `yaml:"userinfo_url"`
	RefreshBuffer     string   `yaml:"refresh_buffer"`
	MaxRefreshRetries int      `yaml:"max_refresh_retries"`
	RetryBackoff      string   `yaml:"retry_backoff"`
	Timeout           string   `yaml:"timeout"`
}

// AuditConfig controls the asynchronous audit pipeline.
type AuditConfig struct {
	FlushInterval    string `yaml:"flush_interval"`
	BatchSize        int    `yaml:"batch_size"`
	QueueSize        int    `yaml:"queue_size"`
	FailureThreshold int    `yaml:"failure_threshold"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadYAMLConfig reads and parses a YAML configuration file on top of the
// defaults. Environment variables referenced as ${VAR_NAME} in the file are
// expanded before parsing.
func LoadYAMLConfig(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables: ${VAR_NAME}
	content := os.ExpandEnv(string(data))

	cfg := DefaultYAMLConfig()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// DefaultYAMLConfig returns a YAMLConfig pre-filled with sensible defaults.
func DefaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			CORS: CORSConfig{
				Origins: []string{"*"},
				Methods: []string{"GET", "POST", "DELETE"},
			},
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
		},
		Auth: AuthConfig{
			SessionExpiry: "24h",
			MaxAPIKeys:    3,
			BcryptCost:    12,
			APIKeyHeader:  "X-API-Key",
		},
		RateLimit: RateLimitConfig{
			Window: "1m",
			Tiers: map[string]int{
				"free":       10,
				"starter":    30,
				"pro":        60,
				"business":   90,
				"enterprise": 120,
			},
		},
		OAuth: OAuthConfig{
			Scopes:            []string{"openid", "email", "profile"},
			AuthURL:           "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:          "https://oauth2.googleapis.com/token",
			RevokeURL:         "https://oauth2.googleapis.com/revoke",
			UserInfoURL:       "https://openidconnect.googleapis.com/v1/userinfo",
			RefreshBuffer:     "5m",
			MaxRefreshRetries: 3,
			RetryBackoff:      "1s",
			Timeout:           "10s",
		},
		Audit: AuditConfig{
			FlushInterval:    "5s",
			BatchSize:        100,
			QueueSize:        10000,
			FailureThreshold: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// WriteConfig writes cfg to a YAML file. The file may hold secrets, so it
// is created owner-readable only.
func WriteConfig(path string, cfg *YAMLConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	return WriteConfig(path, DefaultYAMLConfig())
}

// Duration parses a duration setting, returning fallback when s is empty or
// malformed.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
