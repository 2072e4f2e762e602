package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/faucetdb/tollgate/internal/audit"
	"github.com/faucetdb/tollgate/internal/config"
	"github.com/faucetdb/tollgate/internal/model"
	"github.com/faucetdb/tollgate/internal/secret"
	"github.com/faucetdb/tollgate/internal/service"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// registerDefaults teaches viper every known key so that TOLLGATE_*
// environment variables resolve even when no config file sets them.
func registerDefaults() {
	data, err := yaml.Marshal(config.DefaultYAMLConfig())
	if err != nil {
		return
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return
	}
	setDefaults("", tree)
}

func setDefaults(prefix string, m map[string]interface{}) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]interface{}); ok {
			setDefaults(key, sub)
			continue
		}
		viper.SetDefault(key, v)
	}
}

// loadSettings decodes the effective configuration (defaults, file, env).
func loadSettings() (*config.YAMLConfig, error) {
	cfg := config.DefaultYAMLConfig()
	err := viper.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	})
	if err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	if dataDir != "" {
		cfg.Store.DataDir = dataDir
	}
	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = defaultDataDir()
	}
	return cfg, nil
}

func defaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tollgate")
}

// openStore opens the configured store.
func openStore(cfg *config.YAMLConfig) (*config.Store, error) {
	if cfg.Store.Driver == config.DriverPostgres {
		if cfg.Store.DSN == "" {
			return nil, fmt.Errorf("store.dsn is required for the postgres driver")
		}
		return config.Open(config.DriverPostgres, cfg.Store.DSN)
	}
	return config.NewStore(cfg.Store.DataDir)
}

// newLogger builds the process logger from logging.level/logging.format.
// --dev forces debug level.
func newLogger(cfg config.LoggingConfig, dev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if dev {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func auditConfig(cfg config.AuditConfig) audit.Config {
	d := audit.DefaultConfig()
	return audit.Config{
		FlushInterval:    config.Duration(cfg.FlushInterval, d.FlushInterval),
		BatchSize:        cfg.BatchSize,
		QueueSize:        cfg.QueueSize,
		FailureThreshold: cfg.FailureThreshold,
		WriteTimeout:     d.WriteTimeout,
	}
}

// codec builds the secret codec from secret.encryption_key. In dev mode a
// missing key is replaced by an ephemeral one.
func codec(cfg config.SecretConfig, dev bool, logger *slog.Logger) (*secret.Codec, error) {
	key := cfg.EncryptionKey
	if key == "" {
		if !dev {
			return nil, fmt.Errorf("secret.encryption_key is required (generate one with 'tollgate secret keygen')")
		}
		generated, err := secret.GenerateKey()
		if err != nil {
			return nil, err
		}
		logger.Warn("no encryption key configured, using an ephemeral key; stored tokens will be unreadable after restart")
		key = generated
	}
	raw, err := secret.ParseKey(key)
	if err != nil {
		return nil, fmt.Errorf("secret.encryption_key: %w", err)
	}
	return secret.NewCodec(raw)
}

// jwtSecret returns auth.jwt_secret. In dev mode a missing secret falls
// back to a fixed development value.
func jwtSecret(cfg config.AuthConfig, dev bool) (string, error) {
	if cfg.JWTSecret != "" {
		return cfg.JWTSecret, nil
	}
	if dev {
		return "tollgate-dev-secret-change-me", nil
	}
	return "", fmt.Errorf("auth.jwt_secret is required (set TOLLGATE_AUTH_JWT_SECRET)")
}

// app bundles the components the operator commands share.
type app struct {
	cfg    *config.YAMLConfig
	logger *slog.Logger
	store  *config.Store
	audit  *audit.Logger
	keys   *service.KeyService
	quota  *service.QuotaService
}

// openApp loads settings and opens the store-backed services.
func openApp() (*app, error) {
	cfg, err := loadSettings()
	if err != nil {
		return nil, err
	}
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: cfg.Logging.Format}, false)
	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	al := audit.New(store, auditConfig(cfg.Audit), logger)
	return &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		audit:  al,
		keys: service.NewKeyService(store, al, service.KeyConfig{
			HashCost: cfg.Auth.BcryptCost,
			MaxKeys:  cfg.Auth.MaxAPIKeys,
		}, logger),
		quota: service.NewQuotaService(store, logger),
	}, nil
}

// Close flushes pending audit events and releases the store.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.keys.Close()
	if err := a.audit.Close(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: audit flush failed: %v\n", err)
	}
	a.store.Close()
}

// --- PID file management ---

func pidFilePath() string {
	dir := dataDir
	if dir == "" {
		dir = viper.GetString("store.data_dir")
	}
	if dir == "" {
		dir = defaultDataDir()
	}
	return filepath.Join(dir, "tollgate.pid")
}

func writePID(pid int) error {
	if err := os.MkdirAll(filepath.Dir(pidFilePath()), 0755); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(pid)), 0644)
}

func readPID() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePID() {
	os.Remove(pidFilePath())
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}

// planTiers lists the known tiers in a stable order for help text.
func planTiers() string {
	return strings.Join([]string{model.TierFree, model.TierStarter, model.TierPro, model.TierBusiness, model.TierEnterprise}, ", ")
}
