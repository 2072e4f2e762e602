package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/faucetdb/tollgate/internal/audit"
	"github.com/faucetdb/tollgate/internal/config"
	"github.com/faucetdb/tollgate/internal/idp"
	"github.com/faucetdb/tollgate/internal/ratelimit"
	"github.com/faucetdb/tollgate/internal/retry"
	"github.com/faucetdb/tollgate/internal/server"
	"github.com/faucetdb/tollgate/internal/server/middleware"
	"github.com/faucetdb/tollgate/internal/service"
)

const banner = `
 _____     _ _             _
|_   _|__ | | | __ _  __ _| |_ ___
  | |/ _ \| | |/ _' |/ _' | __/ _ \
  | | (_) | | | (_| | (_| | ||  __/
  |_|\___/|_|_|\__, |\__,_|\__\___|
               |___/
`

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
		dev  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Tollgate API server",
		Long:  "Start the HTTP server that exposes the owner management API, the OAuth callback and the gate-protected routes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(dev)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (debug logging, ephemeral secrets allowed)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(dev bool) error {
	fmt.Print(banner)
	fmt.Println()

	cfg, err := loadSettings()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, dev)

	// 1. Store
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer store.Close()
	logger.Info("store initialized", "driver", store.Driver(), "data_dir", cfg.Store.DataDir)

	// 2. Secrets
	sessionSecret, err := jwtSecret(cfg.Auth, dev)
	if err != nil {
		return err
	}
	tokenCodec, err := codec(cfg.Secret, dev, logger)
	if err != nil {
		return err
	}

	// 3. Services
	auditLog := audit.New(store, auditConfig(cfg.Audit), logger)
	keys := service.NewKeyService(store, auditLog, service.KeyConfig{
		HashCost: cfg.Auth.BcryptCost,
		MaxKeys:  cfg.Auth.MaxAPIKeys,
	}, logger)
	quota := service.NewQuotaService(store, logger)

	window := config.Duration(cfg.RateLimit.Window, time.Minute)
	limiter, err := ratelimit.New(ratelimit.NewMemoryStore(), tiers(cfg.RateLimit.Tiers), window, ratelimit.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init rate limiter: %w", err)
	}

	provider := idp.NewOAuth2Provider(idp.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURL:  strings.TrimRight(cfg.OAuth.RedirectBase, "/") + "/oauth/callback",
		Scopes:       cfg.OAuth.Scopes,
		AuthURL:      cfg.OAuth.AuthURL,
		TokenURL:     cfg.OAuth.TokenURL,
		RevokeURL:    cfg.OAuth.RevokeURL,
		UserInfoURL:  cfg.OAuth.UserInfoURL,
	})
	if cfg.OAuth.ClientID == "" {
		logger.Warn("oauth.client_id is not set; OAuth connections will fail")
	}
	vault := service.NewTokenVault(store, tokenCodec, provider, auditLog, service.VaultConfig{
		RefreshBuffer:   config.Duration(cfg.OAuth.RefreshBuffer, 5*time.Minute),
		ProviderTimeout: config.Duration(cfg.OAuth.Timeout, 10*time.Second),
		Retry: retry.Policy{
			MaxAttempts: cfg.OAuth.MaxRefreshRetries,
			Backoff:     config.Duration(cfg.OAuth.RetryBackoff, time.Second),
		},
	}, logger)

	// 4. HTTP server
	srvCfg := server.DefaultConfig()
	srvCfg.Host = viper.GetString("server.host")
	srvCfg.Port = viper.GetInt("server.port")
	srvCfg.ShutdownTimeout = config.Duration(cfg.Server.ShutdownTimeout, 30*time.Second)
	if len(cfg.Server.CORS.Origins) > 0 {
		srvCfg.CORSOrigins = cfg.Server.CORS.Origins
	}
	srvCfg.Gate = middleware.GateConfig{APIKeyHeader: cfg.Auth.APIKeyHeader}

	srv := server.New(srvCfg, server.Deps{
		Store:    store,
		Keys:     keys,
		Quota:    quota,
		Vault:    vault,
		Sessions: service.NewSessionService(sessionSecret),
		Limiter:  limiter,
		Audit:    auditLog,
	}, logger)

	if err := writePID(os.Getpid()); err != nil {
		logger.Warn("failed to write PID file", "path", pidFilePath(), "error", err)
	}
	defer removePID()

	fmt.Printf("→ Tollgate %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", srvCfg.Host, srvCfg.Port)
	fmt.Printf("→ Owner API:  http://%s:%d/api/v1/owner\n", srvCfg.Host, srvCfg.Port)
	fmt.Printf("→ Health:     http://%s:%d/healthz\n", srvCfg.Host, srvCfg.Port)
	fmt.Printf("→ Metrics:    http://%s:%d/metrics\n", srvCfg.Host, srvCfg.Port)
	fmt.Println()

	return srv.ListenAndServe()
}

// tiers merges configured tier limits over the built-in plan table.
func tiers(configured map[string]int) map[string]int {
	out := ratelimit.DefaultTiers()
	for name, n := range configured {
		if n > 0 {
			out[name] = n
		}
	}
	return out
}
