package cli

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/faucetdb/tollgate/internal/config"
	"github.com/faucetdb/tollgate/internal/secret"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage Tollgate configuration",
		Long:  "Initialize a configuration file or display the current effective configuration.",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

// ---------- config init ----------

func newConfigInitCmd() *cobra.Command {
	var (
		force       bool
		interactive bool
		path        string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a tollgate.yaml configuration file",
		Long:  "Write a configuration file with fresh session and encryption secrets. With --interactive the OAuth client credentials are prompted for.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(path, force, interactive)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config file")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Prompt for OAuth client credentials")
	cmd.Flags().StringVar(&path, "path", "tollgate.yaml", "Where to write the file")

	return cmd
}

func runConfigInit(path string, force, interactive bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	cfg := config.DefaultYAMLConfig()

	jwtBytes := make([]byte, 32)
	if _, err := rand.Read(jwtBytes); err != nil {
		return fmt.Errorf("generate session secret: %w", err)
	}
	cfg.Auth.JWTSecret = hex.EncodeToString(jwtBytes)

	key, err := secret.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate encryption key: %w", err)
	}
	cfg.Secret.EncryptionKey = key

	if interactive {
		reader := bufio.NewReader(os.Stdin)
		fmt.Print("OAuth client ID: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read client ID: %w", err)
		}
		cfg.OAuth.ClientID = strings.TrimSpace(line)

		fmt.Print("OAuth client secret: ")
		secretBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("failed to read client secret: %w", err)
		}
		fmt.Println()
		cfg.OAuth.ClientSecret = strings.TrimSpace(string(secretBytes))

		fmt.Print("Public base URL for the OAuth callback (e.g. https://gate.example.com): ")
		line, err = reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read base URL: %w", err)
		}
		cfg.OAuth.RedirectBase = strings.TrimSpace(line)
	}

	if err := config.WriteConfig(path, cfg); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Created %s\n", path)
	fmt.Println("The file holds secrets; keep it out of version control. Then run 'tollgate serve'.")
	return nil
}

// ---------- config show ----------

func newConfigShowCmd() *cobra.Command {
	var reveal bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(reveal)
		},
	}

	cmd.Flags().BoolVar(&reveal, "reveal", false, "Print secrets instead of masking them")

	return cmd
}

func runConfigShow(reveal bool) error {
	configFile := viper.ConfigFileUsed()
	if configFile != "" {
		fmt.Printf("# Config file: %s\n", configFile)
	} else {
		fmt.Println("# Config file: (none found, using defaults and environment)")
	}

	cfg, err := loadSettings()
	if err != nil {
		return err
	}
	if !reveal {
		mask(&cfg.Auth.JWTSecret)
		mask(&cfg.Secret.EncryptionKey)
		mask(&cfg.OAuth.ClientSecret)
		mask(&cfg.Store.DSN)
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}
	fmt.Print(string(out))
	return nil
}

func mask(s *string) {
	if *s != "" {
		*s = "********"
	}
}
