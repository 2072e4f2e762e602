package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/faucetdb/tollgate/internal/service"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Issue owner session tokens",
		Long:  "Owner session tokens authenticate the /api/v1/owner management API.",
	}
	cmd.AddCommand(newSessionIssueCmd())
	return cmd
}

func newSessionIssueCmd() *cobra.Command {
	var (
		owner string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:     "issue",
		Short:   "Issue a session token for an owner",
		Example: `  tollgate session issue --owner user-42 --ttl 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionIssue(owner, ttl)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner ID (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", service.DefaultSessionTTL, "Token lifetime")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func runSessionIssue(owner string, ttl time.Duration) error {
	cfg, err := loadSettings()
	if err != nil {
		return err
	}
	secret, err := jwtSecret(cfg.Auth, false)
	if err != nil {
		return err
	}
	token, err := service.NewSessionService(secret).IssueSession(owner, ttl)
	if err != nil {
		return fmt.Errorf("issue session: %w", err)
	}
	fmt.Println(token)
	return nil
}
