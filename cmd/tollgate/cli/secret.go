package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/faucetdb/tollgate/internal/secret"
)

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage encryption keys",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "keygen",
		Short: "Generate a new token encryption key",
		Long:  "Print a random 256-bit key suitable for secret.encryption_key (TOLLGATE_SECRET_ENCRYPTION_KEY).",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := secret.GenerateKey()
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	})
	return cmd
}
