package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/faucetdb/tollgate/internal/model"
	"github.com/faucetdb/tollgate/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, rotate, and revoke API keys on behalf of an owner.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	cmd.AddCommand(newKeyRotateCmd())

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		owner   string
		name    string
		env     string
		expires time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Generate a new API key for an owner. The raw key is shown once and cannot be retrieved again.",
		Example: `  tollgate key create --owner user-42 --name "CI pipeline"
  tollgate key create --owner user-42 --name staging --env test --expires 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyCreate(owner, name, env, expires)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner ID (required)")
	cmd.Flags().StringVar(&name, "name", "", "Human-readable name for the key (required)")
	cmd.Flags().StringVar(&env, "env", model.EnvironmentLive, "Key environment: live or test")
	cmd.Flags().DurationVar(&expires, "expires", 0, "Expire the key after this duration (default never)")
	cmd.MarkFlagRequired("owner")
	cmd.MarkFlagRequired("name")

	return cmd
}

func runKeyCreate(owner, name, env string, expires time.Duration) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	in := service.CreateKeyInput{OwnerID: owner, Name: name, Environment: env}
	if expires > 0 {
		at := time.Now().Add(expires).UTC()
		in.ExpiresAt = &at
	}
	plaintext, key, err := a.keys.Create(context.Background(), in)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	fmt.Println("API Key created:")
	fmt.Println()
	fmt.Printf("  Key:   %s\n", plaintext)
	fmt.Printf("  ID:    %d\n", key.ID)
	fmt.Printf("  Owner: %s\n", key.OwnerID)
	fmt.Printf("  Name:  %s\n", key.Name)
	if key.ExpiresAt != nil {
		fmt.Printf("  Expires: %s\n", key.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		owner      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List an owner's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(owner, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner ID (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func runKeyList(owner string, jsonOutput bool) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	keys, err := a.keys.List(context.Background(), owner)
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	if jsonOutput {
		if keys == nil {
			keys = []model.APIKey{}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(keys)
	}

	if len(keys) == 0 {
		fmt.Println("No API keys for this owner. Use 'tollgate key create' to create one.")
		return nil
	}

	now := time.Now()
	fmt.Printf("%-6s %-18s %-20s %-6s %-8s %-10s\n", "ID", "PREFIX", "NAME", "ENV", "STATUS", "USES")
	fmt.Printf("%-6s %-18s %-20s %-6s %-8s %-10s\n", "--", "------", "----", "---", "------", "----")
	for i := range keys {
		k := &keys[i]
		status := "active"
		switch {
		case !k.IsActive:
			status = "revoked"
		case !k.Usable(now):
			status = "expired"
		}
		fmt.Printf("%-6d %-18s %-20s %-6s %-8s %-10d\n", k.ID, k.KeyPrefix, k.Name, k.Environment, status, k.UsageCount)
	}

	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	var (
		owner  string
		reason string
		purge  bool
	)

	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key by its ID",
		Long:  "Deactivate an API key, preventing any further authenticated requests using that key. With --purge the key is deleted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(args[0], owner, reason, purge)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner ID (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the revocation")
	cmd.Flags().BoolVar(&purge, "purge", false, "Delete the key instead of revoking it")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func runKeyRevoke(idStr, owner, reason string, purge bool) error {
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid key ID %q", idStr)
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	if purge {
		if err := a.keys.Purge(ctx, id, owner); err != nil {
			return fmt.Errorf("purge api key: %w", err)
		}
		fmt.Printf("Deleted API key %d\n", id)
		return nil
	}
	if err := a.keys.Revoke(ctx, id, owner, reason); err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	fmt.Printf("Revoked API key %d\n", id)
	return nil
}

// ---------- key rotate ----------

func newKeyRotateCmd() *cobra.Command {
	var (
		owner string
		name  string
	)

	cmd := &cobra.Command{
		Use:   "rotate <id>",
		Short: "Replace an API key with a new one",
		Long:  "Revoke an API key and issue a replacement with the same environment and expiry. The new raw key is shown once.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRotate(args[0], owner, name)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner ID (required)")
	cmd.Flags().StringVar(&name, "name", "", "Name for the new key (default keeps the old name)")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func runKeyRotate(idStr, owner, name string) error {
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid key ID %q", idStr)
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	plaintext, key, err := a.keys.Rotate(context.Background(), id, owner, name)
	if err != nil {
		return fmt.Errorf("rotate api key: %w", err)
	}

	fmt.Printf("API key %d rotated:\n", id)
	fmt.Println()
	fmt.Printf("  Key:  %s\n", plaintext)
	fmt.Printf("  ID:   %d\n", key.ID)
	fmt.Printf("  Name: %s\n", key.Name)
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}
