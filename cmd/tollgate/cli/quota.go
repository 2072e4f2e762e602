package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newQuotaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Manage owner plans and quota windows",
	}

	cmd.AddCommand(newQuotaAssignCmd())
	cmd.AddCommand(newQuotaAccessCmd())
	cmd.AddCommand(newQuotaShowCmd())
	cmd.AddCommand(newQuotaRolloverCmd())

	return cmd
}

// ---------- quota assign ----------

func newQuotaAssignCmd() *cobra.Command {
	var (
		owner   string
		tier    string
		overage bool
	)

	cmd := &cobra.Command{
		Use:     "assign",
		Short:   "Assign a plan tier to an owner",
		Long:    "Create or update the owner's quota window for the current month. Known tiers: " + planTiers() + ".",
		Example: `  tollgate quota assign --owner user-42 --tier pro`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuotaAssign(owner, tier, overage)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner ID (required)")
	cmd.Flags().StringVar(&tier, "tier", "", "Plan tier (required)")
	cmd.Flags().BoolVar(&overage, "overage", false, "Allow usage beyond the monthly limit")
	cmd.MarkFlagRequired("owner")
	cmd.MarkFlagRequired("tier")

	return cmd
}

func runQuotaAssign(owner, tier string, overage bool) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	q, err := a.quota.AssignPlan(context.Background(), owner, tier, overage)
	if err != nil {
		return fmt.Errorf("assign plan: %w", err)
	}
	fmt.Printf("Assigned %s to %s (limit %s, period ends %s)\n",
		q.PlanTier, q.OwnerID, limitString(q.MonthlyLimit), q.PeriodEnd.Format(time.RFC3339))
	return nil
}

// ---------- quota access ----------

func newQuotaAccessCmd() *cobra.Command {
	var (
		owner   string
		enabled bool
	)

	cmd := &cobra.Command{
		Use:   "access",
		Short: "Enable or disable API access for an owner",
		Example: `  tollgate quota access --owner user-42 --enabled=false
  tollgate quota access --owner user-42 --enabled`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuotaAccess(owner, enabled)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner ID (required)")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "Whether API access is allowed")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func runQuotaAccess(owner string, enabled bool) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.quota.SetAPIAccess(context.Background(), owner, enabled); err != nil {
		return fmt.Errorf("set api access: %w", err)
	}
	state := "enabled"
	if !enabled {
		state = "disabled"
	}
	fmt.Printf("API access %s for %s\n", state, owner)
	return nil
}

// ---------- quota show ----------

func newQuotaShowCmd() *cobra.Command {
	var (
		owner      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show an owner's current quota window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuotaShow(owner, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner ID (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func runQuotaShow(owner string, jsonOutput bool) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	q, err := a.quota.GetCurrentQuota(context.Background(), owner)
	if err != nil {
		return fmt.Errorf("get quota: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(q)
	}

	fmt.Printf("Owner:      %s\n", q.OwnerID)
	fmt.Printf("Plan:       %s\n", q.PlanTier)
	fmt.Printf("Used:       %d / %s\n", q.Used, limitString(q.MonthlyLimit))
	fmt.Printf("Overage:    %v (%d over)\n", q.OverageAllowed, q.Overage())
	fmt.Printf("API access: %v\n", q.APIAccess)
	fmt.Printf("Max keys:   %d\n", q.KeyCeiling())
	fmt.Printf("Period:     %s to %s\n", q.PeriodStart.Format(time.RFC3339), q.PeriodEnd.Format(time.RFC3339))
	return nil
}

// ---------- quota rollover ----------

func newQuotaRolloverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollover",
		Short: "Reset every quota window whose period has ended",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.quota.Rollover(context.Background())
			if err != nil {
				return fmt.Errorf("rollover: %w", err)
			}
			fmt.Printf("Rolled over %d quota window(s)\n", n)
			return nil
		},
	}
}

func limitString(n int64) string {
	if n < 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d", n)
}
