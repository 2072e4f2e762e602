package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/faucetdb/tollgate/internal/model"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
	}

	cmd.AddCommand(newAuditQueryCmd())
	cmd.AddCommand(newAuditReportCmd())

	return cmd
}

// ---------- audit query ----------

func newAuditQueryCmd() *cobra.Command {
	var (
		owner      string
		types      []string
		severity   string
		since      time.Duration
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "List audit events, newest first",
		Example: `  tollgate audit query --owner user-42 --since 24h
  tollgate audit query --type security.rate_limited,security.quota_exceeded --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := model.AuditFilter{
				ActorID:  owner,
				Severity: model.Severity(severity),
				Limit:    limit,
			}
			for _, t := range types {
				et := model.EventType(strings.TrimSpace(t))
				if !et.Valid() {
					return fmt.Errorf("unknown event type %q", t)
				}
				f.Types = append(f.Types, et)
			}
			if since > 0 {
				f.From = time.Now().Add(-since).UTC()
			}
			return runAuditQuery(f, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Only events for this owner")
	cmd.Flags().StringSliceVar(&types, "type", nil, "Only these event types (comma separated)")
	cmd.Flags().StringVar(&severity, "severity", "", "Only this severity (info, warning, error, critical)")
	cmd.Flags().DurationVar(&since, "since", 0, "Only events newer than this")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of events")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runAuditQuery(f model.AuditFilter, jsonOutput bool) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	events, err := a.audit.Query(context.Background(), f)
	if err != nil {
		return err
	}

	if jsonOutput {
		if events == nil {
			events = []model.AuditEvent{}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	}

	if len(events) == 0 {
		fmt.Println("No audit events found.")
		return nil
	}

	fmt.Printf("%-20s %-28s %-9s %-16s %-7s %s\n", "TIME", "EVENT", "SEVERITY", "ACTOR", "OK", "RESOURCE")
	for _, ev := range events {
		ok := "yes"
		if !ev.Success {
			ok = "no"
		}
		resource := ev.ResourceType
		if ev.ResourceID != "" {
			resource += "/" + ev.ResourceID
		}
		fmt.Printf("%-20s %-28s %-9s %-16s %-7s %s\n",
			ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.Type, ev.Severity, ev.ActorID, ok, resource)
	}
	return nil
}

// ---------- audit report ----------

func newAuditReportCmd() *cobra.Command {
	var (
		owner      string
		since      time.Duration
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "report",
		Short:   "Summarize an owner's audit events",
		Example: `  tollgate audit report --owner user-42 --since 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditReport(owner, since, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner ID (required)")
	cmd.Flags().DurationVar(&since, "since", 30*24*time.Hour, "Report window ending now")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func runAuditReport(owner string, since time.Duration, jsonOutput bool) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var from time.Time
	if since > 0 {
		from = time.Now().Add(-since).UTC()
	}
	rep, err := a.audit.GenerateReport(context.Background(), owner, from, time.Time{})
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	fmt.Printf("Audit report for %s\n", rep.ActorID)
	fmt.Printf("  Window:   %s to %s\n", rep.From.Format(time.RFC3339), rep.To.Format(time.RFC3339))
	fmt.Printf("  Total:    %d\n", rep.Total)
	fmt.Printf("  Failures: %d\n", rep.Failures)

	typeNames := make([]string, 0, len(rep.ByType))
	for t := range rep.ByType {
		typeNames = append(typeNames, string(t))
	}
	sort.Strings(typeNames)
	if len(typeNames) > 0 {
		fmt.Println()
		fmt.Printf("  %-30s %s\n", "EVENT", "COUNT")
		for _, t := range typeNames {
			fmt.Printf("  %-30s %d\n", t, rep.ByType[model.EventType(t)])
		}
	}
	return nil
}
