package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/open-mercato/queryindex"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report index coverage per entity",
	Long: `Prints one line per registered entity with its indexed/base counts and
whether the index is in sync for the tenant. --refresh recounts coverage
before reporting; --logs attaches the newest error and status entries.

Examples:
  qx status --tenant t1
  qx status --tenant t1 --org o1 --refresh
  qx status --tenant t1 --logs --json`,
	Run: func(cmd *cobra.Command, args []string) {
		tenant, _ := cmd.Flags().GetString("tenant")
		org, _ := cmd.Flags().GetString("org")
		refresh, _ := cmd.Flags().GetBool("refresh")
		logs, _ := cmd.Flags().GetBool("logs")
		logLimit, _ := cmd.Flags().GetInt("log-limit")

		report, err := core.Status(rootCtx, queryindex.StatusOptions{
			TenantID:       tenant,
			OrganizationID: optStr(org),
			ForceRefresh:   refresh,
			IncludeLogs:    logs,
			LogLimit:       logLimit,
		})
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(report)
			return
		}

		for _, item := range report.Items {
			state := "OK"
			if !item.OK {
				state = "OUT OF SYNC"
			}
			line := fmt.Sprintf("%-30s %12s  %s", item.Label, countPair(item.IndexCount, item.BaseCount), state)
			if item.Job != nil && item.Job.Status != "idle" {
				line += fmt.Sprintf("  [%s %d/%d]", item.Job.Status, item.Job.ProcessedCount, item.Job.TotalCount)
			}
			fmt.Println(line)
		}
		if len(report.Errors) > 0 {
			fmt.Printf("\nRecent errors:\n")
			for _, e := range report.Errors {
				fmt.Printf("  %s %s/%s: %s\n", e.OccurredAt.Format("2006-01-02 15:04:05"), e.Source, e.Handler, e.Message)
			}
		}
		if len(report.Logs) > 0 {
			fmt.Printf("\nRecent activity:\n")
			for _, e := range report.Logs {
				fmt.Printf("  %s %s/%s: %s\n", e.OccurredAt.Format("2006-01-02 15:04:05"), e.Source, e.Handler, e.Message)
			}
		}
	},
}

// countPair renders "indexed/base" with "-" for counts that are unknown.
func countPair(indexed, base *int64) string {
	left, right := "-", "-"
	if indexed != nil {
		left = fmt.Sprintf("%d", *indexed)
	}
	if base != nil {
		right = fmt.Sprintf("%d", *base)
	}
	return left + "/" + right
}

func init() {
	statusCmd.Flags().String("tenant", "", "Tenant to report on (required)")
	statusCmd.Flags().String("org", "", "Restrict to one organization")
	statusCmd.Flags().Bool("refresh", false, "Recount coverage before reporting")
	statusCmd.Flags().Bool("logs", false, "Include recent error and status log entries")
	statusCmd.Flags().Int("log-limit", 0, "Maximum log entries to include (default 20)")
	_ = statusCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(statusCmd)
}
