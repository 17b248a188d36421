package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/open-mercato/queryindex"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the index for an entity",
	Long: `Scans the base table in ascending-id chunks, rewrites every index row and
its tokens, sweeps orphaned rows, and finishes with an authoritative
coverage recount. Without --tenant the pass covers every tenant.

Examples:
  qx reindex --entity crm:customer --tenant t1
  qx reindex --entity crm:customer --tenant t1 --org o1 --partitions 4
  qx reindex --entity crm:customer --force --reset-coverage`,
	Run: func(cmd *cobra.Command, args []string) {
		entity, _ := cmd.Flags().GetString("entity")
		tenant, _ := cmd.Flags().GetString("tenant")
		org, _ := cmd.Flags().GetString("org")
		partitions, _ := cmd.Flags().GetInt("partitions")
		force, _ := cmd.Flags().GetBool("force")
		resetCoverage, _ := cmd.Flags().GetBool("reset-coverage")
		batchSize, _ := cmd.Flags().GetInt("batch-size")

		req := queryindex.ReindexRequest{
			EntityType:     queryindex.EntityType(entity),
			TenantID:       optStr(tenant),
			OrganizationID: optStr(org),
			Force:          force,
			ResetCoverage:  resetCoverage,
			BatchSize:      batchSize,
		}
		effective := partitions
		if effective < 1 {
			effective = core.Config().ReindexPartitions
		}
		// Parallel partitions report progress concurrently, so the live
		// counter only shows for single-partition passes.
		if !jsonOutput && effective <= 1 {
			req.OnProgress = func(processed, total int64) {
				fmt.Fprintf(os.Stderr, "\rindexed %d/%d", processed, total)
			}
		}

		res, err := core.Reindex(rootCtx, req, partitions)
		if req.OnProgress != nil && res.Processed > 0 {
			fmt.Fprintln(os.Stderr)
		}
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(res)
			return
		}
		if res.Skipped {
			fmt.Printf("skipped: a pass is already running on this scope (use --force to override)\n")
			return
		}
		fmt.Printf("reindexed %s: %d of %d rows, %d orphans removed\n", entity, res.Processed, res.Total, res.Orphans)
	},
}

func init() {
	reindexCmd.Flags().String("entity", "", "Entity type, e.g. crm:customer (required)")
	reindexCmd.Flags().String("tenant", "", "Tenant to reindex (default: all tenants)")
	reindexCmd.Flags().String("org", "", "Organization to reindex (default: all organizations)")
	reindexCmd.Flags().Int("partitions", 0, "Parallel hash partitions (default: QUERY_INDEX_PARTITIONS)")
	reindexCmd.Flags().Bool("force", false, "Skip the active-job preflight")
	reindexCmd.Flags().Bool("reset-coverage", false, "Zero coverage snapshots first; with --force also clears indexed rows")
	reindexCmd.Flags().Int("batch-size", 0, "Rows per chunk (default: QUERY_INDEX_BATCH_SIZE)")
	_ = reindexCmd.MarkFlagRequired("entity")
	rootCmd.AddCommand(reindexCmd)
}
