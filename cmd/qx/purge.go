package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/open-mercato/queryindex"
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Soft-delete every index row in a scope",
	Long: `Marks the entity's index rows deleted without touching the base tables.
Queries stop seeing the rows immediately; a later reindex revives them.

Examples:
  qx purge --entity crm:customer --tenant t1
  qx purge --entity crm:customer --tenant t1 --org o1`,
	Run: func(cmd *cobra.Command, args []string) {
		entity, _ := cmd.Flags().GetString("entity")
		tenant, _ := cmd.Flags().GetString("tenant")
		org, _ := cmd.Flags().GetString("org")

		removed, err := core.Purge(rootCtx, queryindex.EntityType(entity), optStr(tenant), optStr(org))
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(map[string]int64{"removed": removed})
			return
		}
		fmt.Printf("purged %d index rows for %s\n", removed, entity)
	},
}

func init() {
	purgeCmd.Flags().String("entity", "", "Entity type, e.g. crm:customer (required)")
	purgeCmd.Flags().String("tenant", "", "Tenant to purge (default: all tenants)")
	purgeCmd.Flags().String("org", "", "Organization to purge (default: all organizations)")
	_ = purgeCmd.MarkFlagRequired("entity")
	rootCmd.AddCommand(purgeCmd)
}
