package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/open-mercato/queryindex"
)

var coverageCmd = &cobra.Command{
	Use:   "coverage",
	Short: "Inspect or refresh coverage snapshots",
	Long: `Coverage snapshots pair the base-table row count with the indexed row
count per entity and scope. The planner reads them to decide whether a
query can trust the index.`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

var coverageShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored coverage snapshot",
	Run: func(cmd *cobra.Command, args []string) {
		entity, tenant, org := coverageScope(cmd)
		scope := queryindex.Scope{TenantID: tenant, OrganizationID: optStr(org)}

		row, err := core.ReadCoverage(rootCtx, queryindex.EntityType(entity), scope)
		if err != nil {
			fail(err)
		}
		if row == nil {
			if jsonOutput {
				outputJSON(nil)
				return
			}
			fmt.Printf("no coverage snapshot for %s yet; run qx coverage refresh\n", entity)
			return
		}
		printCoverage(entity, row)
	},
}

var coverageRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Recount the scope and store a fresh snapshot",
	Run: func(cmd *cobra.Command, args []string) {
		entity, tenant, org := coverageScope(cmd)
		scope := queryindex.Scope{TenantID: tenant, OrganizationID: optStr(org)}

		row, err := core.RefreshCoverage(rootCtx, queryindex.EntityType(entity), scope)
		if err != nil {
			fail(err)
		}
		printCoverage(entity, row)
	},
}

func coverageScope(cmd *cobra.Command) (entity, tenant, org string) {
	entity, _ = cmd.Flags().GetString("entity")
	tenant, _ = cmd.Flags().GetString("tenant")
	org, _ = cmd.Flags().GetString("org")
	return entity, tenant, org
}

func printCoverage(entity string, row *queryindex.CoverageRow) {
	if jsonOutput {
		outputJSON(row)
		return
	}
	fmt.Printf("%s: %d of %d rows indexed (refreshed %s)\n",
		entity, row.IndexedCount, row.BaseCount, row.RefreshedAt.Format("2006-01-02 15:04:05"))
	if row.VectorIndexedCount > 0 {
		fmt.Printf("vector side: %d rows\n", row.VectorIndexedCount)
	}
}

func init() {
	for _, c := range []*cobra.Command{coverageShowCmd, coverageRefreshCmd} {
		c.Flags().String("entity", "", "Entity type, e.g. crm:customer (required)")
		c.Flags().String("tenant", "", "Tenant scope (required)")
		c.Flags().String("org", "", "Organization scope")
		_ = c.MarkFlagRequired("entity")
		_ = c.MarkFlagRequired("tenant")
		coverageCmd.AddCommand(c)
	}
	rootCmd.AddCommand(coverageCmd)
}
