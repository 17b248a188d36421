package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Schema bootstrap runs whenever the store opens, so the command body only
// has to confirm that opening succeeded.
var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Create or migrate the query-index tables",
	Long: `Connects to DATABASE_URL and applies the query-index schema: the index,
token, coverage, job and log tables plus their indexes. Safe to run
repeatedly; an up-to-date schema is a no-op.`,
	Run: func(cmd *cobra.Command, args []string) {
		if jsonOutput {
			outputJSON(map[string]string{"status": "ok"})
			return
		}
		fmt.Println("query-index schema is ready")
	},
}

func init() {
	rootCmd.AddCommand(initDBCmd)
}
