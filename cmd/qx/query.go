package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/open-mercato/queryindex"
	"github.com/open-mercato/queryindex/internal/timeparsing"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Run a paginated query against an entity",
	Long: `Answers from the index when coverage allows it and falls back to the base
tables otherwise. Filters are field=value pairs; the value parses as JSON
when it can (numbers, booleans), otherwise it is taken as a string. Custom
fields project as cf:<key>, translations as l10n:<locale>:<field>.

Sort fields prefixed with "-" sort descending. The time flags accept
relative expressions: -7d, yesterday, "next monday", 2025-01-15, RFC3339.

Examples:
  qx query --entity crm:customer --tenant t1 --filter status=active
  qx query --entity crm:customer --tenant t1 --fields id,name,cf:tier --sort -created_at --page 2
  qx query --entity crm:customer --tenant t1 --created-after -30d
  qx query --entity crm:customer --tenant t1 --include-cf --json`,
	Run: func(cmd *cobra.Command, args []string) {
		entity, _ := cmd.Flags().GetString("entity")
		tenant, _ := cmd.Flags().GetString("tenant")
		org, _ := cmd.Flags().GetString("org")
		filters, _ := cmd.Flags().GetStringArray("filter")
		fields, _ := cmd.Flags().GetStringSlice("fields")
		sorts, _ := cmd.Flags().GetStringSlice("sort")
		page, _ := cmd.Flags().GetInt("page")
		pageSize, _ := cmd.Flags().GetInt("page-size")
		withDeleted, _ := cmd.Flags().GetBool("with-deleted")
		includeCF, _ := cmd.Flags().GetBool("include-cf")

		filterObj := make(map[string]any, len(filters))
		for _, f := range filters {
			field, raw, ok := strings.Cut(f, "=")
			if !ok || field == "" {
				fail(fmt.Errorf("filter %q must look like field=value", f))
			}
			filterObj[field] = filterValue(raw)
		}

		var filterList []any
		if len(filterObj) > 0 {
			filterList = append(filterList, filterObj)
		}
		for _, tf := range []struct {
			flag, field, op string
		}{
			{"created-after", "created_at", "$gte"},
			{"created-before", "created_at", "$lte"},
			{"updated-after", "updated_at", "$gte"},
		} {
			raw, _ := cmd.Flags().GetString(tf.flag)
			if strings.TrimSpace(raw) == "" {
				continue
			}
			at, err := timeparsing.ParseRelativeTime(strings.TrimSpace(raw), time.Now())
			if err != nil {
				fail(fmt.Errorf("invalid --%s value %q: %v", tf.flag, raw, err))
			}
			filterList = append(filterList, map[string]any{tf.field: map[string]any{tf.op: at}})
		}

		opts := queryindex.QueryOptions{
			Fields:         fields,
			Sort:           parseSorts(sorts),
			Page:           page,
			PageSize:       pageSize,
			TenantID:       tenant,
			OrganizationID: optStr(org),
			WithDeleted:    withDeleted,
		}
		switch len(filterList) {
		case 0:
		case 1:
			opts.Filters = filterList[0]
		default:
			opts.Filters = filterList
		}
		if includeCF {
			opts.IncludeCustomFields = queryindex.CustomFieldSelection{All: true}
		}

		res, err := core.Query(rootCtx, queryindex.EntityType(entity), opts)
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(res)
			return
		}
		for _, item := range res.Items {
			line, err := json.Marshal(item)
			if err != nil {
				fail(err)
			}
			fmt.Println(string(line))
		}
		fmt.Printf("page %d, %d of %d matches\n", res.Page, len(res.Items), res.Total)
		if res.Meta != nil && res.Meta.PartialIndexWarning != nil {
			w := res.Meta.PartialIndexWarning
			fmt.Printf("warning: partial index (%d of %d rows indexed)\n", w.IndexedCount, w.BaseCount)
		}
	},
}

// filterValue parses a filter value as JSON when possible so numbers and
// booleans keep their type; anything else stays a string.
func filterValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func parseSorts(specs []string) []queryindex.SortSpec {
	out := make([]queryindex.SortSpec, 0, len(specs))
	for _, s := range specs {
		if field, ok := strings.CutPrefix(s, "-"); ok {
			out = append(out, queryindex.SortSpec{Field: field, Desc: true})
			continue
		}
		out = append(out, queryindex.SortSpec{Field: s})
	}
	return out
}

func init() {
	queryCmd.Flags().String("entity", "", "Entity type, e.g. crm:customer (required)")
	queryCmd.Flags().String("tenant", "", "Tenant to query (required)")
	queryCmd.Flags().String("org", "", "Restrict to one organization")
	queryCmd.Flags().StringArray("filter", nil, "Filter as field=value (repeatable, conjoined)")
	queryCmd.Flags().StringSlice("fields", nil, "Fields to project; id is always included")
	queryCmd.Flags().StringSlice("sort", nil, "Sort fields; prefix with - for descending")
	queryCmd.Flags().Int("page", 1, "1-based page number")
	queryCmd.Flags().Int("page-size", 20, "Rows per page")
	queryCmd.Flags().Bool("with-deleted", false, "Include soft-deleted rows")
	queryCmd.Flags().Bool("include-cf", false, "Project every visible custom field")
	queryCmd.Flags().String("created-after", "", "Rows created after a time (-7d, yesterday, 2025-01-15)")
	queryCmd.Flags().String("created-before", "", "Rows created before a time")
	queryCmd.Flags().String("updated-after", "", "Rows updated after a time")
	_ = queryCmd.MarkFlagRequired("entity")
	_ = queryCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(queryCmd)
}
