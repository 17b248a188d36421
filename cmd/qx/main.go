package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/open-mercato/queryindex"
	"github.com/open-mercato/queryindex/internal/telemetry"
)

var (
	cfgPath      string
	entitiesPath string
	jsonOutput   bool

	// entitiesResolved is the entities file loadEntityDecls settled on, for
	// the serve command's change watcher.
	entitiesResolved string

	core *queryindex.Core

	// Signal-aware context for graceful cancellation
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

// noCoreCommands don't open the database. Everything else gets a wired Core
// before its Run executes.
var noCoreCommands = map[string]bool{
	"version":          true,
	"help":             true,
	"completion":       true,
	"__complete":       true,
	"__completeNoDesc": true,
}

func needsCore(cmd *cobra.Command) bool {
	if !cmd.HasParent() {
		// Bare qx only prints help.
		return false
	}
	for c := cmd; c != nil; c = c.Parent() {
		if noCoreCommands[c.Name()] {
			return false
		}
	}
	return true
}

// fail prints the error in the requested format and exits.
func fail(err error) {
	if jsonOutput {
		outputJSONError(err, "")
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// optStr returns nil for an empty flag value, so unset flags become
// unrestricted scope fields.
func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var rootCmd = &cobra.Command{
	Use:   "qx",
	Short: "qx - tenant-scoped query index",
	Long: `Maintains JSON index documents for registered entities and answers
paginated, filtered queries over them. Documents fuse base-table columns,
custom-field values and translations; coverage snapshots decide whether a
query can trust the index.`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		if !needsCore(cmd) {
			return
		}

		if err := telemetry.Init(rootCtx, "qx", Version); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: telemetry init failed: %v\n", err)
		}

		cfg, err := queryindex.LoadConfig(cfgPath)
		if err != nil {
			fail(err)
		}

		entities, err := loadEntityDecls()
		if err != nil {
			fail(err)
		}

		c, err := queryindex.New(rootCtx, queryindex.Options{
			Config:   cfg,
			Entities: entities,
		})
		if err != nil {
			fail(err)
		}
		core = c
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if core != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := core.Close(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: shutdown: %v\n", err)
			}
			cancel()
			core = nil
		}
		telemetry.Shutdown(context.Background())
		if rootCancel != nil {
			rootCancel()
		}
	},
}

// loadEntityDecls reads entity registrations from --entities, $QX_ENTITIES or
// ./entities.yaml, in that order. No file means no registrations; commands
// that name an entity will reject unknown types.
func loadEntityDecls() ([]queryindex.EntityConfig, error) {
	path := entitiesPath
	if path == "" {
		path = os.Getenv("QX_ENTITIES")
	}
	if path == "" {
		if _, err := os.Stat("entities.yaml"); err == nil {
			path = "entities.yaml"
		}
	}
	if path == "" {
		return nil, nil
	}
	entitiesResolved = path
	return queryindex.LoadEntities(path)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Config file (default: environment variables only)")
	rootCmd.PersistentFlags().StringVar(&entitiesPath, "entities", "", "Entity registrations file (default: $QX_ENTITIES, then ./entities.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
