package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/open-mercato/queryindex"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the index worker until interrupted",
	Long: `Keeps the event handlers attached and processes index, reindex, purge and
coverage events until SIGINT or SIGTERM. Coverage warmups fire at startup
for every tenant named with --warmup-tenant.

Examples:
  qx serve --entities entities.yaml
  qx serve --warmup-tenant t1 --warmup-tenant t2`,
	Run: func(cmd *cobra.Command, args []string) {
		tenants, _ := cmd.Flags().GetStringSlice("warmup-tenant")

		if len(core.Entities()) == 0 {
			fmt.Fprintf(os.Stderr, "Warning: no entities registered; pass --entities or set QX_ENTITIES\n")
		}

		for _, tenant := range tenants {
			t := tenant
			payload := queryindex.CoverageWarmupPayload{TenantID: &t}
			if err := core.Emit(rootCtx, queryindex.EventCoverageWarmup, payload, false); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: warmup emit for %s failed: %v\n", tenant, err)
			}
		}

		var watched []string
		if cfgPath != "" {
			watched = append(watched, cfgPath)
		}
		if entitiesResolved != "" {
			watched = append(watched, entitiesResolved)
		}
		go watchDeclFiles(rootCtx, watched)

		fmt.Fprintf(os.Stderr, "qx worker running (%d entities), ctrl-c to stop\n", len(core.Entities()))
		<-rootCtx.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := core.Drain(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: drain: %v\n", err)
		}
		fmt.Fprintln(os.Stderr, "qx worker stopped")
	},
}

// watchDeclFiles warns when the config or entities file changes on disk.
// Both load once at startup, so a change means a restart is needed.
func watchDeclFiles(ctx context.Context, paths []string) {
	if len(paths) == 0 {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: file watcher: %v\n", err)
		return
	}
	defer func() { _ = watcher.Close() }()

	// Editors replace files on save, so watch the directories and filter
	// events by name.
	names := make(map[string]bool, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		names[abs] = true
		if err := watcher.Add(filepath.Dir(abs)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: watch %s: %v\n", filepath.Dir(abs), err)
		}
	}

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil || !names[abs] {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			name := filepath.Base(abs)
			debounce = time.AfterFunc(500*time.Millisecond, func() {
				fmt.Fprintf(os.Stderr, "Warning: %s changed on disk; restart qx to apply\n", name)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			fmt.Fprintf(os.Stderr, "Warning: file watcher: %v\n", err)
		}
	}
}

func init() {
	serveCmd.Flags().StringSlice("warmup-tenant", nil, "Tenant to warm coverage snapshots for at startup (repeatable)")
	rootCmd.AddCommand(serveCmd)
}
