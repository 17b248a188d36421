package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.CoverageCacheTTL != 5*time.Minute {
		t.Fatalf("coverage cache TTL = %v, want 5m", cfg.CoverageCacheTTL)
	}
	if cfg.CoverageStaleAfter != time.Minute {
		t.Fatalf("coverage staleness = %v, want 1m", cfg.CoverageStaleAfter)
	}
	if cfg.HeartbeatStaleAfter != time.Minute {
		t.Fatalf("heartbeat staleness = %v, want 1m", cfg.HeartbeatStaleAfter)
	}
	if !cfg.ForcePartialIndex {
		t.Fatal("forcePartialIndex should default to true")
	}
	if !cfg.ScheduleAutoReindex {
		t.Fatal("scheduleAutoReindex should default to true")
	}
	if cfg.OptimizeCoverageStats {
		t.Fatal("optimizeCoverageStats should default to false")
	}
	if cfg.ReindexBatchSize != 500 {
		t.Fatalf("batch size = %d, want 500", cfg.ReindexBatchSize)
	}
	if cfg.ReindexPartitions != 1 {
		t.Fatalf("partitions = %d, want 1", cfg.ReindexPartitions)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log level = %q, want info", cfg.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COVERAGE_STALE_MS", "1000")
	t.Setenv("FORCE_QUERY_INDEX_ON_PARTIAL_INDEXES", "false")
	t.Setenv("QUERY_ENGINE_DEBUG_SQL", "true")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CoverageStaleAfter != time.Second {
		t.Fatalf("coverage staleness = %v, want 1s", cfg.CoverageStaleAfter)
	}
	if cfg.ForcePartialIndex {
		t.Fatal("env should disable forcePartialIndex")
	}
	if !cfg.DebugSQL {
		t.Fatal("env should enable SQL debugging")
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level should lowercase, got %q", cfg.LogLevel)
	}
}

func TestFileLayer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queryindex.yaml")
	body := []byte("reindex_batch_size: 250\ntoken_blocklist:\n  - password\n  - secret\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ReindexBatchSize != 250 {
		t.Fatalf("batch size = %d, want 250 from file", cfg.ReindexBatchSize)
	}
	if len(cfg.TokenBlocklist) != 2 || cfg.TokenBlocklist[0] != "password" {
		t.Fatalf("blocklist = %v", cfg.TokenBlocklist)
	}
}

func TestEnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queryindex.yaml")
	if err := os.WriteFile(path, []byte("reindex_batch_size: 250\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("QUERY_INDEX_BATCH_SIZE", "100")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ReindexBatchSize != 100 {
		t.Fatalf("batch size = %d, want env override 100", cfg.ReindexBatchSize)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("QUERY_INDEX_BATCH_SIZE", "0")
	if _, err := Load(""); err == nil {
		t.Fatal("zero batch size must be rejected")
	}
}

func TestLoadRejectsUnknownLogLevel(t *testing.T) {
	t.Setenv("QUERY_INDEX_BATCH_SIZE", "500")
	t.Setenv("LOG_LEVEL", "loud")
	if _, err := Load(""); err == nil {
		t.Fatal("unknown log level must be rejected")
	}
}
