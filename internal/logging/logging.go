// Package logging builds the zap loggers used across the subsystem.
//
// The base logger runs at the configured level. Component toggles
// (OM_INDEXER_VERBOSE, OM_SEARCH_DEBUG, QUERY_ENGINE_DEBUG_SQL) open debug
// output for one named component without flooding the rest: the base core is
// built at the lowest level any component needs and non-verbose components
// are raised back up with zap.IncreaseLevel.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/open-mercato/queryindex/internal/config"
)

// Component names with dedicated verbosity toggles.
const (
	ComponentIndexer = "indexer"
	ComponentPlanner = "planner"
	ComponentSQL     = "sql"
)

// New builds the process-wide base logger from config.
func New(cfg *config.Config) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(coreLevel(cfg, level))
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.LogVerbosity > 0 {
		zcfg.Development = true
		zcfg.Encoding = "console"
	}
	return zcfg.Build()
}

// ForComponent returns a named child of base. Components without an active
// verbosity toggle are held at the configured level even when the base core
// runs at debug for another component's sake.
func ForComponent(base *zap.Logger, cfg *config.Config, name string) *zap.Logger {
	l := base.Named(name)
	if componentVerbose(cfg, name) {
		return l
	}
	level, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	return l.WithOptions(zap.IncreaseLevel(level))
}

// ParseLevel maps the config's level word onto a zap level.
func ParseLevel(s string) (zapcore.Level, error) {
	switch s {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// coreLevel lowers the base core to debug when any component toggle needs it.
func coreLevel(cfg *config.Config, configured zapcore.Level) zapcore.Level {
	if cfg.IndexerVerbose || cfg.SearchDebug || cfg.DebugSQL {
		return zapcore.DebugLevel
	}
	return configured
}

func componentVerbose(cfg *config.Config, name string) bool {
	switch name {
	case ComponentIndexer:
		return cfg.IndexerVerbose
	case ComponentPlanner:
		return cfg.SearchDebug
	case ComponentSQL:
		return cfg.DebugSQL
	default:
		return false
	}
}
