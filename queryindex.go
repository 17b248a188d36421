// Package queryindex provides the public API for embedding the query-index
// subsystem in a host application.
//
// A host builds one Core per process: it owns the entity registry, the
// storage pool, the event bus and every indexing component. Producer modules
// emit their CRUD events into the bus; reads go through Query. The cmd/qx
// binary is a thin wrapper over this package.
package queryindex

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/open-mercato/queryindex/internal/config"
	"github.com/open-mercato/queryindex/internal/coverage"
	"github.com/open-mercato/queryindex/internal/docbuilder"
	"github.com/open-mercato/queryindex/internal/eventbus"
	"github.com/open-mercato/queryindex/internal/handlers"
	"github.com/open-mercato/queryindex/internal/indexer"
	"github.com/open-mercato/queryindex/internal/logging"
	"github.com/open-mercato/queryindex/internal/planner"
	"github.com/open-mercato/queryindex/internal/registry"
	"github.com/open-mercato/queryindex/internal/reindex"
	"github.com/open-mercato/queryindex/internal/status"
	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/storage/postgres"
	"github.com/open-mercato/queryindex/internal/telemetry"
	"github.com/open-mercato/queryindex/internal/tokens"
	"github.com/open-mercato/queryindex/internal/types"
	"github.com/open-mercato/queryindex/internal/vector"
)

// Core types for working with the index.
type (
	EntityType           = types.EntityType
	Scope                = types.Scope
	Doc                  = types.Doc
	Condition            = types.Condition
	SortSpec             = types.SortSpec
	QueryOptions         = types.QueryOptions
	QueryResult          = types.QueryResult
	CustomFieldSelection = types.CustomFieldSelection
	CustomFieldSource    = types.CustomFieldSource
	UpsertResult         = types.UpsertResult
	DeleteResult         = types.DeleteResult
	CoverageRow          = types.CoverageRow
	StatusReport         = types.StatusReport
	StatusItem           = types.StatusItem
	EncryptionHooks      = types.EncryptionHooks
)

// Registration and wiring types.
type (
	Config         = config.Config
	EntityConfig   = registry.EntityConfig
	ParentLink     = registry.ParentLink
	Store          = storage.Store
	ReindexRequest = reindex.Request
	ReindexResult  = reindex.Result
	StatusOptions  = status.Options
)

// SentinelOrgID is the uuid coalesced in for null organizations.
const SentinelOrgID = types.SentinelOrgID

// Storage sentinels, for errors.Is checks on Core and Store results.
var (
	ErrNotFound        = storage.ErrNotFound
	ErrInvalidArgument = storage.ErrInvalidArgument
	ErrJobActive       = storage.ErrJobActive
)

// Event names hosts emit into the bus.
const (
	EventUpsertOne       = types.EventUpsertOne
	EventDeleteOne       = types.EventDeleteOne
	EventReindex         = types.EventReindex
	EventPurge           = types.EventPurge
	EventCoverageRefresh = types.EventCoverageRefresh
	EventCoverageWarmup  = types.EventCoverageWarmup
	EventVectorizeOne    = types.EventVectorizeOne
	EventVectorizePurge  = types.EventVectorizePurge
)

// Payload shapes for Emit and EmitSync. CrudPayload is the shape of
// producer-owned "<module>.<entity>.<action>" events.
type (
	CrudPayload            = types.CrudPayload
	UpsertOnePayload       = types.UpsertOnePayload
	DeleteOnePayload       = types.DeleteOnePayload
	ReindexPayload         = types.ReindexPayload
	PurgePayload           = types.PurgePayload
	CoverageRefreshPayload = types.CoverageRefreshPayload
	CoverageWarmupPayload  = types.CoverageWarmupPayload
)

// LoadConfig reads runtime settings from the optional YAML file, the
// environment and defaults. Hosts that manage their own settings can build a
// Config directly instead.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// Options configures Core construction.
type Options struct {
	// Config supplies runtime settings. Nil loads environment and defaults.
	Config *Config
	// Logger defaults to one built from the config's log settings.
	Logger *zap.Logger
	// Entities registered at startup. More can follow via RegisterEntity.
	Entities []EntityConfig
	// Hooks optionally encrypt stored documents and decrypt for tokenization.
	Hooks EncryptionHooks
}

// Core is one wired instance of the subsystem.
type Core struct {
	cfg    *config.Config
	logger *zap.Logger

	store    storage.Store
	reg      *registry.Registry
	bus      *eventbus.Bus
	indexer  *indexer.Indexer
	acc      *coverage.Accountant
	re       *reindex.Reindexer
	purger   *reindex.Purger
	planner  *planner.Planner
	status   *status.Aggregator
	handlers *handlers.Handlers
}

// New opens a PostgreSQL-backed Core: pool, schema bootstrap, telemetry
// wrapper and all components. The caller owns the Core and must Close it.
func New(ctx context.Context, opts Options) (*Core, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load("")
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database url is required (set DATABASE_URL)")
	}

	logger := opts.Logger
	if logger == nil {
		built, err := logging.New(cfg)
		if err != nil {
			return nil, err
		}
		logger = built
	}

	pg, err := postgres.New(ctx, postgres.DefaultConfig(cfg.DatabaseURL),
		logging.ForComponent(logger, cfg, logging.ComponentSQL))
	if err != nil {
		return nil, err
	}

	opts.Config = cfg
	opts.Logger = logger
	core, err := NewWithStore(telemetry.WrapStore(pg), opts)
	if err != nil {
		pg.Close()
		return nil, err
	}
	return core, nil
}

// NewWithStore wires a Core over an existing store. Tests and embedded setups
// use it with the memory store. Close shuts the given store down too.
func NewWithStore(store Store, opts Options) (*Core, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		built, err := logging.New(cfg)
		if err != nil {
			return nil, err
		}
		logger = built
	}

	var vec vector.Service = vector.Noop{}
	if cfg.VectorServiceURL != "" {
		vec = vector.NewClient(cfg.VectorServiceURL, logger)
	}

	// Handler failures that exhaust their retries land in the error log.
	sink := func(ctx context.Context, handlerID string, evt *eventbus.Event, err error) {
		detail := types.Doc{"event": evt.Name}
		if len(evt.Payload) > 0 {
			detail["payload"] = json.RawMessage(evt.Payload)
		}
		ctx = context.WithoutCancel(ctx)
		if logErr := store.RecordErrorLog(ctx, "query_index", handlerID, err.Error(), detail); logErr != nil {
			logger.Warn("error log write failed",
				zap.String("handler", handlerID),
				zap.Error(logErr))
		}
	}
	bus := eventbus.New(logger, eventbus.Options{ErrorSink: sink})

	reg := registry.New()
	builder := docbuilder.New(store, reg, opts.Hooks, logger)
	extractor := tokens.New(store, cfg)
	ix := indexer.New(store, reg, builder, extractor, opts.Hooks,
		logging.ForComponent(logger, cfg, logging.ComponentIndexer))
	acc := coverage.New(store, reg, vec, cfg, logger)
	re := reindex.New(store, reg, ix, acc, bus, vec,
		cfg.ReindexBatchSize, cfg.VectorServiceURL != "", logger)
	purger := reindex.NewPurger(store, logger)
	pl := planner.New(store, reg, acc, bus, cfg,
		logging.ForComponent(logger, cfg, logging.ComponentPlanner))
	agg := status.New(store, reg, acc, cfg, logger)

	h := handlers.New(store, reg, ix, re, purger, acc, bus, cfg, logger)
	h.Register()

	c := &Core{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		reg:      reg,
		bus:      bus,
		indexer:  ix,
		acc:      acc,
		re:       re,
		purger:   purger,
		planner:  pl,
		status:   agg,
		handlers: h,
	}
	for _, e := range opts.Entities {
		if err := c.RegisterEntity(e); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RegisterEntity adds one entity registration and attaches its CRUD bridge.
func (c *Core) RegisterEntity(cfg EntityConfig) error {
	if err := c.reg.Register(cfg); err != nil {
		return err
	}
	return c.handlers.RegisterCrudBridge(cfg.EntityType)
}

// Entities returns every registration in registration order.
func (c *Core) Entities() []EntityConfig {
	all := c.reg.All()
	out := make([]EntityConfig, 0, len(all))
	for _, e := range all {
		out = append(out, *e)
	}
	return out
}

// Query runs one paginated read through the planner.
func (c *Core) Query(ctx context.Context, entity EntityType, opts QueryOptions) (*QueryResult, error) {
	return c.planner.Query(ctx, entity, opts)
}

// Reindex runs one pass, fanned out over partitions goroutines. partitions
// below 1 uses the configured default.
func (c *Core) Reindex(ctx context.Context, req ReindexRequest, partitions int) (ReindexResult, error) {
	if partitions < 1 {
		partitions = c.cfg.ReindexPartitions
	}
	return c.re.RunPartitioned(ctx, req, partitions)
}

// Purge soft-deletes every index row in the scope and returns the count.
func (c *Core) Purge(ctx context.Context, entity EntityType, tenantID, organizationID *string) (int64, error) {
	return c.purger.Purge(ctx, entity, tenantID, organizationID)
}

// Status assembles the administrative report for the scope.
func (c *Core) Status(ctx context.Context, opts StatusOptions) (*StatusReport, error) {
	return c.status.Report(ctx, opts)
}

// UpsertRecord rebuilds one record's index row synchronously.
func (c *Core) UpsertRecord(ctx context.Context, entity EntityType, recordID string, scope Scope) (UpsertResult, error) {
	return c.indexer.UpsertRecord(ctx, entity, recordID, scope)
}

// DeleteRecord removes one record's index row and tokens synchronously.
func (c *Core) DeleteRecord(ctx context.Context, entity EntityType, recordID string, scope Scope) (DeleteResult, error) {
	return c.indexer.MarkDeleted(ctx, entity, recordID, scope)
}

// ReadCoverage returns the stored snapshot, nil when none exists yet.
func (c *Core) ReadCoverage(ctx context.Context, entity EntityType, scope Scope) (*CoverageRow, error) {
	return c.acc.ReadSnapshot(ctx, entity, scope)
}

// RefreshCoverage recounts the scope authoritatively and stores the snapshot.
func (c *Core) RefreshCoverage(ctx context.Context, entity EntityType, scope Scope) (*CoverageRow, error) {
	return c.acc.RefreshSnapshot(ctx, entity, scope)
}

// Emit publishes one event to the bus. Persistent events are retried on
// handler failure.
func (c *Core) Emit(ctx context.Context, name string, payload any, persistent bool) error {
	return c.bus.Emit(ctx, name, payload, eventbus.EmitOptions{Persistent: persistent})
}

// EmitSync publishes one event and returns after every handler ran.
func (c *Core) EmitSync(ctx context.Context, name string, payload any, persistent bool) error {
	return c.bus.EmitSync(ctx, name, payload, eventbus.EmitOptions{Persistent: persistent})
}

// Drain blocks until in-flight async events finish or ctx expires.
func (c *Core) Drain(ctx context.Context) error {
	return c.bus.Drain(ctx)
}

// Store exposes the storage layer for advanced hosts and the CLI.
func (c *Core) Store() Store {
	return c.store
}

// Config returns the runtime settings the Core was built with.
func (c *Core) Config() *Config {
	return c.cfg
}

// Close stops the debounce timers, drains the bus and closes the store.
func (c *Core) Close(ctx context.Context) error {
	c.handlers.Close()
	drainErr := c.bus.Drain(ctx)
	closeErr := c.store.Close()
	if drainErr != nil {
		return drainErr
	}
	return closeErr
}
