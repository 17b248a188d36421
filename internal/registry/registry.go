// Package registry maps entity types onto their base tables and per-entity
// indexing behavior. The host application registers entities at startup; the
// indexer, reindexer, planner and status aggregator resolve through it.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/open-mercato/queryindex/internal/storage"
	"github.com/open-mercato/queryindex/internal/types"
)

// ErrNotRegistered is returned when an entity type has no registration.
var ErrNotRegistered = fmt.Errorf("entity type not registered")

// ParentLink describes a composite entity whose parent row is merged
// underneath the entity's own columns (profile fields win on collision).
type ParentLink struct {
	// Table holds the parent rows.
	Table string
	// ForeignKeyColumn on the child row points at the parent id.
	ForeignKeyColumn string
}

// EntityConfig is one registered entity.
type EntityConfig struct {
	EntityType types.EntityType
	// Table is the base table name.
	Table string
	// Label is the human-readable name shown by status surfaces. Defaults to
	// the entity type string.
	Label string
	// IDColumn defaults to "id".
	IDColumn string
	// CustomEntity routes queries to the custom_entities_storage fast path
	// instead of a dedicated base table.
	CustomEntity bool
	// Parent, when set, merges a parent row underneath the entity's columns.
	Parent *ParentLink
	// DeriveOrganization, when set, computes the effective organization from
	// the base row itself. The directory organization entity uses its own id.
	DeriveOrganization func(row types.Doc) *string
}

func (c *EntityConfig) normalize() {
	if c.Label == "" {
		c.Label = string(c.EntityType)
	}
	if c.IDColumn == "" {
		c.IDColumn = "id"
	}
}

// BaseRef returns the storage reference for the entity's base rows. Custom
// entities share the custom_entities_storage table, narrowed to the entity
// type, with the record body held in the doc column.
func (c *EntityConfig) BaseRef() storage.BaseRef {
	if c.CustomEntity {
		return storage.BaseRef{
			Table:        "custom_entities_storage",
			IDColumn:     "record_id",
			EntityFilter: string(c.EntityType),
			DocColumn:    "doc",
		}
	}
	return storage.BaseRef{Table: c.Table, IDColumn: c.IDColumn}
}

// Registry is a process-lifetime map of entity registrations. Reads dominate,
// so it is guarded by an RWMutex like the other in-process caches.
type Registry struct {
	mu       sync.RWMutex
	entities map[types.EntityType]*EntityConfig
	order    []types.EntityType
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entities: make(map[types.EntityType]*EntityConfig)}
}

// Register adds or replaces one entity registration.
func (r *Registry) Register(cfg EntityConfig) error {
	if err := cfg.EntityType.Validate(); err != nil {
		return err
	}
	if cfg.Table == "" && !cfg.CustomEntity {
		return fmt.Errorf("entity %s: base table is required", cfg.EntityType)
	}
	cfg.normalize()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entities[cfg.EntityType]; !exists {
		r.order = append(r.order, cfg.EntityType)
	}
	r.entities[cfg.EntityType] = &cfg
	return nil
}

// Resolve returns the registration for an entity type.
func (r *Registry) Resolve(entity types.EntityType) (*EntityConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.entities[entity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, entity)
	}
	return cfg, nil
}

// TableFor resolves just the base table name.
func (r *Registry) TableFor(entity types.EntityType) (string, error) {
	cfg, err := r.Resolve(entity)
	if err != nil {
		return "", err
	}
	return cfg.Table, nil
}

// IsCustomEntity reports whether the entity uses the custom-entity fast path.
// Unregistered entities report false.
func (r *Registry) IsCustomEntity(entity types.EntityType) bool {
	cfg, err := r.Resolve(entity)
	return err == nil && cfg.CustomEntity
}

// All returns every registration in registration order. Warmup and status
// iterate this.
func (r *Registry) All() []*EntityConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*EntityConfig, 0, len(r.order))
	for _, e := range r.order {
		out = append(out, r.entities[e])
	}
	return out
}

// EntityTypes returns the registered types sorted lexically, for stable
// logging and fan-out.
func (r *Registry) EntityTypes() []types.EntityType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.EntityType, len(r.order))
	copy(out, r.order)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
