package types

// Internal event names. CRUD producers emit "<module>.<entity>.<action>";
// everything under "query_index." is owned by this subsystem.
const (
	EventUpsertOne       = "query_index.upsert_one"
	EventDeleteOne       = "query_index.delete_one"
	EventReindex         = "query_index.reindex"
	EventPurge           = "query_index.purge"
	EventCoverageRefresh = "query_index.coverage.refresh"
	EventCoverageWarmup  = "query_index.coverage.warmup"
	EventVectorizeOne    = "query_index.vectorize_one"
	EventVectorizePurge  = "query_index.vectorize_purge"
)

// CRUD action suffixes recognized by the bridge.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// CrudPayload is the producer-defined payload of "<module>.<entity>.<action>"
// events. Scope fields may be absent; the bridge backfills them from the base
// row.
type CrudPayload struct {
	ID             string  `json:"id"`
	OrganizationID *string `json:"organizationId,omitempty"`
	TenantID       *string `json:"tenantId,omitempty"`
}

// UpsertOnePayload drives the single-record index path.
type UpsertOnePayload struct {
	EntityType     EntityType `json:"entityType"`
	RecordID       string     `json:"recordId"`
	OrganizationID *string    `json:"organizationId,omitempty"`
	TenantID       *string    `json:"tenantId,omitempty"`
	// SuppressCoverage skips the post-upsert coverage adjustment, for callers
	// that account coverage themselves (the reindexer's chunk loop).
	SuppressCoverage bool `json:"suppressCoverage,omitempty"`
	// Explicit deltas override the transition-derived ones when set.
	CoverageBaseDelta  *int64 `json:"coverageBaseDelta,omitempty"`
	CoverageIndexDelta *int64 `json:"coverageIndexDelta,omitempty"`
	CoverageDelayMs    *int64 `json:"coverageDelayMs,omitempty"`
	CrudAction         string `json:"crudAction,omitempty"`
}

// DeleteOnePayload drives the single-record delete path.
type DeleteOnePayload struct {
	EntityType     EntityType `json:"entityType"`
	RecordID       string     `json:"recordId"`
	OrganizationID *string    `json:"organizationId,omitempty"`
	TenantID       *string    `json:"tenantId,omitempty"`
}

// ReindexPayload drives a full or scoped reindex. Persistent on the bus.
type ReindexPayload struct {
	EntityType     EntityType `json:"entityType"`
	TenantID       *string    `json:"tenantId,omitempty"`
	OrganizationID *string    `json:"organizationId,omitempty"`
	Force          bool       `json:"force,omitempty"`
	BatchSize      *int       `json:"batchSize,omitempty"`
	PartitionCount *int       `json:"partitionCount,omitempty"`
	PartitionIndex *int       `json:"partitionIndex,omitempty"`
	ResetCoverage  bool       `json:"resetCoverage,omitempty"`
}

// PurgePayload drives a scope-wide soft delete. Persistent on the bus.
type PurgePayload struct {
	EntityType     EntityType `json:"entityType"`
	OrganizationID *string    `json:"organizationId,omitempty"`
	TenantID       *string    `json:"tenantId,omitempty"`
}

// CoverageRefreshPayload requests a debounced snapshot refresh.
type CoverageRefreshPayload struct {
	EntityType     EntityType `json:"entityType"`
	TenantID       *string    `json:"tenantId,omitempty"`
	OrganizationID *string    `json:"organizationId,omitempty"`
	WithDeleted    bool       `json:"withDeleted,omitempty"`
	DelayMs        *int64     `json:"delayMs,omitempty"`
}

// CoverageWarmupPayload fans out one refresh per registered entity.
type CoverageWarmupPayload struct {
	TenantID *string `json:"tenantId,omitempty"`
}

// VectorizeOnePayload is forwarded to the external vector service.
type VectorizeOnePayload struct {
	EntityType     EntityType `json:"entityType"`
	RecordID       string     `json:"recordId"`
	OrganizationID *string    `json:"organizationId,omitempty"`
	TenantID       *string    `json:"tenantId,omitempty"`
}

// VectorizePurgePayload asks the vector service to drop a scope.
type VectorizePurgePayload struct {
	EntityType     EntityType `json:"entityType"`
	OrganizationID *string    `json:"organizationId,omitempty"`
	TenantID       *string    `json:"tenantId,omitempty"`
}
