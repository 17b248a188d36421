// Package types defines core data structures for the query-index subsystem.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SentinelOrgID is the storage key used for coverage rows whose scope has a
// null organization. It never appears in entity_indexes.organization_id; the
// index table uses a coalesced generated column instead.
const SentinelOrgID = "00000000-0000-0000-0000-000000000000"

// EntityType identifies a logical entity as "<module>:<entity>", e.g.
// "example:todo" or "directory:organization". Each entity type maps to
// exactly one base table via the registry.
type EntityType string

// Module returns the "<module>" half of the entity type, or "" when malformed.
func (e EntityType) Module() string {
	if i := strings.IndexByte(string(e), ':'); i > 0 {
		return string(e)[:i]
	}
	return ""
}

// Entity returns the "<entity>" half of the entity type, or "" when malformed.
func (e EntityType) Entity() string {
	if i := strings.IndexByte(string(e), ':'); i >= 0 && i+1 < len(e) {
		return string(e)[i+1:]
	}
	return ""
}

// Validate checks the "<module>:<entity>" shape. Both halves must be non-empty.
func (e EntityType) Validate() error {
	if e == "" {
		return fmt.Errorf("entity type is required")
	}
	if e.Module() == "" || e.Entity() == "" {
		return fmt.Errorf("invalid entity type %q: want \"<module>:<entity>\"", string(e))
	}
	return nil
}

func (e EntityType) String() string { return string(e) }

// Scope is the tenant/organization/deleted-visibility tuple under which every
// indexed or counted row is observed. A nil OrganizationID means the global
// scope; it is stored as SentinelOrgID only inside the coverage table.
type Scope struct {
	TenantID       string  `json:"tenantId"`
	OrganizationID *string `json:"organizationId,omitempty"`
	WithDeleted    bool    `json:"withDeleted,omitempty"`
}

// OrgKey returns the organization id coalesced to the sentinel UUID, the form
// used as a coverage storage key and in scope-cache keys.
func (s Scope) OrgKey() string {
	if s.OrganizationID == nil || *s.OrganizationID == "" {
		return SentinelOrgID
	}
	return *s.OrganizationID
}

// Key returns a stable map key for the scope (without the entity type).
func (s Scope) Key() string {
	return fmt.Sprintf("%s|%s|%t", s.TenantID, s.OrgKey(), s.WithDeleted)
}

// Validate requires a tenant and, when present, a UUID-shaped organization id.
func (s Scope) Validate() error {
	if s.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if s.OrganizationID != nil && *s.OrganizationID != "" {
		if _, err := uuid.Parse(*s.OrganizationID); err != nil {
			return fmt.Errorf("invalid organization id %q: %w", *s.OrganizationID, err)
		}
	}
	return nil
}

// ScopeKey builds the canonical "<entity>|<tenant>|<org>|<withDeleted>" key
// used by throttle maps, debouncers and caches.
func ScopeKey(entity EntityType, s Scope) string {
	return string(entity) + "|" + s.Key()
}

// StrPtr returns a pointer to v. Convenience for optional scope fields.
func StrPtr(v string) *string { return &v }

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// UpsertResult reports the state transition of a single index upsert. The
// coverage accountant derives deltas from these flags without re-reading the
// row.
type UpsertResult struct {
	// Existed is true when an index row for the record was already present
	// (live or soft-deleted) before the operation.
	Existed bool `json:"existed"`
	// WasDeleted is true when the prior row carried a deleted_at marker.
	WasDeleted bool `json:"wasDeleted"`
	// Created is true when the operation inserted a brand-new row.
	Created bool `json:"created"`
	// Revived is true when the operation cleared deleted_at on a soft-deleted row.
	Revived bool `json:"revived"`
}

// IndexDelta returns the indexed-count delta implied by the transition:
// +1 for created or revived rows, 0 otherwise.
func (r UpsertResult) IndexDelta() int64 {
	if r.Created || r.Revived {
		return 1
	}
	return 0
}

// DeleteResult reports what a physical index-row delete removed. Only an
// active row decrements the indexed count; Existed and WasDeleted feed the
// transition flags when an upsert finds the base row gone.
type DeleteResult struct {
	Existed    bool `json:"existed"`
	WasDeleted bool `json:"wasDeleted"`
	WasActive  bool `json:"wasActive"`
}

// IndexRow mirrors one entity_indexes row.
type IndexRow struct {
	EntityType     EntityType `db:"entity_type" json:"entityType"`
	RecordID       string     `db:"record_id" json:"recordId"`
	OrganizationID *string    `db:"organization_id" json:"organizationId,omitempty"`
	TenantID       string     `db:"tenant_id" json:"tenantId"`
	Doc            Doc        `db:"-" json:"doc"`
	IndexVersion   int        `db:"index_version" json:"indexVersion"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updatedAt"`
	DeletedAt      *time.Time `db:"deleted_at" json:"deletedAt,omitempty"`
}

// Deleted reports whether the row is soft-deleted.
func (r IndexRow) Deleted() bool { return r.DeletedAt != nil }

// CoverageRow mirrors one entity_index_coverage row. OrganizationID holds the
// sentinel UUID when the scope organization is null.
type CoverageRow struct {
	EntityType         EntityType `db:"entity_type" json:"entityType"`
	TenantID           string     `db:"tenant_id" json:"tenantId"`
	OrganizationID     string     `db:"organization_id" json:"organizationId"`
	WithDeleted        bool       `db:"with_deleted" json:"withDeleted"`
	BaseCount          int64      `db:"base_count" json:"baseCount"`
	IndexedCount       int64      `db:"indexed_count" json:"indexedCount"`
	VectorIndexedCount int64      `db:"vector_indexed_count" json:"vectorIndexedCount"`
	RefreshedAt        time.Time  `db:"refreshed_at" json:"refreshedAt"`
}

// Stale reports whether the snapshot is older than maxAge at the given instant.
func (c CoverageRow) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(c.RefreshedAt) > maxAge
}

// Partial reports whether the index trails the base population.
func (c CoverageRow) Partial() bool {
	return c.BaseCount > 0 && c.IndexedCount < c.BaseCount
}

// CoverageAdjustment is one delta against a coverage snapshot. Adjustments
// targeting the same (entity, scope) are aggregated before application and the
// stored value clamps at zero.
type CoverageAdjustment struct {
	EntityType  EntityType `json:"entityType"`
	Scope       Scope      `json:"scope"`
	BaseDelta   int64      `json:"baseDelta"`
	IndexDelta  int64      `json:"indexDelta"`
	VectorDelta int64      `json:"vectorDelta"`
}

// Zero reports whether the adjustment carries no change.
func (a CoverageAdjustment) Zero() bool {
	return a.BaseDelta == 0 && a.IndexDelta == 0 && a.VectorDelta == 0
}

// CoverageCounts carries absolute values for a coverage overwrite. Nil fields
// retain the stored value.
type CoverageCounts struct {
	BaseCount   *int64 `json:"baseCount,omitempty"`
	IndexCount  *int64 `json:"indexedCount,omitempty"`
	VectorCount *int64 `json:"vectorIndexedCount,omitempty"`
}

// JobStatus is the declared purpose of an index job.
type JobStatus string

const (
	JobReindexing JobStatus = "reindexing"
	JobPurging    JobStatus = "purging"
)

// JobScope identifies one ledger row. Nil fields mean "scope-wide": a nil
// PartitionIndex denotes an unpartitioned job, a nil TenantID a cross-tenant
// pass. Scope equality uses null-safe comparison (nulls compare equal).
type JobScope struct {
	EntityType     EntityType `json:"entityType"`
	OrganizationID *string    `json:"organizationId,omitempty"`
	TenantID       *string    `json:"tenantId,omitempty"`
	PartitionIndex *int       `json:"partitionIndex,omitempty"`
	PartitionCount *int       `json:"partitionCount,omitempty"`
}

// Validate rejects malformed partition coordinates before any side effect.
func (j JobScope) Validate() error {
	if err := j.EntityType.Validate(); err != nil {
		return err
	}
	if j.PartitionIndex != nil {
		if j.PartitionCount == nil {
			return fmt.Errorf("partition index without partition count")
		}
		if *j.PartitionIndex < 0 || *j.PartitionIndex >= *j.PartitionCount {
			return fmt.Errorf("partition index %d out of range [0,%d)", *j.PartitionIndex, *j.PartitionCount)
		}
	}
	if j.PartitionCount != nil && *j.PartitionCount < 1 {
		return fmt.Errorf("partition count must be >= 1 (got %d)", *j.PartitionCount)
	}
	return nil
}

// IndexJob mirrors one entity_index_jobs row.
type IndexJob struct {
	ID             int64      `db:"id" json:"id"`
	EntityType     EntityType `db:"entity_type" json:"entityType"`
	OrganizationID *string    `db:"organization_id" json:"organizationId,omitempty"`
	TenantID       *string    `db:"tenant_id" json:"tenantId,omitempty"`
	PartitionIndex *int       `db:"partition_index" json:"partitionIndex,omitempty"`
	PartitionCount *int       `db:"partition_count" json:"partitionCount,omitempty"`
	Status         JobStatus  `db:"status" json:"status"`
	StartedAt      time.Time  `db:"started_at" json:"startedAt"`
	HeartbeatAt    time.Time  `db:"heartbeat_at" json:"heartbeatAt"`
	FinishedAt     *time.Time `db:"finished_at" json:"finishedAt,omitempty"`
	ProcessedCount int64      `db:"processed_count" json:"processedCount"`
	TotalCount     int64      `db:"total_count" json:"totalCount"`
}

// Completed reports whether the job has finalized.
func (j IndexJob) Completed() bool { return j.FinishedAt != nil }

// Stalled reports whether an unfinished job's heartbeat is older than maxAge.
func (j IndexJob) Stalled(now time.Time, maxAge time.Duration) bool {
	return j.FinishedAt == nil && now.Sub(j.HeartbeatAt) > maxAge
}

// SearchToken is one tokenized search row derived from an index document.
type SearchToken struct {
	EntityType     EntityType `db:"entity_type" json:"entityType"`
	RecordID       string     `db:"record_id" json:"recordId"`
	Field          string     `db:"field" json:"field"`
	TokenHash      string     `db:"token_hash" json:"tokenHash"`
	Token          *string    `db:"token" json:"token,omitempty"`
	OrganizationID *string    `db:"organization_id" json:"organizationId,omitempty"`
	TenantID       string     `db:"tenant_id" json:"tenantId"`
}

// CustomFieldDef is one active custom-field definition visible at a scope.
type CustomFieldDef struct {
	EntityType     EntityType `db:"entity_type" json:"entityType"`
	FieldKey       string     `db:"field_key" json:"fieldKey"`
	Kind           string     `db:"kind" json:"kind,omitempty"`
	OrganizationID *string    `db:"organization_id" json:"organizationId,omitempty"`
	TenantID       *string    `db:"tenant_id" json:"tenantId,omitempty"`
	IsActive       bool       `db:"is_active" json:"isActive"`
}

// CustomFieldValue is one stored value for (entityType, recordId, fieldKey).
type CustomFieldValue struct {
	EntityType     EntityType `db:"entity_type" json:"entityType"`
	RecordID       string     `db:"record_id" json:"recordId"`
	FieldKey       string     `db:"field_key" json:"fieldKey"`
	Value          any        `db:"-" json:"value"`
	OrganizationID *string    `db:"organization_id" json:"organizationId,omitempty"`
	TenantID       *string    `db:"tenant_id" json:"tenantId,omitempty"`
}

// Translation is one localized field value merged into docs as
// "l10n:<locale>:<field>".
type Translation struct {
	EntityType EntityType `db:"entity_type" json:"entityType"`
	RecordID   string     `db:"record_id" json:"recordId"`
	Locale     string     `db:"locale" json:"locale"`
	Field      string     `db:"field" json:"field"`
	Value      string     `db:"value" json:"value"`
}

// EncryptionHooks carries the optional storage-encrypt and search-decrypt
// callbacks. Both are opaque to the subsystem: failures are swallowed with a
// warning and the unencrypted (or undecrypted) document is used instead.
type EncryptionHooks struct {
	EncryptDoc func(entity EntityType, recordID string, doc Doc) (Doc, error)
	DecryptDoc func(entity EntityType, recordID string, doc Doc) (Doc, error)
}
