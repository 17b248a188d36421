package queryindex_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/open-mercato/queryindex"
	"github.com/open-mercato/queryindex/internal/storage/memory"
)

const customerEntity = queryindex.EntityType("crm:customer")

func seedCustomers(store *memory.Store) {
	store.SeedTable("customers", "id", "tenant_id", "organization_id", "name", "deleted_at")
}

func newTestCore(t *testing.T, store *memory.Store) *queryindex.Core {
	t.Helper()
	core, err := queryindex.NewWithStore(store, queryindex.Options{
		Logger: zap.NewNop(),
		Entities: []queryindex.EntityConfig{
			{EntityType: customerEntity, Table: "customers", Label: "Customers"},
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, core.Close(context.Background()))
	})
	return core
}

func TestNewWithStoreRegistersEntities(t *testing.T) {
	store := memory.New()
	seedCustomers(store)
	core := newTestCore(t, store)

	entities := core.Entities()
	require.Len(t, entities, 1)
	assert.Equal(t, customerEntity, entities[0].EntityType)
	assert.Equal(t, "Customers", entities[0].Label)
	assert.Equal(t, "id", entities[0].IDColumn)
	assert.NotNil(t, core.Store())
	assert.NotNil(t, core.Config())
}

func TestUpsertAndDeleteRecord(t *testing.T) {
	store := memory.New()
	seedCustomers(store)
	core := newTestCore(t, store)
	ctx := context.Background()

	store.PutBaseRow("customers", "c1", queryindex.Doc{"id": "c1", "tenant_id": "t1", "name": "Ada Lovelace"})
	scope := queryindex.Scope{TenantID: "t1"}

	res, err := core.UpsertRecord(ctx, customerEntity, "c1", scope)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.False(t, res.Existed)

	row, err := store.GetIndexRow(ctx, customerEntity, "c1", queryindex.SentinelOrgID)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", row.Doc["name"])
	assert.NotEmpty(t, store.TokensFor(customerEntity, "c1", queryindex.SentinelOrgID))

	res, err = core.UpsertRecord(ctx, customerEntity, "c1", scope)
	require.NoError(t, err)
	assert.True(t, res.Existed)
	assert.False(t, res.Created)

	del, err := core.DeleteRecord(ctx, customerEntity, "c1", scope)
	require.NoError(t, err)
	assert.True(t, del.Existed)
	assert.Empty(t, store.TokensFor(customerEntity, "c1", queryindex.SentinelOrgID))
}

// Upserting a record whose base row vanished removes the index row instead.
func TestUpsertRecordGoneBaseRow(t *testing.T) {
	store := memory.New()
	seedCustomers(store)
	core := newTestCore(t, store)
	ctx := context.Background()

	store.PutBaseRow("customers", "c1", queryindex.Doc{"id": "c1", "tenant_id": "t1", "name": "Ada"})
	scope := queryindex.Scope{TenantID: "t1"}
	_, err := core.UpsertRecord(ctx, customerEntity, "c1", scope)
	require.NoError(t, err)

	store.DeleteBaseRow("customers", "c1")
	res, err := core.UpsertRecord(ctx, customerEntity, "c1", scope)
	require.NoError(t, err)
	assert.True(t, res.Existed)
	assert.False(t, res.Created)

	_, err = store.GetIndexRow(ctx, customerEntity, "c1", queryindex.SentinelOrgID)
	assert.Error(t, err)
}

func TestReindexCoverageAndStatus(t *testing.T) {
	store := memory.New()
	seedCustomers(store)
	core := newTestCore(t, store)
	ctx := context.Background()

	tenant := "t1"
	for _, id := range []string{"c1", "c2", "c3"} {
		store.PutBaseRow("customers", id, queryindex.Doc{"id": id, "tenant_id": tenant, "name": "customer " + id})
	}

	res, err := core.Reindex(ctx, queryindex.ReindexRequest{EntityType: customerEntity, TenantID: &tenant}, 1)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.EqualValues(t, 3, res.Processed)
	assert.EqualValues(t, 3, res.Total)

	scope := queryindex.Scope{TenantID: tenant}
	cov, err := core.RefreshCoverage(ctx, customerEntity, scope)
	require.NoError(t, err)
	assert.EqualValues(t, 3, cov.BaseCount)
	assert.EqualValues(t, 3, cov.IndexedCount)

	stored, err := core.ReadCoverage(ctx, customerEntity, scope)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.EqualValues(t, 3, stored.IndexedCount)

	report, err := core.Status(ctx, queryindex.StatusOptions{TenantID: tenant})
	require.NoError(t, err)
	require.Len(t, report.Items, 1)
	item := report.Items[0]
	assert.Equal(t, "Customers", item.Label)
	assert.True(t, item.OK)
	assert.False(t, report.OutOfSync)

	removed, err := core.Purge(ctx, customerEntity, &tenant, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, removed)

	cov, err = core.RefreshCoverage(ctx, customerEntity, scope)
	require.NoError(t, err)
	assert.EqualValues(t, 3, cov.BaseCount)
	assert.EqualValues(t, 0, cov.IndexedCount)

	require.NoError(t, core.Drain(ctx))
}

func TestEmitSyncDrivesHandlers(t *testing.T) {
	store := memory.New()
	seedCustomers(store)
	core := newTestCore(t, store)
	ctx := context.Background()

	tenant := "t1"
	store.PutBaseRow("customers", "c9", queryindex.Doc{"id": "c9", "tenant_id": tenant, "name": "Grace Hopper"})

	err := core.EmitSync(ctx, queryindex.EventUpsertOne, queryindex.UpsertOnePayload{
		EntityType: customerEntity,
		RecordID:   "c9",
		TenantID:   &tenant,
	}, false)
	require.NoError(t, err)

	row, err := store.GetIndexRow(ctx, customerEntity, "c9", queryindex.SentinelOrgID)
	require.NoError(t, err)
	assert.Equal(t, "Grace Hopper", row.Doc["name"])

	err = core.EmitSync(ctx, queryindex.EventDeleteOne, queryindex.DeleteOnePayload{
		EntityType: customerEntity,
		RecordID:   "c9",
		TenantID:   &tenant,
	}, false)
	require.NoError(t, err)

	_, err = store.GetIndexRow(ctx, customerEntity, "c9", queryindex.SentinelOrgID)
	assert.Error(t, err)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := queryindex.LoadConfig("")
	require.NoError(t, err)
	assert.Greater(t, cfg.ReindexPartitions, 0)
	assert.Greater(t, cfg.ReindexBatchSize, 0)
}

func TestParseEntities(t *testing.T) {
	src := []byte(`
entities:
  - entity: crm:customer
    table: customers
    label: Customers
    parent:
      table: customer_companies
      foreignKey: company_id
  - entity: directory:organization
    table: directory_organizations
    organizationFrom: self
  - entity: catalog:product
    table: products
    organizationFrom: organization_id
  - entity: custom:ticket
    customEntity: true
`)
	cfgs, err := queryindex.ParseEntities(src)
	require.NoError(t, err)
	require.Len(t, cfgs, 4)

	assert.Equal(t, queryindex.EntityType("crm:customer"), cfgs[0].EntityType)
	assert.Equal(t, "customers", cfgs[0].Table)
	require.NotNil(t, cfgs[0].Parent)
	assert.Equal(t, "customer_companies", cfgs[0].Parent.Table)
	assert.Equal(t, "company_id", cfgs[0].Parent.ForeignKeyColumn)

	// organizationFrom: self reads the row's own id column.
	require.NotNil(t, cfgs[1].DeriveOrganization)
	org := cfgs[1].DeriveOrganization(queryindex.Doc{"id": "org-1"})
	require.NotNil(t, org)
	assert.Equal(t, "org-1", *org)

	// organizationFrom: <column> reads the named column.
	require.NotNil(t, cfgs[2].DeriveOrganization)
	org = cfgs[2].DeriveOrganization(queryindex.Doc{"id": "p1", "organization_id": "org-9"})
	require.NotNil(t, org)
	assert.Equal(t, "org-9", *org)
	assert.Nil(t, cfgs[2].DeriveOrganization(queryindex.Doc{"id": "p2"}))

	assert.True(t, cfgs[3].CustomEntity)
	assert.Nil(t, cfgs[3].DeriveOrganization)
}

func TestParseEntitiesRejectsBadDecls(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"not yaml", "entities: ["},
		{"entity without module prefix", "entities:\n  - entity: customers\n    table: customers\n"},
		{"parent without foreign key", "entities:\n  - entity: crm:customer\n    table: customers\n    parent:\n      table: companies\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := queryindex.ParseEntities([]byte(tt.src))
			assert.Error(t, err)
		})
	}
}

func TestEventNames(t *testing.T) {
	assert.Equal(t, "query_index.upsert_one", queryindex.EventUpsertOne)
	assert.Equal(t, "query_index.delete_one", queryindex.EventDeleteOne)
	assert.Equal(t, "query_index.reindex", queryindex.EventReindex)
	assert.Equal(t, "query_index.purge", queryindex.EventPurge)
	assert.Equal(t, "query_index.coverage.refresh", queryindex.EventCoverageRefresh)
	assert.Equal(t, "00000000-0000-0000-0000-000000000000", queryindex.SentinelOrgID)
}
