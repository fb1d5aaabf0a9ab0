package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/qms/internal/observability"
	"github.com/pitabwire/qms/model"
)

func sampleRecords(t *testing.T) []model.Record {
	t.Helper()
	e := testEngine()
	def := changeControlDef()
	a := mustCreate(t, e, def, alice)
	a.Payload = map[string]any{"batch": "B-1001", "quantity": float64(40)}
	b := mustCreate(t, e, def, alice)
	b.ID = "CC-600000-028"
	b = mustAdvance(t, e, def, b, hod)
	b, err := e.AppendComment(b, hod, "Forwarded to QA")
	require.NoError(t, err)
	return []model.Record{a, b}
}

// exerciseStore runs the RecordStore contract against s.
func exerciseStore(t *testing.T, s RecordStore) {
	t.Helper()
	ctx := context.Background()

	empty, err := s.Load(ctx, model.RecordTypeCAPA)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	records := sampleRecords(t)
	require.NoError(t, s.SaveAll(ctx, model.RecordTypeChangeControl, records))

	loaded, err := s.Load(ctx, model.RecordTypeChangeControl)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, records[0].ID, loaded[0].ID)
	assert.Equal(t, records[1].ID, loaded[1].ID)
	assert.Equal(t, "Pending Approval", loaded[1].Status)
	assert.Equal(t, records[1].Workflow, loaded[1].Workflow)
	assert.Equal(t, records[1].Comments, loaded[1].Comments)
	assert.Equal(t, records[1].AuditTrail, loaded[1].AuditTrail)
	assert.Equal(t, "B-1001", loaded[0].Payload["batch"])

	other, err := s.Load(ctx, model.RecordTypeCAPA)
	require.NoError(t, err)
	assert.Empty(t, other, "collections are isolated per type")

	dup := append(loaded, loaded[0])
	err = s.SaveAll(ctx, model.RecordTypeChangeControl, dup)
	require.Error(t, err)
	assert.Equal(t, model.ErrConflict, model.ErrorCode(err))

	after, err := s.Load(ctx, model.RecordTypeChangeControl)
	require.NoError(t, err)
	assert.Len(t, after, 2, "a rejected save leaves the collection untouched")

	require.NoError(t, s.SaveAll(ctx, model.RecordTypeChangeControl, loaded[:1]))
	after, err = s.Load(ctx, model.RecordTypeChangeControl)
	require.NoError(t, err)
	assert.Len(t, after, 1, "SaveAll replaces the whole collection")
}

func TestMemoryRecordStore(t *testing.T) {
	exerciseStore(t, NewMemoryRecordStore())
}

func TestMemoryRecordStore_isolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRecordStore()
	records := sampleRecords(t)
	require.NoError(t, s.SaveAll(ctx, model.RecordTypeChangeControl, records))

	records[0].Status = "Tampered"
	loaded, _ := s.Load(ctx, model.RecordTypeChangeControl)
	assert.Equal(t, "Open", loaded[0].Status)

	loaded[0].AuditTrail[0].User = "Tampered"
	again, _ := s.Load(ctx, model.RecordTypeChangeControl)
	assert.Equal(t, "Alice", again[0].AuditTrail[0].User)
	assert.Equal(t, 2, s.Len(model.RecordTypeChangeControl))
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func TestRedisRecordStore(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewRedisRecordStore(client, "qms:")
	exerciseStore(t, s)
	require.NoError(t, s.Ping(context.Background()))
}

func TestRedisRecordStore_key_layout(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisRecordStore(client, "qms:")
	require.NoError(t, s.SaveAll(context.Background(), model.RecordTypeDeviation, nil))

	raw, err := mr.Get("qms:deviation_data")
	require.NoError(t, err)
	assert.Equal(t, "[]", raw)
}

func TestRedisRecordStore_unavailable(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisRecordStore(client, "qms:")
	mr.Close()

	_, err := s.Load(context.Background(), model.RecordTypeCAPA)
	require.Error(t, err)
	err = s.SaveAll(context.Background(), model.RecordTypeCAPA, sampleRecords(t))
	require.Error(t, err)
	assert.Empty(t, model.ErrorCode(err), "infrastructure failures are plain errors")
}

func TestRedisRecordStore_corrupt(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisRecordStore(client, "qms:")
	require.NoError(t, mr.Set("qms:capa_data", "{not json"))

	_, err := s.Load(context.Background(), model.RecordTypeCAPA)
	require.Error(t, err)
}

func TestMongoDocumentMapping(t *testing.T) {
	records := sampleRecords(t)
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

	doc, err := toDocument(model.RecordTypeChangeControl, records, now)
	require.NoError(t, err)
	assert.Equal(t, "change-control_data", doc["_id"])
	assert.Equal(t, "change-control", doc["record_type"])
	assert.Equal(t, now, doc["updated_at"])

	back, err := fromDocument(doc)
	require.NoError(t, err)
	require.Len(t, back, 2)
	assert.Equal(t, records[1].ID, back[1].ID)
	assert.Equal(t, records[1].Workflow, back[1].Workflow)
	assert.Equal(t, records[1].AuditTrail, back[1].AuditTrail)
	assert.Equal(t, float64(40), back[0].Payload["quantity"])

	emptyDoc, err := toDocument(model.RecordTypeCAPA, nil, now)
	require.NoError(t, err)
	empty, err := fromDocument(emptyDoc)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestFilterRecords(t *testing.T) {
	records := sampleRecords(t)

	assert.Len(t, FilterRecords(records, model.RecordFilters{}), 2)
	assert.Len(t, FilterRecords(records, model.RecordFilters{Status: "Open"}), 1)
	assert.Len(t, FilterRecords(records, model.RecordFilters{Initiator: "Nobody"}), 0)
	assert.Len(t, FilterRecords(records, model.RecordFilters{Limit: 1}), 1)

	page := FilterRecords(records, model.RecordFilters{Offset: 1})
	require.Len(t, page, 1)
	assert.Equal(t, records[1].ID, page[0].ID)
	assert.Empty(t, FilterRecords(records, model.RecordFilters{Offset: 5}))

	assert.Equal(t, 1, FindRecord(records, records[1].ID))
	assert.Equal(t, -1, FindRecord(records, "missing"))
}

func TestInstrumentedStore(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	s := NewInstrumentedStore(NewMemoryRecordStore(), "memory", metrics)

	exerciseStore(t, s)
	require.NoError(t, s.Ping(context.Background()))

	assert.Equal(t, 1, testutil.CollectAndCount(metrics.StoreErrorsTotal),
		"the duplicate save is the only failing call")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.StoreErrorsTotal.WithLabelValues("memory", "save_all")))
}

func TestInstrumentedStore_forwardsPing(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewInstrumentedStore(NewRedisRecordStore(client, "qms:"), "redis", nil)

	require.NoError(t, s.Ping(context.Background()))
	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
	_, err := s.Load(context.Background(), model.RecordTypeAudit)
	assert.Error(t, err)
}
