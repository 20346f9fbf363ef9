package intercept

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/connectivity"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/schema"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/testutil"
)

const patientSchema = `
#Patient: {
	name:   string & !=""
	ward:   string
	phone?: string
}
entity: patient: #Patient
`

type countingTrigger struct{ n atomic.Int32 }

func (c *countingTrigger) Trigger() bool {
	c.n.Add(1)
	return true
}

type env struct {
	t       *testing.T
	ctx     context.Context
	store   *store.Store
	remote  *testutil.FakeRemote
	monitor *connectivity.Monitor
	trigger *countingTrigger
	icpt    *Interceptor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	v, err := schema.Compile(patientSchema)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &env{
		t:       t,
		ctx:     context.Background(),
		store:   s,
		remote:  testutil.NewFakeRemote(),
		monitor: connectivity.NewMonitor(nil, connectivity.WithLogger(logger)),
		trigger: &countingTrigger{},
	}
	e.icpt, err = New(e.ctx, s, e.remote, e.monitor,
		WithValidator(v),
		WithTrigger(e.trigger),
		WithIDs(testutil.NewSequenceIDs("op")),
		WithClock(testutil.NewManualClock(testutil.DefaultEpoch)),
		WithLogger(logger),
	)
	require.NoError(t, err)
	return e
}

// seed puts p1 on the remote and in the cache as synced at version 1.
func (e *env) seed() {
	e.t.Helper()
	st := e.remote.Seed("patient", "p1", model.MustRecord(`{"name":"Amina","ward":"3"}`))
	require.NoError(e.t, e.store.PutEntity(e.ctx, model.Entity{
		Type: "patient", ID: "p1", Data: st.Data, Version: st.Version,
		SyncStatus: model.SyncStatusSynced, UpdatedAt: testutil.DefaultEpoch,
	}))
}

func (e *env) submit(req Request) Result {
	e.t.Helper()
	res, err := e.icpt.Submit(e.ctx, req)
	require.NoError(e.t, err)
	return res
}

func (e *env) count() int {
	e.t.Helper()
	n, err := e.store.Count(e.ctx)
	require.NoError(e.t, err)
	return n
}

func TestSubmit_OfflineCreateUsesTemporaryID(t *testing.T) {
	e := newEnv(t)

	res := e.submit(Request{Kind: model.KindCreate, EntityType: "patient", Payload: model.MustRecord(`{"name":"Baraka","ward":"2"}`)})
	assert.True(t, res.Queued)
	assert.Equal(t, "op-0001", res.OperationID)
	assert.Equal(t, "tmp-op-0002", res.EntityID)

	ent, err := e.store.GetEntity(e.ctx, "patient", res.EntityID)
	require.NoError(t, err)
	assert.True(t, ent.Temporary)
	assert.Equal(t, model.SyncStatusPendingLocalChange, ent.SyncStatus)
	assert.Equal(t, "Baraka", ent.Data["name"])

	assert.Empty(t, e.remote.Calls())
	assert.Equal(t, int64(1), e.icpt.Pending())
	assert.Equal(t, int32(0), e.trigger.n.Load())
}

func TestSubmit_OfflineUpdateMergesPatchOntoCache(t *testing.T) {
	e := newEnv(t)
	e.seed()

	res := e.submit(Request{Kind: model.KindUpdate, EntityType: "patient", EntityID: "p1", Payload: model.MustRecord(`{"ward":"4"}`)})
	assert.True(t, res.Queued)

	op, err := e.store.Get(e.ctx, res.OperationID)
	require.NoError(t, err)
	assert.Equal(t, model.MustRecord(`{"name":"Amina","ward":"4"}`), op.Payload)
	assert.Equal(t, model.MustRecord(`{"name":"Amina","ward":"3"}`), op.Base)
	assert.Equal(t, int64(1), op.BaseVersion)

	ent, err := e.store.GetEntity(e.ctx, "patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, "4", ent.Data["ward"])
	assert.Equal(t, model.SyncStatusPendingLocalChange, ent.SyncStatus)
}

func TestSubmit_OfflineDeleteHidesEntity(t *testing.T) {
	e := newEnv(t)
	e.seed()

	res := e.submit(Request{Kind: model.KindDelete, EntityType: "patient", EntityID: "p1"})
	assert.True(t, res.Queued)

	_, err := e.store.GetEntity(e.ctx, "patient", "p1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	op, err := e.store.Get(e.ctx, res.OperationID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), op.BaseVersion)
	assert.Nil(t, op.Payload)
}

func TestSubmit_OfflineWritesVisibleInCallOrder(t *testing.T) {
	e := newEnv(t)
	e.seed()

	for _, ward := range []string{"4", "5", "6"} {
		e.submit(Request{Kind: model.KindUpdate, EntityType: "patient", EntityID: "p1", Payload: model.Record{"ward": ward}})
		ent, err := e.store.GetEntity(e.ctx, "patient", "p1")
		require.NoError(t, err)
		assert.Equal(t, ward, ent.Data["ward"])
	}

	lane, err := e.store.ListLane(e.ctx, "patient", "p1")
	require.NoError(t, err)
	require.Len(t, lane, 3)
	assert.Less(t, lane[0].Sequence, lane[1].Sequence)
	assert.Less(t, lane[1].Sequence, lane[2].Sequence)
	assert.Equal(t, "5", lane[1].Payload["ward"])
	assert.Equal(t, "4", lane[1].Base["ward"])
	assert.Empty(t, e.remote.Calls())
}

func TestSubmit_OnlineUpdateGoesDirect(t *testing.T) {
	e := newEnv(t)
	e.seed()
	e.monitor.Set(connectivity.Online)

	res := e.submit(Request{Kind: model.KindUpdate, EntityType: "patient", EntityID: "p1", Payload: model.MustRecord(`{"ward":"4"}`)})
	assert.False(t, res.Queued)
	assert.Equal(t, int64(2), res.Version)
	assert.Equal(t, 0, e.count())

	ent, err := e.store.GetEntity(e.ctx, "patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusSynced, ent.SyncStatus)
	assert.Equal(t, int64(2), ent.Version)

	st, ok := e.remote.Get("patient", "p1")
	require.True(t, ok)
	assert.Equal(t, "4", st.Data["ward"])

	calls := e.remote.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, res.OperationID, calls[0].OperationID)
	assert.Equal(t, int64(1), calls[0].BaseVersion)
}

func TestSubmit_OnlineCreateTakesServerID(t *testing.T) {
	e := newEnv(t)
	e.monitor.Set(connectivity.Online)

	res := e.submit(Request{Kind: model.KindCreate, EntityType: "patient", Payload: model.MustRecord(`{"name":"Baraka","ward":"2"}`)})
	assert.False(t, res.Queued)
	assert.Equal(t, "srv-1", res.EntityID)

	ent, err := e.store.GetEntity(e.ctx, "patient", "srv-1")
	require.NoError(t, err)
	assert.False(t, ent.Temporary)
	assert.Equal(t, model.SyncStatusSynced, ent.SyncStatus)
	assert.Equal(t, int64(0), e.icpt.Pending())
}

func TestSubmit_OnlineDeleteGoesDirect(t *testing.T) {
	e := newEnv(t)
	e.seed()
	e.monitor.Set(connectivity.Online)

	res := e.submit(Request{Kind: model.KindDelete, EntityType: "patient", EntityID: "p1"})
	assert.False(t, res.Queued)
	assert.Equal(t, 0, e.remote.Count("patient"))
	_, err := e.store.GetEntity(e.ctx, "patient", "p1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubmit_TransientFailureFallsBackToQueue(t *testing.T) {
	e := newEnv(t)
	e.seed()
	e.monitor.Set(connectivity.Online)
	e.remote.Fail("patient", "p1", model.ErrCodeTransient, 503, 1)

	res := e.submit(Request{Kind: model.KindUpdate, EntityType: "patient", EntityID: "p1", Payload: model.MustRecord(`{"ward":"4"}`)})
	assert.True(t, res.Queued)
	assert.Equal(t, 1, e.count())
	assert.Equal(t, int32(1), e.trigger.n.Load())

	ent, err := e.store.GetEntity(e.ctx, "patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusPendingLocalChange, ent.SyncStatus)
	assert.Equal(t, "4", ent.Data["ward"])
}

func TestSubmit_ConflictFallsBackToQueue(t *testing.T) {
	e := newEnv(t)
	e.seed()
	_, err := e.remote.Edit("patient", "p1", model.MustRecord(`{"phone":"555"}`))
	require.NoError(t, err)
	e.monitor.Set(connectivity.Online)

	res := e.submit(Request{Kind: model.KindUpdate, EntityType: "patient", EntityID: "p1", Payload: model.MustRecord(`{"ward":"4"}`)})
	assert.True(t, res.Queued)
	assert.Equal(t, 1, e.count())
}

func TestSubmit_RemoteRejectionIsValidationError(t *testing.T) {
	e := newEnv(t)
	e.seed()
	e.monitor.Set(connectivity.Online)
	e.remote.Fail("patient", "p1", model.ErrCodeFatalRemote, 422, 1)

	_, err := e.icpt.Submit(e.ctx, Request{Kind: model.KindUpdate, EntityType: "patient", EntityID: "p1", Payload: model.MustRecord(`{"ward":"4"}`)})
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))
	assert.Equal(t, 0, e.count())

	ent, err := e.store.GetEntity(e.ctx, "patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, "3", ent.Data["ward"])
}

func TestSubmit_QueuesBehindPendingLane(t *testing.T) {
	e := newEnv(t)
	e.seed()
	e.submit(Request{Kind: model.KindUpdate, EntityType: "patient", EntityID: "p1", Payload: model.MustRecord(`{"ward":"4"}`)})
	e.monitor.Set(connectivity.Online)

	res := e.submit(Request{Kind: model.KindUpdate, EntityType: "patient", EntityID: "p1", Payload: model.MustRecord(`{"ward":"5"}`)})
	assert.True(t, res.Queued)
	assert.Empty(t, e.remote.Calls())
	assert.Equal(t, int64(2), e.icpt.Pending())
}

func TestSubmit_QueuesReferenceToTemporaryEntity(t *testing.T) {
	e := newEnv(t)
	created := e.submit(Request{Kind: model.KindCreate, EntityType: "patient", Payload: model.MustRecord(`{"name":"Baraka","ward":"2"}`)})
	e.monitor.Set(connectivity.Online)

	res := e.submit(Request{Kind: model.KindCreate, EntityType: "visit", Payload: model.Record{"patient_id": created.EntityID}})
	assert.True(t, res.Queued)
	assert.Empty(t, e.remote.Calls())
}

func TestSubmit_ValidationNeverQueues(t *testing.T) {
	e := newEnv(t)
	e.seed()

	tests := []struct {
		name string
		req  Request
	}{
		{"unknown kind", Request{Kind: "upsert", EntityType: "patient", EntityID: "p1"}},
		{"missing type", Request{Kind: model.KindCreate, Payload: model.Record{}}},
		{"create without payload", Request{Kind: model.KindCreate, EntityType: "patient"}},
		{"update without id", Request{Kind: model.KindUpdate, EntityType: "patient", Payload: model.Record{}}},
		{"update without payload", Request{Kind: model.KindUpdate, EntityType: "patient", EntityID: "p1"}},
		{"uncached without base version", Request{Kind: model.KindDelete, EntityType: "patient", EntityID: "p9"}},
		{"schema violation", Request{Kind: model.KindCreate, EntityType: "patient", Payload: model.MustRecord(`{"name":""}`)}},
		{"unknown field", Request{Kind: model.KindUpdate, EntityType: "patient", EntityID: "p1", Payload: model.MustRecord(`{"bed":"7"}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.icpt.Submit(e.ctx, tt.req)
			require.Error(t, err)
			assert.True(t, model.IsValidation(err), "got %v", err)
		})
	}
	assert.Equal(t, 0, e.count())
	assert.Equal(t, int64(0), e.icpt.Pending())
}

func TestSubmit_UncachedDeleteWithBaseVersion(t *testing.T) {
	e := newEnv(t)

	res := e.submit(Request{Kind: model.KindDelete, EntityType: "patient", EntityID: "p9", BaseVersion: 4})
	op, err := e.store.Get(e.ctx, res.OperationID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), op.BaseVersion)
	assert.Nil(t, op.Base)
}

func TestPending_SeededAndRefreshed(t *testing.T) {
	e := newEnv(t)
	e.submit(Request{Kind: model.KindCreate, EntityType: "patient", Payload: model.MustRecord(`{"name":"Baraka","ward":"2"}`)})

	again, err := New(e.ctx, e.store, e.remote, e.monitor)
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Pending())

	require.NoError(t, e.store.MarkInFlight(e.ctx, "op-0001", testutil.DefaultEpoch))
	require.NoError(t, e.store.MarkResolved(e.ctx, "op-0001", testutil.DefaultEpoch))

	n, err := e.icpt.Refresh(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.Equal(t, int64(0), e.icpt.Pending())
}
