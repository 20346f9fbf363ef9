package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/connectivity"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixture wires an engine to a temp SQLite store, a fake remote, a manually
// driven monitor and a manual clock.
type fixture struct {
	t       *testing.T
	ctx     context.Context
	path    string
	store   *store.Store
	remote  *testutil.FakeRemote
	monitor *connectivity.Monitor
	clock   *testutil.ManualClock
	engine  *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		t:       t,
		ctx:     context.Background(),
		path:    path,
		store:   s,
		remote:  testutil.NewFakeRemote(),
		monitor: connectivity.NewMonitor(nil, connectivity.WithLogger(quietLogger())),
		clock:   testutil.NewManualClock(testutil.DefaultEpoch),
	}
	f.engine = f.newEngine(s, opts...)
	return f
}

func (f *fixture) newEngine(s *store.Store, opts ...Option) *Engine {
	base := []Option{
		WithClock(f.clock),
		WithIDs(testutil.NewSequenceIDs("session")),
		WithLogger(quietLogger()),
		WithSettleDelay(0),
	}
	return New(s, f.remote, f.monitor, append(base, opts...)...)
}

func (f *fixture) online() {
	f.monitor.Set(connectivity.Online)
}

func (f *fixture) offline() {
	f.monitor.Set(connectivity.Offline)
}

// seed creates an entity on the remote and mirrors it in the cache as synced.
func (f *fixture) seed(entityType, id, data string) model.RemoteState {
	f.t.Helper()
	st := f.remote.Seed(entityType, id, model.MustRecord(data))
	require.NoError(f.t, f.store.PutEntity(f.ctx, model.Entity{
		Type: entityType, ID: id, Data: st.Data, Version: st.Version,
		SyncStatus: model.SyncStatusSynced, UpdatedAt: f.clock.Now(),
	}))
	return st
}

// queue appends op with the optimistic cache write the write path makes.
func (f *fixture) queue(op model.Operation) model.Operation {
	f.t.Helper()
	op.CreatedAt = f.clock.Now()
	change := store.EntityChange{Entity: model.Entity{
		Type: op.EntityType, ID: op.EntityID, Data: op.Payload, Version: op.BaseVersion,
		SyncStatus: model.SyncStatusPendingLocalChange, Temporary: op.Kind == model.KindCreate,
		UpdatedAt: f.clock.Now(),
	}}
	if op.Kind == model.KindDelete {
		change.Delete = true
	}
	stored, err := f.store.AppendWithEntity(f.ctx, op, change)
	require.NoError(f.t, err)
	return stored
}

func (f *fixture) update(opID, entityID string, baseVersion int64, base, payload string) model.Operation {
	return f.queue(model.Operation{
		ID: opID, EntityType: "patient", EntityID: entityID, Kind: model.KindUpdate,
		Payload: model.MustRecord(payload), Base: model.MustRecord(base), BaseVersion: baseVersion,
	})
}

func (f *fixture) create(opID, entityType, tempID, payload string) model.Operation {
	return f.queue(model.Operation{
		ID: opID, EntityType: entityType, EntityID: tempID, Kind: model.KindCreate,
		Payload: model.MustRecord(payload),
	})
}

func (f *fixture) remove(opID, entityID string, baseVersion int64, base string) model.Operation {
	return f.queue(model.Operation{
		ID: opID, EntityType: "patient", EntityID: entityID, Kind: model.KindDelete,
		Base: model.MustRecord(base), BaseVersion: baseVersion,
	})
}

func (f *fixture) drain() Session {
	f.t.Helper()
	sess, err := f.engine.Drain(f.ctx)
	require.NoError(f.t, err)
	return sess
}

func (f *fixture) op(id string) model.Operation {
	f.t.Helper()
	op, err := f.store.Get(f.ctx, id)
	require.NoError(f.t, err)
	return op
}

func (f *fixture) entity(entityType, id string) model.Entity {
	f.t.Helper()
	e, err := f.store.GetEntity(f.ctx, entityType, id)
	require.NoError(f.t, err)
	return e
}

func (f *fixture) callIDs(entityID string) []string {
	var ids []string
	for _, c := range f.remote.Calls() {
		if entityID == "" || c.EntityID == entityID {
			ids = append(ids, c.OperationID)
		}
	}
	return ids
}

func results(s Session) []string {
	out := make([]string, 0, len(s.Outcomes))
	for _, o := range s.Outcomes {
		out = append(out, o.OperationID+":"+string(o.Result))
	}
	return out
}

const amina = `{"name":"Amina","ward":"3"}`
