package intercept

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/connectivity"
	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/testutil"
)

// validatorFunc runs between the cache read and the append of a Submit.
type validatorFunc func(entityType string, kind model.Kind, payload model.Record) error

func (f validatorFunc) Validate(entityType string, kind model.Kind, payload model.Record) error {
	return f(entityType, kind, payload)
}

func (e *env) newEngine() *engine.Engine {
	return engine.New(e.store, e.remote, e.monitor,
		engine.WithIDs(testutil.NewSequenceIDs("session")),
		engine.WithSettleDelay(0),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

// useValidator rebuilds the interceptor around v. Its operation IDs take a
// fresh prefix so they never collide with earlier submits.
func (e *env) useValidator(v engine.Validator) {
	e.t.Helper()
	icpt, err := New(e.ctx, e.store, e.remote, e.monitor,
		WithValidator(v),
		WithTrigger(e.trigger),
		WithIDs(testutil.NewSequenceIDs("late")),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(e.t, err)
	e.icpt = icpt
}

func (e *env) op(id string) model.Operation {
	e.t.Helper()
	op, err := e.store.Get(e.ctx, id)
	require.NoError(e.t, err)
	return op
}

// blockFirstApply holds the first remote call for opID until release is
// closed.
func (e *env) blockFirstApply(opID string) (entered, release chan struct{}) {
	entered = make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	e.remote.OnApply = func(op model.Operation) {
		if op.ID != opID {
			return
		}
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	return entered, release
}

func TestSubmit_UpdateWhileLaneInFlight(t *testing.T) {
	e := newEnv(t)
	e.seed()
	eng := e.newEngine()
	first := e.submit(Request{Kind: model.KindUpdate, EntityType: "patient", EntityID: "p1", Payload: model.MustRecord(`{"ward":"4"}`)})

	entered, release := e.blockFirstApply(first.OperationID)
	e.monitor.Set(connectivity.Online)
	done := make(chan error, 1)
	go func() {
		_, err := eng.Drain(e.ctx)
		done <- err
	}()
	<-entered

	second := e.submit(Request{Kind: model.KindUpdate, EntityType: "patient", EntityID: "p1", Payload: model.MustRecord(`{"phone":"555"}`)})
	assert.True(t, second.Queued)
	ent, err := e.store.GetEntity(e.ctx, "patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ent.Version)

	close(release)
	require.NoError(t, <-done)
	_, err = eng.Drain(e.ctx)
	require.NoError(t, err)

	op := e.op(second.OperationID)
	assert.Equal(t, model.StatusResolved, op.Status)
	assert.Empty(t, op.Failure)

	st, ok := e.remote.Get("patient", "p1")
	require.True(t, ok)
	assert.Equal(t, int64(3), st.Version)
	assert.Equal(t, model.MustRecord(`{"name":"Amina","ward":"4","phone":"555"}`), st.Data)

	ent, err = e.store.GetEntity(e.ctx, "patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), ent.Version)
	assert.Equal(t, model.SyncStatusSynced, ent.SyncStatus)
}

func TestSubmit_DeleteWhileLaneInFlight(t *testing.T) {
	e := newEnv(t)
	e.seed()
	eng := e.newEngine()
	first := e.submit(Request{Kind: model.KindUpdate, EntityType: "patient", EntityID: "p1", Payload: model.MustRecord(`{"ward":"4"}`)})

	entered, release := e.blockFirstApply(first.OperationID)
	e.monitor.Set(connectivity.Online)
	done := make(chan error, 1)
	go func() {
		_, err := eng.Drain(e.ctx)
		done <- err
	}()
	<-entered

	second := e.submit(Request{Kind: model.KindDelete, EntityType: "patient", EntityID: "p1"})
	assert.True(t, second.Queued)

	close(release)
	require.NoError(t, <-done)
	_, err := eng.Drain(e.ctx)
	require.NoError(t, err)

	op := e.op(second.OperationID)
	assert.Equal(t, model.StatusResolved, op.Status)
	assert.Empty(t, op.Failure)
	assert.Equal(t, 0, e.remote.Count("patient"))
	_, err = e.store.GetEntity(e.ctx, "patient", "p1")
	assert.Error(t, err)
}

// drainDuringSubmit returns a validator that runs one drain after the
// submit read its base from the cache, so the lane empties underneath it.
func drainDuringSubmit(t *testing.T, eng *engine.Engine) validatorFunc {
	var once sync.Once
	return func(string, model.Kind, model.Record) error {
		once.Do(func() {
			_, err := eng.Drain(t.Context())
			assert.NoError(t, err)
		})
		return nil
	}
}

func TestSubmit_UpdateAfterLaneDrainedUnderIt(t *testing.T) {
	e := newEnv(t)
	e.seed()
	eng := e.newEngine()

	// Queued while offline, with no hook installed.
	first := e.submit(Request{Kind: model.KindUpdate, EntityType: "patient", EntityID: "p1", Payload: model.MustRecord(`{"ward":"4"}`)})

	e.useValidator(drainDuringSubmit(t, eng))
	e.monitor.Set(connectivity.Online)
	second := e.submit(Request{Kind: model.KindUpdate, EntityType: "patient", EntityID: "p1", Payload: model.MustRecord(`{"phone":"555"}`)})

	assert.Equal(t, model.StatusResolved, e.op(first.OperationID).Status)
	require.True(t, second.Queued, "the direct call used the stale version and fell back to the queue")

	op := e.op(second.OperationID)
	assert.Equal(t, int64(2), op.BaseVersion)
	assert.Equal(t, model.MustRecord(`{"name":"Amina","ward":"4","phone":"555"}`), op.Payload)

	ent, err := e.store.GetEntity(e.ctx, "patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), ent.Version)

	_, err = eng.Drain(e.ctx)
	require.NoError(t, err)
	op = e.op(second.OperationID)
	assert.Equal(t, model.StatusResolved, op.Status)
	assert.Empty(t, op.Failure)

	st, ok := e.remote.Get("patient", "p1")
	require.True(t, ok)
	assert.Equal(t, int64(3), st.Version)
	assert.Equal(t, "555", st.Data["phone"])
	assert.Equal(t, "4", st.Data["ward"])
}

func TestSubmit_DeleteAfterLaneDrainedUnderIt(t *testing.T) {
	e := newEnv(t)
	e.seed()
	eng := e.newEngine()
	e.submit(Request{Kind: model.KindUpdate, EntityType: "patient", EntityID: "p1", Payload: model.MustRecord(`{"ward":"4"}`)})

	e.useValidator(drainDuringSubmit(t, eng))
	e.monitor.Set(connectivity.Online)
	res := e.submit(Request{Kind: model.KindDelete, EntityType: "patient", EntityID: "p1"})
	require.True(t, res.Queued)
	assert.Equal(t, int64(2), e.op(res.OperationID).BaseVersion)

	_, err := eng.Drain(e.ctx)
	require.NoError(t, err)

	op := e.op(res.OperationID)
	assert.Equal(t, model.StatusResolved, op.Status)
	assert.Empty(t, op.Failure)
	assert.Equal(t, 0, e.remote.Count("patient"))
}
