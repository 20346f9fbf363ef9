package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// otherProcess opens the fixture's database on a second connection and
// builds an engine that holds the lease under a different owner.
func (f *fixture) otherProcess() *Engine {
	f.t.Helper()
	s, err := store.Open(f.path)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { s.Close() })
	return f.newEngine(s, WithLeaseOwner("cli"))
}

func TestDrain_LeaseExcludesOtherProcess(t *testing.T) {
	f := newFixture(t, WithLeaseOwner("daemon"))
	f.seed("patient", "p1", amina)
	f.update("op-1", "p1", 1, amina, `{"name":"Amina","ward":"4"}`)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.remote.OnApply = func(model.Operation) {
		close(entered)
		<-release
	}
	f.online()
	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Drain(f.ctx)
		done <- err
	}()
	<-entered

	other := f.otherProcess()
	n, err := other.Recover(f.ctx)
	assert.ErrorIs(t, err, ErrDrainInProgress)
	assert.Zero(t, n)
	assert.Equal(t, model.StatusInFlight, f.op("op-1").Status)

	_, err = other.Drain(f.ctx)
	assert.ErrorIs(t, err, ErrDrainInProgress)
	assert.Contains(t, err.Error(), "daemon")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, model.StatusResolved, f.op("op-1").Status)
	assert.Equal(t, []string{"op-1"}, f.callIDs(""))

	n, err = other.Recover(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecover_TakesOverExpiredLease(t *testing.T) {
	f := newFixture(t, WithLeaseTTL(time.Minute))
	f.seed("patient", "p1", amina)
	f.update("op-1", "p1", 1, amina, `{"name":"Amina","ward":"4"}`)
	require.NoError(t, f.store.MarkInFlight(f.ctx, "op-1", f.clock.Now()))

	// A process that died mid-pass.
	_, err := f.store.AcquireLease(f.ctx, store.DrainLease, "crashed", time.Minute, f.clock.Now())
	require.NoError(t, err)

	_, err = f.engine.Recover(f.ctx)
	assert.ErrorIs(t, err, ErrDrainInProgress)
	assert.Equal(t, model.StatusInFlight, f.op("op-1").Status)

	f.clock.Advance(time.Minute)
	n, err := f.engine.Recover(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.StatusPending, f.op("op-1").Status)
}

func TestDrain_ReleasesLease(t *testing.T) {
	f := newFixture(t)
	f.online()
	f.drain()

	_, held, err := f.store.GetLease(f.ctx, store.DrainLease)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestRecover_RejectedDuringOwnDrain(t *testing.T) {
	f := newFixture(t)
	f.seed("patient", "p1", amina)
	f.update("op-1", "p1", 1, amina, `{"name":"Amina","ward":"4"}`)

	f.remote.OnApply = func(model.Operation) {
		_, err := f.engine.Recover(f.ctx)
		assert.ErrorIs(t, err, ErrDrainInProgress)
	}
	f.online()

	sess := f.drain()
	assert.Equal(t, []string{"op-1:resolved"}, results(sess))
}
