package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLease_FreeLease(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	l, err := s.AcquireLease(ctx, DrainLease, "daemon", time.Minute, t0)
	require.NoError(t, err)
	assert.Equal(t, "daemon", l.Owner)
	assert.Equal(t, t0.Add(time.Minute), l.ExpiresAt)

	got, ok, err := s.GetLease(ctx, DrainLease)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "daemon", got.Owner)
	assert.True(t, got.ExpiresAt.Equal(t0.Add(time.Minute)))
}

func TestAcquireLease_OwnerRenews(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.AcquireLease(ctx, DrainLease, "daemon", time.Minute, t0)
	require.NoError(t, err)
	l, err := s.AcquireLease(ctx, DrainLease, "daemon", time.Minute, t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(90*time.Second), l.ExpiresAt)
}

func TestAcquireLease_HeldByOther(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.AcquireLease(ctx, DrainLease, "daemon", time.Minute, t0)
	require.NoError(t, err)

	held, err := s.AcquireLease(ctx, DrainLease, "cli", time.Minute, t0.Add(59*time.Second))
	assert.ErrorIs(t, err, ErrLeaseHeld)
	assert.Equal(t, "daemon", held.Owner)
}

func TestAcquireLease_TakesOverExpired(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.AcquireLease(ctx, DrainLease, "crashed", time.Minute, t0)
	require.NoError(t, err)

	l, err := s.AcquireLease(ctx, DrainLease, "cli", time.Minute, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "cli", l.Owner)
}

func TestAcquireLease_SeparateConnections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	a, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	b, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	ctx := context.Background()

	_, err = a.AcquireLease(ctx, DrainLease, "daemon", time.Minute, t0)
	require.NoError(t, err)
	_, err = b.AcquireLease(ctx, DrainLease, "cli", time.Minute, t0)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	require.NoError(t, a.ReleaseLease(ctx, DrainLease, "daemon"))
	_, err = b.AcquireLease(ctx, DrainLease, "cli", time.Minute, t0)
	assert.NoError(t, err)
}

func TestReleaseLease_OnlyByOwner(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.AcquireLease(ctx, DrainLease, "daemon", time.Minute, t0)
	require.NoError(t, err)

	require.NoError(t, s.ReleaseLease(ctx, DrainLease, "cli"))
	_, ok, err := s.GetLease(ctx, DrainLease)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.ReleaseLease(ctx, DrainLease, "daemon"))
	_, ok, err = s.GetLease(ctx, DrainLease)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseLease(ctx, DrainLease, "daemon"))
}

func TestAcquireLease_RequiresOwner(t *testing.T) {
	s := createTestStore(t)
	_, err := s.AcquireLease(context.Background(), DrainLease, "", time.Minute, t0)
	assert.Error(t, err)
}
