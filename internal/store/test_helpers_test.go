package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/fieldsync/internal/model"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// createTestStore opens a fresh store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestOperation creates a pending update with minimal required fields.
func createTestOperation(id, entityID string, payload string) model.Operation {
	return model.Operation{
		ID:          id,
		EntityType:  "patient",
		EntityID:    entityID,
		Kind:        model.KindUpdate,
		Payload:     model.MustRecord(payload),
		Base:        model.MustRecord(`{"name":"Amina","ward":"3"}`),
		BaseVersion: 1,
		CreatedAt:   t0,
	}
}

func mustAppend(t *testing.T, s *Store, op model.Operation) int64 {
	t.Helper()
	seq, err := s.Append(context.Background(), op)
	if err != nil {
		t.Fatalf("Append(%s) failed: %v", op.ID, err)
	}
	return seq
}
