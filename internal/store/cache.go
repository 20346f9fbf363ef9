package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/fieldsync/internal/model"
)

const entityColumns = `entity_type, entity_id, data, version, sync_status, temporary, updated_at`

// GetEntity returns the cached snapshot of an entity.
func (s *Store) GetEntity(ctx context.Context, entityType, entityID string) (model.Entity, error) {
	return getEntity(ctx, s.db, entityType, entityID)
}

func getEntity(ctx context.Context, q querier, entityType, entityID string) (model.Entity, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+entityColumns+` FROM entities WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Entity{}, fmt.Errorf("entity %s: %w", model.LaneKey(entityType, entityID), ErrNotFound)
	}
	if err != nil {
		return model.Entity{}, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

// PutEntity inserts or replaces a cache entry.
func (s *Store) PutEntity(ctx context.Context, e model.Entity) error {
	return putEntity(ctx, s.db, e)
}

func putEntity(ctx context.Context, q querier, e model.Entity) error {
	if e.SyncStatus == "" {
		e.SyncStatus = model.SyncStatusSynced
	}
	data, err := marshalRecord(e.Data)
	if err != nil {
		return fmt.Errorf("put entity: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO entities (entity_type, entity_id, data, version, sync_status, temporary, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			data = excluded.data,
			version = excluded.version,
			sync_status = excluded.sync_status,
			temporary = excluded.temporary,
			updated_at = excluded.updated_at
	`, e.Type, e.ID, data, e.Version, string(e.SyncStatus), e.Temporary, e.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("put entity: %w", err)
	}
	return nil
}

// DeleteEntity removes a cache entry. Deleting a missing entry is a no-op.
func (s *Store) DeleteEntity(ctx context.Context, entityType, entityID string) error {
	return deleteEntity(ctx, s.db, entityType, entityID)
}

func deleteEntity(ctx context.Context, q querier, entityType, entityID string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM entities WHERE entity_type = ? AND entity_id = ?`, entityType, entityID)
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	return nil
}

func setSyncStatus(ctx context.Context, q querier, entityType, entityID string, status model.SyncStatus) error {
	_, err := q.ExecContext(ctx, `
		UPDATE entities SET sync_status = ? WHERE entity_type = ? AND entity_id = ?
	`, string(status), entityType, entityID)
	if err != nil {
		return fmt.Errorf("set sync status: %w", err)
	}
	return nil
}

// ListEntities returns cache entries of one type, or of every type when
// entityType is empty, ordered by type then ID.
func (s *Store) ListEntities(ctx context.Context, entityType string) ([]model.Entity, error) {
	if entityType == "" {
		return listEntities(ctx, s.db, `
			SELECT `+entityColumns+` FROM entities ORDER BY entity_type ASC, entity_id ASC
		`)
	}
	return listEntities(ctx, s.db, `
		SELECT `+entityColumns+` FROM entities WHERE entity_type = ? ORDER BY entity_id ASC
	`, entityType)
}

func listEntities(ctx context.Context, q querier, query string, args ...any) ([]model.Entity, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("list entities: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	return out, nil
}

// ApplyRemoteChange folds one entry of the remote change feed into the
// cache. Entities with unresolved local operations are left alone, as are
// changes no newer than the cached version. Reports whether the cache
// changed.
func (s *Store) ApplyRemoteChange(ctx context.Context, ch model.Change, at time.Time) (bool, error) {
	applied := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var pending int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM operations
			WHERE entity_type = ? AND entity_id = ? AND status != 'resolved'
		`, ch.EntityType, ch.EntityID).Scan(&pending)
		if err != nil {
			return fmt.Errorf("apply remote change: %w", err)
		}
		if pending > 0 {
			return nil
		}

		current, err := getEntity(ctx, tx, ch.EntityType, ch.EntityID)
		switch {
		case errors.Is(err, ErrNotFound):
			if ch.Kind == model.KindDelete {
				return nil
			}
		case err != nil:
			return err
		case current.Version >= ch.Version:
			return nil
		}

		applied = true
		if ch.Kind == model.KindDelete {
			return deleteEntity(ctx, tx, ch.EntityType, ch.EntityID)
		}
		return putEntity(ctx, tx, model.Entity{
			Type:       ch.EntityType,
			ID:         ch.EntityID,
			Data:       ch.Data,
			Version:    ch.Version,
			SyncStatus: model.SyncStatusSynced,
			UpdatedAt:  at,
		})
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func scanEntity(row rowScanner) (model.Entity, error) {
	var (
		e         model.Entity
		data      sql.NullString
		status    string
		updatedAt int64
	)
	if err := row.Scan(&e.Type, &e.ID, &data, &e.Version, &status, &e.Temporary, &updatedAt); err != nil {
		return model.Entity{}, err
	}
	var err error
	if e.Data, err = unmarshalRecord(data); err != nil {
		return model.Entity{}, err
	}
	e.SyncStatus = model.SyncStatus(status)
	e.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return e, nil
}
