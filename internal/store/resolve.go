package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/fieldsync/internal/model"
)

// Resolution is the terminal outcome of an operation.
type Resolution struct {
	OperationID string
	At          time.Time

	// Remote is the server's view of the entity after the outcome. For a
	// successful Create it carries the server-assigned identifier. Nil when
	// the outcome did not produce fresh remote state.
	Remote *model.RemoteState
}

// ResolveResult reports what Resolve changed besides the operation itself.
type ResolveResult struct {
	Operation model.Operation

	// EntityID is the entity's identifier after resolution; it differs from
	// the operation's original EntityID when a temporary ID was replaced.
	EntityID string

	// Rewritten counts rewritten references to a replaced temporary ID.
	Rewritten int
}

// Resolve marks an operation Resolved and reconciles everything that depends
// on it in one transaction:
//   - a temporary entity ID is replaced by the server-assigned one in queued
//     operations, payload references and cache entries
//   - later operations on the same entity are rebased onto the new version
//   - the cache entry reverts to synced (or is removed, for a delete) when no
//     other operation for the entity remains
//
// Resolving an already resolved operation is a no-op.
func (s *Store) Resolve(ctx context.Context, res Resolution) (ResolveResult, error) {
	var out ResolveResult
	already := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		op, err := getOp(ctx, tx, res.OperationID)
		if err != nil {
			return err
		}
		out.Operation, out.EntityID = op, op.EntityID
		if op.Status == model.StatusResolved {
			already = true
			return nil
		}

		if op.Kind == model.KindCreate && res.Remote != nil &&
			res.Remote.EntityID != "" && res.Remote.EntityID != op.EntityID {
			n, err := rewriteEntityID(ctx, tx, op.EntityType, op.EntityID, res.Remote.EntityID, res.At)
			if err != nil {
				return err
			}
			out.EntityID, out.Rewritten = res.Remote.EntityID, n
		}

		remote, err := marshalRemote(res.Remote)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE operations
			SET status = 'resolved', resolved_at = ?, failure = '', last_error = '',
			    next_attempt_at = NULL, remote = ?
			WHERE id = ?
		`, res.At.UnixMilli(), remote, op.ID)
		if err != nil {
			return fmt.Errorf("resolve: %w", err)
		}

		later, err := laneOps(ctx, tx, op.EntityType, out.EntityID, 0)
		if err != nil {
			return err
		}
		if len(later) > 0 {
			return rebaseLane(ctx, tx, later, res.Remote)
		}
		return settleEntity(ctx, tx, op, out.EntityID, res)
	})
	if err != nil {
		return ResolveResult{}, err
	}
	if already {
		return out, nil
	}
	out.Operation.EntityID = out.EntityID
	out.Operation.Status = model.StatusResolved
	out.Operation.ResolvedAt = res.At
	out.Operation.Remote = res.Remote
	return out, nil
}

// rebaseLane moves the remaining operations of a lane onto the version the
// server just reported. The next operation also takes the server snapshot
// as its diff base; later ones keep the snapshot of their own predecessor.
func rebaseLane(ctx context.Context, tx *sql.Tx, later []model.Operation, remote *model.RemoteState) error {
	if remote == nil {
		return nil
	}
	for i, op := range later {
		base := op.Base
		if i == 0 && !remote.Deleted && remote.Data != nil {
			base = remote.Data
		}
		if err := updatePayload(ctx, tx, op, op.Payload, base, remote.Version); err != nil {
			return err
		}
	}
	op := later[0]
	_, err := tx.ExecContext(ctx, `
		UPDATE entities SET version = ?, temporary = 0
		WHERE entity_type = ? AND entity_id = ?
	`, remote.Version, op.EntityType, op.EntityID)
	if err != nil {
		return fmt.Errorf("rebase lane: %w", err)
	}
	return nil
}

// settleEntity updates the cache once the last operation for an entity has
// resolved.
func settleEntity(ctx context.Context, tx *sql.Tx, op model.Operation, entityID string, res Resolution) error {
	switch {
	case res.Remote == nil && op.Kind == model.KindDelete:
		return deleteEntity(ctx, tx, op.EntityType, entityID)
	case res.Remote == nil:
		return setSyncStatus(ctx, tx, op.EntityType, entityID, model.SyncStatusSynced)
	case res.Remote.Deleted:
		return deleteEntity(ctx, tx, op.EntityType, entityID)
	case res.Remote.Data == nil:
		_, err := tx.ExecContext(ctx, `
			UPDATE entities SET version = ?, sync_status = 'synced', temporary = 0, updated_at = ?
			WHERE entity_type = ? AND entity_id = ?
		`, res.Remote.Version, res.At.UnixMilli(), op.EntityType, entityID)
		if err != nil {
			return fmt.Errorf("settle entity: %w", err)
		}
		return nil
	default:
		return putEntity(ctx, tx, model.Entity{
			Type:       op.EntityType,
			ID:         entityID,
			Data:       res.Remote.Data,
			Version:    res.Remote.Version,
			SyncStatus: model.SyncStatusSynced,
			UpdatedAt:  res.At,
		})
	}
}

// rewriteEntityID replaces a temporary entity ID with the server-assigned
// one everywhere it is referenced: the lane's operations, string values in
// unresolved payloads and bases, the cache entry's key, and string values in
// other cache entries. Returns the number of string references rewritten.
func rewriteEntityID(ctx context.Context, tx *sql.Tx, entityType, oldID, newID string, at time.Time) (int, error) {
	_, err := tx.ExecContext(ctx, `
		UPDATE operations SET entity_id = ? WHERE entity_type = ? AND entity_id = ?
	`, newID, entityType, oldID)
	if err != nil {
		return 0, fmt.Errorf("rewrite operations: %w", err)
	}

	needle := jsonNeedle(oldID)
	total := 0

	ops, err := listOps(ctx, tx, `
		SELECT `+opColumns+` FROM operations
		WHERE status != 'resolved' AND (instr(payload, ?) > 0 OR instr(base, ?) > 0)
		ORDER BY seq ASC
	`, needle, needle)
	if err != nil {
		return 0, err
	}
	for _, op := range ops {
		payload, n1 := model.ReplaceString(op.Payload, oldID, newID)
		base, n2 := model.ReplaceString(op.Base, oldID, newID)
		if n1+n2 == 0 {
			continue
		}
		if err := updatePayload(ctx, tx, op, payload, base, op.BaseVersion); err != nil {
			return 0, err
		}
		total += n1 + n2
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM entities WHERE entity_type = ? AND entity_id = ?
	`, entityType, newID)
	if err != nil {
		return 0, fmt.Errorf("rewrite entity: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE entities SET entity_id = ?, temporary = 0, updated_at = ?
		WHERE entity_type = ? AND entity_id = ?
	`, newID, at.UnixMilli(), entityType, oldID)
	if err != nil {
		return 0, fmt.Errorf("rewrite entity: %w", err)
	}

	entities, err := listEntities(ctx, tx, `
		SELECT `+entityColumns+` FROM entities WHERE instr(data, ?) > 0
		ORDER BY entity_type ASC, entity_id ASC
	`, needle)
	if err != nil {
		return 0, err
	}
	for _, e := range entities {
		data, n := model.ReplaceString(e.Data, oldID, newID)
		if n == 0 {
			continue
		}
		e.Data = data
		if err := putEntity(ctx, tx, e); err != nil {
			return 0, err
		}
		total += n
	}

	return total, nil
}
