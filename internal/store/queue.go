package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/fieldsync/internal/model"
)

// ErrNotFailed is returned by Discard and Requeue for operations that are
// not in the Failed state.
var ErrNotFailed = errors.New("operation is not failed")

const opColumns = `seq, id, entity_type, entity_id, kind, payload, base, base_version,
	status, failure, attempt_count, last_attempt_at, next_attempt_at, last_error,
	remote, created_at, resolved_at`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Failure describes why an operation attempt did not resolve.
type Failure struct {
	Kind  model.FailureKind
	Error string

	// NextAttemptAt gates automatic retry of transient failures.
	NextAttemptAt time.Time

	// Remote is the server state that caused a conflict, kept so the user
	// can compare both versions.
	Remote *model.RemoteState
}

// EntityChange is the optimistic cache write paired with an append.
type EntityChange struct {
	Entity model.Entity
	Delete bool

	// Rebase lets the append move an update or delete onto the cached
	// version when its lane drained after the base snapshot was taken.
	// Leave it unset when the caller pinned the base version.
	Rebase bool
}

// Append persists op and returns its sequence number.
//
// Sequence assignment and the insert happen in one statement inside one
// transaction. Appending an operation ID that already exists with the same
// content is a no-op returning the original sequence; reusing an ID for
// different content is an error.
func (s *Store) Append(ctx context.Context, op model.Operation) (int64, error) {
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		seq, err = appendOp(ctx, tx, op)
		return err
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// AppendWithEntity appends op and applies the optimistic cache write in the
// same transaction, so a crash can never leave one without the other.
//
// The cache entry is re-read inside the transaction. The written version
// never drops below the cached one, and with change.Rebase set an operation
// whose lane is empty takes the cached version and snapshot as its base.
// The returned operation carries the precondition actually stored.
func (s *Store) AppendWithEntity(ctx context.Context, op model.Operation, change EntityChange) (model.Operation, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if op.Kind != model.KindCreate {
			var err error
			if op, change, err = reconcileBase(ctx, tx, op, change); err != nil {
				return err
			}
		}
		seq, err := appendOp(ctx, tx, op)
		if err != nil {
			return err
		}
		op.Sequence = seq
		if change.Delete {
			return deleteEntity(ctx, tx, change.Entity.Type, change.Entity.ID)
		}
		return putEntity(ctx, tx, change.Entity)
	})
	if err != nil {
		return model.Operation{}, err
	}
	if op.Status == "" {
		op.Status = model.StatusPending
	}
	return op, nil
}

// reconcileBase lines op and its cache write up with the cache entry as it
// stands inside the append transaction.
func reconcileBase(ctx context.Context, tx *sql.Tx, op model.Operation, change EntityChange) (model.Operation, EntityChange, error) {
	cached, err := getEntity(ctx, tx, op.EntityType, op.EntityID)
	if errors.Is(err, ErrNotFound) {
		return op, change, nil
	}
	if err != nil {
		return op, change, err
	}
	change.Entity.Temporary = change.Entity.Temporary || cached.Temporary
	if cached.Version <= op.BaseVersion {
		return op, change, nil
	}
	change.Entity.Version = cached.Version

	if !change.Rebase {
		return op, change, nil
	}
	lane, err := laneOps(ctx, tx, op.EntityType, op.EntityID, 0)
	if err != nil {
		return op, change, err
	}
	if len(lane) > 0 {
		// Resolving the lane head rebases everything queued behind it.
		return op, change, nil
	}
	if op.Kind == model.KindUpdate {
		fields := model.ChangedFields(op.Base, op.Payload)
		op.Payload = model.ApplyFields(cached.Data, op.Payload, fields)
		change.Entity.Data = op.Payload
	}
	op.Base = cached.Data.Clone()
	op.BaseVersion = cached.Version
	return op, change, nil
}

func appendOp(ctx context.Context, q querier, op model.Operation) (int64, error) {
	if op.ID == "" || op.EntityType == "" || op.EntityID == "" {
		return 0, fmt.Errorf("append: operation id, entity type and entity id are required")
	}
	if !op.Kind.Valid() {
		return 0, fmt.Errorf("append: invalid kind %q", op.Kind)
	}
	if op.Status == "" {
		op.Status = model.StatusPending
	}

	hash, err := model.PayloadHash(op.EntityType, op.EntityID, op.Kind, op.Payload)
	if err != nil {
		return 0, fmt.Errorf("append: %w", err)
	}
	payload, err := marshalRecord(op.Payload)
	if err != nil {
		return 0, fmt.Errorf("append: %w", err)
	}
	base, err := marshalRecord(op.Base)
	if err != nil {
		return 0, fmt.Errorf("append: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO operations
		(id, entity_type, entity_id, kind, payload, payload_hash, base, base_version, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		op.ID,
		op.EntityType,
		op.EntityID,
		string(op.Kind),
		payload,
		hash,
		base,
		op.BaseVersion,
		string(op.Status),
		op.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("append: %w", err)
	}

	var seq int64
	var existing string
	err = q.QueryRowContext(ctx, `SELECT seq, payload_hash FROM operations WHERE id = ?`, op.ID).
		Scan(&seq, &existing)
	if err != nil {
		return 0, fmt.Errorf("append: read sequence: %w", err)
	}
	if existing != hash {
		return 0, fmt.Errorf("append: operation id %s already used for different content", op.ID)
	}
	return seq, nil
}

// Get returns the operation with the given ID.
func (s *Store) Get(ctx context.Context, id string) (model.Operation, error) {
	return getOp(ctx, s.db, id)
}

func getOp(ctx context.Context, q querier, id string) (model.Operation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+opColumns+` FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Operation{}, fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Operation{}, fmt.Errorf("get operation %s: %w", id, err)
	}
	return op, nil
}

// ListPending returns all Pending and Failed operations in ascending
// sequence order. Callers decide which of them are eligible to dispatch.
func (s *Store) ListPending(ctx context.Context) ([]model.Operation, error) {
	return listOps(ctx, s.db, `
		SELECT `+opColumns+` FROM operations
		WHERE status IN ('pending', 'failed')
		ORDER BY seq ASC
	`)
}

// ListUnresolved returns every operation that is not Resolved, in
// ascending sequence order.
func (s *Store) ListUnresolved(ctx context.Context) ([]model.Operation, error) {
	return listOps(ctx, s.db, `
		SELECT `+opColumns+` FROM operations
		WHERE status != 'resolved'
		ORDER BY seq ASC
	`)
}

// ListFailed returns Failed operations in ascending sequence order.
func (s *Store) ListFailed(ctx context.Context) ([]model.Operation, error) {
	return listOps(ctx, s.db, `
		SELECT `+opColumns+` FROM operations
		WHERE status = 'failed'
		ORDER BY seq ASC
	`)
}

// ListLane returns the unresolved operations of one entity in sequence order.
func (s *Store) ListLane(ctx context.Context, entityType, entityID string) ([]model.Operation, error) {
	return laneOps(ctx, s.db, entityType, entityID, 0)
}

// laneOps lists unresolved operations for an entity with seq > after.
func laneOps(ctx context.Context, q querier, entityType, entityID string, after int64) ([]model.Operation, error) {
	return listOps(ctx, q, `
		SELECT `+opColumns+` FROM operations
		WHERE entity_type = ? AND entity_id = ? AND status != 'resolved' AND seq > ?
		ORDER BY seq ASC
	`, entityType, entityID, after)
}

func listOps(ctx context.Context, q querier, query string, args ...any) ([]model.Operation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var ops []model.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("list operations: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return ops, nil
}

// Count returns the number of unresolved operations.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operations WHERE status != 'resolved'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count operations: %w", err)
	}
	return n, nil
}

// CountForEntity returns the number of unresolved operations for one entity.
func (s *Store) CountForEntity(ctx context.Context, entityType, entityID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM operations
		WHERE entity_type = ? AND entity_id = ? AND status != 'resolved'
	`, entityType, entityID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entity operations: %w", err)
	}
	return n, nil
}

// MarkInFlight records a dispatch attempt. Only Pending and Failed
// operations can be dispatched.
func (s *Store) MarkInFlight(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operations
		SET status = 'in_flight', attempt_count = attempt_count + 1, last_attempt_at = ?
		WHERE id = ? AND status IN ('pending', 'failed')
	`, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("mark in flight: %w", err)
	}
	return expectOneRow(res, "mark in flight", id)
}

// MarkResolved resolves an operation without new remote state. The cache
// entry reverts to synced when no other operation for the entity remains.
func (s *Store) MarkResolved(ctx context.Context, id string, at time.Time) error {
	_, err := s.Resolve(ctx, Resolution{OperationID: id, At: at})
	return err
}

// MarkFailed moves an unresolved operation to Failed.
func (s *Store) MarkFailed(ctx context.Context, id string, f Failure) error {
	if f.Kind == model.FailureNone {
		f.Kind = model.FailureTransient
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		op, err := getOp(ctx, tx, id)
		if err != nil {
			return err
		}
		if op.Status == model.StatusResolved {
			return fmt.Errorf("mark failed %s: already resolved: %w", id, ErrNotFound)
		}
		remote, err := marshalRemote(f.Remote)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE operations
			SET status = 'failed', failure = ?, last_error = ?, next_attempt_at = ?, remote = ?
			WHERE id = ?
		`, string(f.Kind), f.Error, toMillis(f.NextAttemptAt), remote, id)
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		if f.Kind == model.FailureConflict {
			return setSyncStatus(ctx, tx, op.EntityType, op.EntityID, model.SyncStatusConflicted)
		}
		return nil
	})
}

// MarkConflicted fails an operation pending manual resolution and tags its
// cache entry as conflicted.
func (s *Store) MarkConflicted(ctx context.Context, id string, f Failure) error {
	f.Kind = model.FailureConflict
	return s.MarkFailed(ctx, id, f)
}

// Rebase replaces the payload and precondition of an unresolved operation
// and returns it to Pending. Used when a conflict is auto-merged onto a
// fresher remote version.
func (s *Store) Rebase(ctx context.Context, id string, payload, base model.Record, baseVersion int64, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		op, err := getOp(ctx, tx, id)
		if err != nil {
			return err
		}
		if op.Status == model.StatusResolved {
			return fmt.Errorf("rebase %s: already resolved: %w", id, ErrNotFound)
		}
		if err := updatePayload(ctx, tx, op, payload, base, baseVersion); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE operations
			SET status = 'pending', failure = '', last_error = '', next_attempt_at = NULL, remote = NULL
			WHERE id = ?
		`, id)
		if err != nil {
			return fmt.Errorf("rebase: %w", err)
		}
		op.Payload, op.BaseVersion = payload, baseVersion
		return refreshOptimistic(ctx, tx, op, at)
	})
}

// Requeue returns a Failed operation to Pending with a fresh attempt budget,
// optionally replacing its payload.
func (s *Store) Requeue(ctx context.Context, id string, payload model.Record, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		op, err := getOp(ctx, tx, id)
		if err != nil {
			return err
		}
		if op.Status != model.StatusFailed {
			return fmt.Errorf("requeue %s: %w", id, ErrNotFailed)
		}
		if payload != nil {
			if err := updatePayload(ctx, tx, op, payload, op.Base, op.BaseVersion); err != nil {
				return err
			}
			op.Payload = payload
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE operations
			SET status = 'pending', failure = '', last_error = '', attempt_count = 0,
			    next_attempt_at = NULL, remote = NULL
			WHERE id = ?
		`, id)
		if err != nil {
			return fmt.Errorf("requeue: %w", err)
		}
		return refreshOptimistic(ctx, tx, op, at)
	})
}

// Discard removes a Failed operation and rolls its optimistic cache write
// back. Discarding a Create also discards every later operation on the same
// entity, since none of them can succeed without it. Returns the discarded
// operation.
func (s *Store) Discard(ctx context.Context, id string, at time.Time) (model.Operation, error) {
	var op model.Operation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		op, err = getOp(ctx, tx, id)
		if err != nil {
			return err
		}
		if op.Status != model.StatusFailed {
			return fmt.Errorf("discard %s: %w", id, ErrNotFailed)
		}

		if op.Kind == model.KindCreate {
			_, err = tx.ExecContext(ctx, `
				DELETE FROM operations
				WHERE entity_type = ? AND entity_id = ? AND status != 'resolved' AND seq >= ?
			`, op.EntityType, op.EntityID, op.Sequence)
		} else {
			_, err = tx.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, id)
		}
		if err != nil {
			return fmt.Errorf("discard: %w", err)
		}

		revertData, revertVersion, gone := op.Base, op.BaseVersion, op.Kind == model.KindCreate
		if op.Remote != nil {
			revertData, revertVersion, gone = op.Remote.Data, op.Remote.Version, op.Remote.Deleted
		}

		remaining, err := laneOps(ctx, tx, op.EntityType, op.EntityID, 0)
		if err != nil {
			return err
		}
		if len(remaining) > 0 {
			for _, next := range remaining {
				if next.Sequence > op.Sequence {
					if err := updatePayload(ctx, tx, next, next.Payload, revertData, revertVersion); err != nil {
						return err
					}
					break
				}
			}
			return setSyncStatus(ctx, tx, op.EntityType, op.EntityID, model.SyncStatusPendingLocalChange)
		}

		switch {
		case gone:
			return deleteEntity(ctx, tx, op.EntityType, op.EntityID)
		case revertData != nil:
			return putEntity(ctx, tx, model.Entity{
				Type:       op.EntityType,
				ID:         op.EntityID,
				Data:       revertData,
				Version:    revertVersion,
				SyncStatus: model.SyncStatusSynced,
				UpdatedAt:  at,
			})
		default:
			return setSyncStatus(ctx, tx, op.EntityType, op.EntityID, model.SyncStatusSynced)
		}
	})
	if err != nil {
		return model.Operation{}, err
	}
	return op, nil
}

// RecoverInFlight returns operations left InFlight by a crash to Pending.
// Their attempt count already includes the interrupted attempt.
func (s *Store) RecoverInFlight(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE operations SET status = 'pending' WHERE status = 'in_flight'`)
	if err != nil {
		return 0, fmt.Errorf("recover in-flight: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover in-flight: %w", err)
	}
	return int(n), nil
}

// PurgeResolved deletes Resolved operations resolved before the cutoff.
func (s *Store) PurgeResolved(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM operations WHERE status = 'resolved' AND resolved_at < ?
	`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge resolved: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge resolved: %w", err)
	}
	return int(n), nil
}

// updatePayload rewrites the payload and precondition of op, keeping the
// stored payload hash in step.
func updatePayload(ctx context.Context, q querier, op model.Operation, payload, base model.Record, baseVersion int64) error {
	hash, err := model.PayloadHash(op.EntityType, op.EntityID, op.Kind, payload)
	if err != nil {
		return err
	}
	p, err := marshalRecord(payload)
	if err != nil {
		return err
	}
	b, err := marshalRecord(base)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		UPDATE operations SET payload = ?, payload_hash = ?, base = ?, base_version = ?
		WHERE id = ?
	`, p, hash, b, baseVersion, op.ID)
	if err != nil {
		return fmt.Errorf("update payload: %w", err)
	}
	return nil
}

// refreshOptimistic re-applies op to the cache when it is the newest
// unresolved change for its entity, and clears a conflicted tag.
func refreshOptimistic(ctx context.Context, q querier, op model.Operation, at time.Time) error {
	later, err := laneOps(ctx, q, op.EntityType, op.EntityID, op.Sequence)
	if err != nil {
		return err
	}
	if len(later) == 0 && op.Kind != model.KindDelete && op.Payload != nil {
		current, err := getEntity(ctx, q, op.EntityType, op.EntityID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		return putEntity(ctx, q, model.Entity{
			Type:       op.EntityType,
			ID:         op.EntityID,
			Data:       op.Payload,
			Version:    op.BaseVersion,
			SyncStatus: model.SyncStatusPendingLocalChange,
			Temporary:  current.Temporary,
			UpdatedAt:  at,
		})
	}
	return setSyncStatus(ctx, q, op.EntityType, op.EntityID, model.SyncStatusPendingLocalChange)
}

func expectOneRow(res sql.Result, action, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", action, id, ErrNotFound)
	}
	return nil
}

func scanOperation(row rowScanner) (model.Operation, error) {
	var (
		op                       model.Operation
		kind, status, failure    string
		payload, base, remote    sql.NullString
		lastAttempt, nextAttempt sql.NullInt64
		resolvedAt               sql.NullInt64
		createdAt                int64
	)
	err := row.Scan(
		&op.Sequence, &op.ID, &op.EntityType, &op.EntityID, &kind,
		&payload, &base, &op.BaseVersion,
		&status, &failure, &op.AttemptCount, &lastAttempt, &nextAttempt, &op.LastError,
		&remote, &createdAt, &resolvedAt,
	)
	if err != nil {
		return model.Operation{}, err
	}

	op.Kind = model.Kind(kind)
	op.Status = model.Status(status)
	op.Failure = model.FailureKind(failure)
	op.LastAttemptAt = fromMillis(lastAttempt)
	op.NextAttemptAt = fromMillis(nextAttempt)
	op.ResolvedAt = fromMillis(resolvedAt)
	op.CreatedAt = time.UnixMilli(createdAt).UTC()

	if op.Payload, err = unmarshalRecord(payload); err != nil {
		return model.Operation{}, err
	}
	if op.Base, err = unmarshalRecord(base); err != nil {
		return model.Operation{}, err
	}
	if op.Remote, err = unmarshalRemote(remote); err != nil {
		return model.Operation{}, err
	}
	return op, nil
}

// jsonNeedle is the canonical JSON form of s, used to pre-filter rows with
// instr() before decoding them.
func jsonNeedle(s string) string {
	b, err := model.MarshalCanonical(s)
	if err != nil {
		return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
	}
	return string(b)
}
