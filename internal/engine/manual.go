package engine

import (
	"context"
	"fmt"

	"github.com/roach88/fieldsync/internal/conflict"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// Choice is the user's pick for an operation awaiting manual resolution.
type Choice string

const (
	// KeepLocal re-applies the local change on top of the remote version.
	KeepLocal Choice = "local"

	// KeepRemote drops the local change and adopts the remote state.
	KeepRemote Choice = "remote"
)

// ParseChoice converts a user-supplied string into a Choice.
func ParseChoice(s string) (Choice, error) {
	switch Choice(s) {
	case KeepLocal, KeepRemote:
		return Choice(s), nil
	}
	return "", fmt.Errorf("unknown choice %q (want local or remote)", s)
}

// ResolveManually applies the user's decision to an operation that the
// conflict resolver escalated. Keeping local rebases the operation onto the
// captured remote version and requests a drain; keeping remote resolves it
// with the remote state. Returns the updated operation.
func (e *Engine) ResolveManually(ctx context.Context, opID string, choice Choice) (model.Operation, error) {
	op, err := e.store.Get(ctx, opID)
	if err != nil {
		return model.Operation{}, err
	}
	if op.Status != model.StatusFailed || op.Failure != model.FailureConflict {
		return model.Operation{}, fmt.Errorf("resolve %s: %w", opID, ErrNotResolvable)
	}

	now := e.clock.Now()
	switch choice {
	case KeepRemote:
		if op.Remote == nil {
			if _, err := e.store.Discard(ctx, opID, now); err != nil {
				return model.Operation{}, err
			}
			e.logger.Info("conflict resolved", "operation_id", opID, "choice", choice)
			e.Trigger()
			return op, nil
		}
		res, err := e.store.Resolve(ctx, store.Resolution{OperationID: opID, At: now, Remote: op.Remote})
		if err != nil {
			return model.Operation{}, err
		}
		e.logger.Info("conflict resolved", "operation_id", opID, "choice", choice)
		e.Trigger()
		return res.Operation, nil

	case KeepLocal:
		d, err := conflict.Force(op, op.Remote)
		if err != nil {
			return model.Operation{}, &ResolveError{OperationID: opID, Choice: choice, Reason: err.Error()}
		}
		if d.Verdict == conflict.DiscardLocal {
			res, err := e.store.Resolve(ctx, store.Resolution{OperationID: opID, At: now, Remote: op.Remote})
			if err != nil {
				return model.Operation{}, err
			}
			e.logger.Info("conflict resolved", "operation_id", opID, "choice", choice, "reason", d.Reason)
			return res.Operation, nil
		}
		if err := e.store.Rebase(ctx, opID, d.Payload, d.Base, d.BaseVersion, now); err != nil {
			return model.Operation{}, err
		}
		e.logger.Info("conflict resolved", "operation_id", opID, "choice", choice, "base_version", d.BaseVersion)
		e.Trigger()
		return e.store.Get(ctx, opID)
	}
	return model.Operation{}, &ResolveError{OperationID: opID, Choice: choice, Reason: "unknown choice"}
}

// Discard drops a Failed operation and rolls back its optimistic cache
// write. See store.Discard for the cascade applied to creates.
func (e *Engine) Discard(ctx context.Context, opID string) (model.Operation, error) {
	op, err := e.store.Discard(ctx, opID, e.clock.Now())
	if err != nil {
		return model.Operation{}, err
	}
	e.logger.Info("operation discarded", "operation_id", opID, "entity", op.LaneKey(), "kind", op.Kind)
	e.Trigger()
	return op, nil
}

// Retry returns a Failed operation to the queue with a fresh attempt
// budget. A non-nil payload replaces the queued one after validation. A
// conflicted update or delete is moved onto the remote version it
// conflicted with, so the retry does not hit the same precondition again.
func (e *Engine) Retry(ctx context.Context, opID string, payload model.Record) (model.Operation, error) {
	op, err := e.store.Get(ctx, opID)
	if err != nil {
		return model.Operation{}, err
	}
	if op.Status != model.StatusFailed {
		return model.Operation{}, fmt.Errorf("retry %s: %w", opID, store.ErrNotFailed)
	}
	if payload != nil && e.validate != nil {
		if err := e.validate.Validate(op.EntityType, op.Kind, payload); err != nil {
			return model.Operation{}, err
		}
	}

	now := e.clock.Now()
	rebase := op.Failure == model.FailureConflict && op.Kind != model.KindCreate &&
		op.Remote != nil && !op.Remote.Deleted
	if rebase {
		next := op.Payload
		if payload != nil {
			next = payload
		}
		if op.Kind == model.KindDelete {
			next = nil
		}
		if err := e.store.Rebase(ctx, opID, next, op.Remote.Data, op.Remote.Version, now); err != nil {
			return model.Operation{}, err
		}
	} else if err := e.store.Requeue(ctx, opID, payload, now); err != nil {
		return model.Operation{}, err
	}
	e.logger.Info("operation requeued", "operation_id", opID, "entity", op.LaneKey(), "payload_replaced", payload != nil)
	e.Trigger()
	return e.store.Get(ctx, opID)
}
