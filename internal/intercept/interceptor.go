package intercept

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// TempIDPrefix marks client-generated entity identifiers.
const TempIDPrefix = "tmp-"

// Remote sends one operation. Implemented by remote.Client.
type Remote interface {
	Apply(ctx context.Context, op model.Operation) (model.RemoteState, error)
}

// Connectivity reports the current connectivity state.
type Connectivity interface {
	Online() bool
}

// Trigger requests a drain. Implemented by engine.Engine.
type Trigger interface {
	Trigger() bool
}

// Request is one mutation submitted by the application.
type Request struct {
	Kind       model.Kind
	EntityType string

	// EntityID is required for Update and Delete. For Create it may carry a
	// caller-chosen temporary ID; otherwise one is generated.
	EntityID string

	// Payload is the full record for Create and a field patch for Update,
	// applied on top of the cached snapshot. Ignored for Delete.
	Payload model.Record

	// BaseVersion overrides the version taken from the cache.
	BaseVersion int64
}

// Result describes where a submitted write went.
type Result struct {
	OperationID string `json:"operation_id"`
	EntityID    string `json:"entity_id"`

	// Queued is false when the write reached the remote store directly.
	Queued bool `json:"queued"`

	// Version is the remote version after a direct write.
	Version int64 `json:"version,omitempty"`
}

// Interceptor implements Submit.
//
// Thread-safety: safe for concurrent use. The queue store serializes appends.
type Interceptor struct {
	store    *store.Store
	remote   Remote
	conn     Connectivity
	validate engine.Validator
	trigger  Trigger
	ids      engine.IDGenerator
	clock    engine.Clock
	logger   *slog.Logger

	pending atomic.Int64
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithValidator checks Create and Update payloads before anything is sent or
// queued.
func WithValidator(v engine.Validator) Option {
	return func(i *Interceptor) { i.validate = v }
}

// WithTrigger requests a drain after a write is queued while online.
func WithTrigger(t Trigger) Option {
	return func(i *Interceptor) { i.trigger = t }
}

// WithIDs sets the generator used for operation and temporary entity IDs.
func WithIDs(g engine.IDGenerator) Option {
	return func(i *Interceptor) { i.ids = g }
}

// WithClock sets the time source.
func WithClock(c engine.Clock) Option {
	return func(i *Interceptor) { i.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Interceptor) { i.logger = l }
}

// New creates an Interceptor. The pending counter starts at the number of
// unresolved operations already in s.
func New(ctx context.Context, s *store.Store, remote Remote, conn Connectivity, opts ...Option) (*Interceptor, error) {
	i := &Interceptor{
		store:  s,
		remote: remote,
		conn:   conn,
		ids:    engine.UUIDv7Generator{},
		clock:  engine.SystemClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	n, err := s.Count(ctx)
	if err != nil {
		return nil, model.NewStorageError("count queue", err)
	}
	i.pending.Store(int64(n))
	return i, nil
}

// Pending returns the number of operations this process believes are
// waiting in the queue. Every queued submit increments it; Refresh re-reads
// the store, e.g. after a drain.
func (i *Interceptor) Pending() int64 {
	return i.pending.Load()
}

// Refresh resets the pending counter from the queue store.
func (i *Interceptor) Refresh(ctx context.Context) (int64, error) {
	n, err := i.store.Count(ctx)
	if err != nil {
		return 0, model.NewStorageError("count queue", err)
	}
	i.pending.Store(int64(n))
	return int64(n), nil
}

// Submit applies one mutation. The local cache reflects the write before
// Submit returns, whichever path it took.
func (i *Interceptor) Submit(ctx context.Context, req Request) (Result, error) {
	op, err := i.prepare(ctx, req)
	if err != nil {
		return Result{}, err
	}

	if i.conn != nil && i.conn.Online() && i.remote != nil {
		direct, err := i.canSendDirectly(ctx, op)
		if err != nil {
			return Result{}, err
		}
		if direct {
			res, sent, err := i.send(ctx, op)
			if err != nil || sent {
				return res, err
			}
		}
	}
	return i.enqueue(ctx, op, req.Kind != model.KindCreate && req.BaseVersion == 0)
}

// prepare validates req and builds the operation with its base snapshot.
func (i *Interceptor) prepare(ctx context.Context, req Request) (model.Operation, error) {
	if !req.Kind.Valid() {
		return model.Operation{}, model.NewValidationError("invalid operation kind %q", req.Kind)
	}
	if req.EntityType == "" {
		return model.Operation{}, model.NewValidationError("entity type is required")
	}
	op := model.Operation{
		ID:         i.ids.Generate(),
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Kind:       req.Kind,
		Status:     model.StatusPending,
		CreatedAt:  i.clock.Now(),
	}

	switch req.Kind {
	case model.KindCreate:
		if req.Payload == nil {
			return model.Operation{}, &model.Error{Code: model.ErrCodeValidation, Message: "create requires a payload", EntityType: req.EntityType}
		}
		op.Payload = req.Payload.Clone()
	default:
		if req.EntityID == "" {
			return model.Operation{}, &model.Error{Code: model.ErrCodeValidation, Message: fmt.Sprintf("%s requires an entity id", req.Kind), EntityType: req.EntityType}
		}
		cached, err := i.store.GetEntity(ctx, req.EntityType, req.EntityID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if req.BaseVersion == 0 {
				return model.Operation{}, &model.Error{
					Code: model.ErrCodeValidation, Message: "entity is not cached locally; a base version is required",
					EntityType: req.EntityType, EntityID: req.EntityID,
				}
			}
		case err != nil:
			return model.Operation{}, model.NewStorageError("read cache", err)
		default:
			op.Base = cached.Data.Clone()
			op.BaseVersion = cached.Version
		}
		if req.BaseVersion != 0 {
			op.BaseVersion = req.BaseVersion
		}
		if req.Kind == model.KindUpdate {
			if req.Payload == nil {
				return model.Operation{}, &model.Error{Code: model.ErrCodeValidation, Message: "update requires a payload", EntityType: req.EntityType, EntityID: req.EntityID}
			}
			op.Payload = op.Base.Merge(req.Payload)
		}
	}

	if i.validate != nil {
		if err := i.validate.Validate(op.EntityType, op.Kind, op.Payload); err != nil {
			return model.Operation{}, err
		}
	}
	return op, nil
}

// canSendDirectly reports whether op may skip the queue: its lane is empty
// and its payload references no entity that only exists locally.
func (i *Interceptor) canSendDirectly(ctx context.Context, op model.Operation) (bool, error) {
	if op.EntityID != "" {
		n, err := i.store.CountForEntity(ctx, op.EntityType, op.EntityID)
		if err != nil {
			return false, model.NewStorageError("count lane", err)
		}
		if n > 0 {
			return false, nil
		}
	}
	if op.Payload == nil {
		return true, nil
	}
	entities, err := i.store.ListEntities(ctx, "")
	if err != nil {
		return false, model.NewStorageError("list cache", err)
	}
	for _, e := range entities {
		if e.Temporary && model.ContainsString(op.Payload, e.ID) {
			return false, nil
		}
	}
	return true, nil
}

// send attempts the remote call. sent is false when the write must fall
// back to the queue.
func (i *Interceptor) send(ctx context.Context, op model.Operation) (res Result, sent bool, err error) {
	state, err := i.remote.Apply(ctx, op)
	switch {
	case err == nil:
	case model.IsFatal(err) || model.IsValidation(err):
		return Result{}, false, &model.Error{
			Code: model.ErrCodeValidation, Message: "rejected by remote store",
			OperationID: op.ID, EntityType: op.EntityType, EntityID: op.EntityID,
			StatusCode: statusOf(err), Err: err,
		}
	default:
		i.logger.Info("direct write deferred", "operation_id", op.ID, "entity", op.LaneKey(), "error", err)
		return Result{}, false, nil
	}

	entityID := op.EntityID
	if state.EntityID != "" {
		entityID = state.EntityID
	}
	if op.Kind == model.KindDelete || state.Deleted {
		err = i.store.DeleteEntity(ctx, op.EntityType, entityID)
	} else {
		data := state.Data
		if data == nil {
			data = op.Payload
		}
		err = i.store.PutEntity(ctx, model.Entity{
			Type:       op.EntityType,
			ID:         entityID,
			Data:       data,
			Version:    state.Version,
			SyncStatus: model.SyncStatusSynced,
			UpdatedAt:  i.clock.Now(),
		})
	}
	if err != nil {
		return Result{}, false, model.NewStorageError("write cache", err)
	}
	i.logger.Info("write applied", "operation_id", op.ID, "entity", model.LaneKey(op.EntityType, entityID), "kind", op.Kind, "version", state.Version)
	return Result{OperationID: op.ID, EntityID: entityID, Version: state.Version}, true, nil
}

// enqueue appends op with its optimistic cache write. rebase is set when the
// base came from the cache rather than from the caller.
func (i *Interceptor) enqueue(ctx context.Context, op model.Operation, rebase bool) (Result, error) {
	temporary := false
	if op.Kind == model.KindCreate {
		if op.EntityID == "" {
			op.EntityID = TempIDPrefix + i.ids.Generate()
		}
		temporary = true
	}

	change := store.EntityChange{
		Entity: model.Entity{
			Type:       op.EntityType,
			ID:         op.EntityID,
			Data:       op.Payload,
			Version:    op.BaseVersion,
			SyncStatus: model.SyncStatusPendingLocalChange,
			Temporary:  temporary,
			UpdatedAt:  op.CreatedAt,
		},
		Delete: op.Kind == model.KindDelete,
		Rebase: rebase,
	}

	stored, err := i.store.AppendWithEntity(ctx, op, change)
	if err != nil {
		return Result{}, &model.Error{
			Code: model.ErrCodeStorage, Message: "queue write", OperationID: op.ID,
			EntityType: op.EntityType, EntityID: op.EntityID, Err: err,
		}
	}
	pending := i.pending.Add(1)
	if stored.BaseVersion != op.BaseVersion {
		i.logger.Info("write rebased on cache", "operation_id", op.ID, "entity", op.LaneKey(), "from", op.BaseVersion, "to", stored.BaseVersion)
	}
	i.logger.Info("write queued", "operation_id", op.ID, "seq", stored.Sequence, "entity", op.LaneKey(), "kind", op.Kind, "pending", pending)

	if i.trigger != nil && i.conn != nil && i.conn.Online() {
		i.trigger.Trigger()
	}
	return Result{OperationID: op.ID, EntityID: op.EntityID, Queued: true}, nil
}

func statusOf(err error) int {
	var e *model.Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}
