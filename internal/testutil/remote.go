package testutil

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"sync"

	"github.com/roach88/fieldsync/internal/model"
)

// FakeRemote is an in-memory authoritative store speaking the same contract
// as remote.Client: versioned entities, conditional writes, idempotency keys,
// duplicate detection on create, and a change feed.
//
// Failures can be scripted per entity or globally. Every Apply call is
// recorded so tests can assert on dispatch order.
//
// Thread-safety: FakeRemote is safe for concurrent use.
type FakeRemote struct {
	mu       sync.Mutex
	entities map[string]*fakeEntity
	applied  map[string]model.RemoteState
	log      []model.Change
	calls    []Call
	scripts  []*script
	nextID   int

	// DuplicateKeys lists, per entity type, the fields that identify an
	// equivalent record. A create whose values match an existing record on
	// all of them is rejected as a duplicate.
	DuplicateKeys map[string][]string

	// OnApply, when set, runs at the start of every Apply call outside the
	// lock. Tests use it to observe concurrency or to change state mid-call.
	OnApply func(op model.Operation)
}

type fakeEntity struct {
	entityType string
	id         string
	version    int64
	data       model.Record
}

type script struct {
	entityType string
	entityID   string
	code       model.ErrorCode
	status     int
	remaining  int
}

// Call records one Apply invocation.
type Call struct {
	OperationID string
	EntityType  string
	EntityID    string
	Kind        model.Kind
	BaseVersion int64

	// Replayed is set when the idempotency key had already been applied.
	Replayed bool

	// Err is the error code returned, if any.
	Err model.ErrorCode
}

// NewFakeRemote creates an empty remote.
func NewFakeRemote() *FakeRemote {
	return &FakeRemote{
		entities:      make(map[string]*fakeEntity),
		applied:       make(map[string]model.RemoteState),
		DuplicateKeys: make(map[string][]string),
	}
}

func key(entityType, id string) string { return model.LaneKey(entityType, id) }

// Seed creates an entity directly on the remote at version 1.
func (f *FakeRemote) Seed(entityType, id string, data model.Record) model.RemoteState {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeEntity{entityType: entityType, id: id, version: 1, data: data.Clone()}
	f.entities[key(entityType, id)] = e
	f.record(model.KindCreate, e)
	return e.state()
}

// Edit simulates another client changing fields of an entity remotely.
func (f *FakeRemote) Edit(entityType, id string, patch model.Record) (model.RemoteState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[key(entityType, id)]
	if !ok {
		return model.RemoteState{}, fmt.Errorf("fake remote: %s/%s not found", entityType, id)
	}
	e.data = e.data.Merge(patch)
	e.version++
	f.record(model.KindUpdate, e)
	return e.state(), nil
}

// Remove simulates another client deleting an entity remotely.
func (f *FakeRemote) Remove(entityType, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(entityType, id)
	e, ok := f.entities[k]
	if !ok {
		return fmt.Errorf("fake remote: %s/%s not found", entityType, id)
	}
	delete(f.entities, k)
	e.version++
	f.record(model.KindDelete, e)
	return nil
}

// Get returns the remote state of an entity.
func (f *FakeRemote) Get(entityType, id string) (model.RemoteState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[key(entityType, id)]
	if !ok {
		return model.RemoteState{}, false
	}
	return e.state(), true
}

// Count returns the number of entities of a type.
func (f *FakeRemote) Count(entityType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.entities {
		if e.entityType == entityType {
			n++
		}
	}
	return n
}

// Calls returns a copy of the recorded Apply calls in order.
func (f *FakeRemote) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// Fail scripts the next times Apply calls to fail with code. An empty
// entityType matches every call; an empty entityID matches every entity of
// the type. status overrides the reported HTTP status when non-zero.
func (f *FakeRemote) Fail(entityType, entityID string, code model.ErrorCode, status, times int) {
	if times < 1 {
		times = 1
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, &script{
		entityType: entityType, entityID: entityID, code: code, status: status, remaining: times,
	})
}

// Apply implements the remote boundary.
func (f *FakeRemote) Apply(ctx context.Context, op model.Operation) (model.RemoteState, error) {
	if hook := f.OnApply; hook != nil {
		hook(op)
	}
	if err := ctx.Err(); err != nil {
		return model.RemoteState{}, &model.Error{Code: model.ErrCodeTransient, Message: "request cancelled", OperationID: op.ID, Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	call := Call{
		OperationID: op.ID, EntityType: op.EntityType, EntityID: op.EntityID,
		Kind: op.Kind, BaseVersion: op.BaseVersion,
	}
	state, err := f.applyLocked(op, &call)
	if err != nil {
		call.Err = model.CodeOf(err)
	}
	f.calls = append(f.calls, call)
	return state, err
}

func (f *FakeRemote) applyLocked(op model.Operation, call *Call) (model.RemoteState, error) {
	if s := f.matchScript(op); s != nil {
		status := s.status
		if status == 0 {
			status = defaultStatus(s.code)
		}
		return model.RemoteState{}, &model.Error{
			Code: s.code, Message: "scripted failure", OperationID: op.ID, StatusCode: status,
		}
	}

	if prev, ok := f.applied[op.ID]; ok {
		call.Replayed = true
		return prev, nil
	}

	var (
		state model.RemoteState
		err   error
	)
	switch op.Kind {
	case model.KindCreate:
		state, err = f.createLocked(op)
	case model.KindUpdate:
		state, err = f.updateLocked(op)
	case model.KindDelete:
		state, err = f.deleteLocked(op)
	default:
		err = &model.Error{Code: model.ErrCodeFatalRemote, Message: "unknown kind", OperationID: op.ID, StatusCode: http.StatusBadRequest}
	}
	if err != nil {
		return model.RemoteState{}, err
	}
	f.applied[op.ID] = state
	return state, nil
}

func (f *FakeRemote) createLocked(op model.Operation) (model.RemoteState, error) {
	if fields := f.DuplicateKeys[op.EntityType]; len(fields) > 0 {
		for _, k := range slices.Sorted(maps.Keys(f.entities)) {
			e := f.entities[k]
			if e.entityType == op.EntityType && sameFields(e.data, op.Payload, fields) {
				st := e.state()
				st.Duplicate = true
				return model.RemoteState{}, &model.Error{
					Code: model.ErrCodeConflict, Message: "duplicate record", OperationID: op.ID,
					StatusCode: http.StatusConflict, Remote: &st,
				}
			}
		}
	}
	f.nextID++
	e := &fakeEntity{
		entityType: op.EntityType,
		id:         "srv-" + strconv.Itoa(f.nextID),
		version:    1,
		data:       op.Payload.Clone(),
	}
	f.entities[key(e.entityType, e.id)] = e
	f.record(model.KindCreate, e)
	return e.state(), nil
}

func (f *FakeRemote) updateLocked(op model.Operation) (model.RemoteState, error) {
	e, err := f.preconditionLocked(op)
	if err != nil {
		return model.RemoteState{}, err
	}
	e.data = op.Payload.Clone()
	e.version++
	f.record(model.KindUpdate, e)
	return e.state(), nil
}

func (f *FakeRemote) deleteLocked(op model.Operation) (model.RemoteState, error) {
	e, err := f.preconditionLocked(op)
	if err != nil {
		return model.RemoteState{}, err
	}
	delete(f.entities, key(e.entityType, e.id))
	e.version++
	f.record(model.KindDelete, e)
	return model.RemoteState{EntityID: e.id, Version: e.version, Deleted: true}, nil
}

// preconditionLocked enforces If-Match on the entity's version.
func (f *FakeRemote) preconditionLocked(op model.Operation) (*fakeEntity, error) {
	e, ok := f.entities[key(op.EntityType, op.EntityID)]
	if !ok {
		return nil, &model.Error{
			Code: model.ErrCodeConflict, Message: "entity not found", OperationID: op.ID,
			StatusCode: http.StatusNotFound, Remote: &model.RemoteState{EntityID: op.EntityID, Deleted: true},
		}
	}
	if e.version != op.BaseVersion {
		st := e.state()
		return nil, &model.Error{
			Code: model.ErrCodeConflict, Message: "version mismatch", OperationID: op.ID,
			StatusCode: http.StatusPreconditionFailed, Remote: &st,
		}
	}
	return e, nil
}

func (f *FakeRemote) matchScript(op model.Operation) *script {
	for i, s := range f.scripts {
		if s.entityType != "" && s.entityType != op.EntityType {
			continue
		}
		if s.entityID != "" && s.entityID != op.EntityID {
			continue
		}
		s.remaining--
		if s.remaining <= 0 {
			f.scripts = slices.Delete(f.scripts, i, i+1)
		}
		return s
	}
	return nil
}

// Changes implements the change feed. The cursor is the index of the last
// delivered change.
func (f *FakeRemote) Changes(ctx context.Context, cursor string, limit int) (model.ChangeBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return model.ChangeBatch{}, &model.Error{Code: model.ErrCodeFatalRemote, Message: "bad cursor", StatusCode: http.StatusBadRequest}
		}
		start = n
	}
	end := len(f.log)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	if start > end {
		start = end
	}
	return model.ChangeBatch{
		Changes: slices.Clone(f.log[start:end]),
		Cursor:  strconv.Itoa(end),
		HasMore: end < len(f.log),
	}, nil
}

func (f *FakeRemote) record(kind model.Kind, e *fakeEntity) {
	ch := model.Change{EntityType: e.entityType, EntityID: e.id, Kind: kind, Version: e.version}
	if kind != model.KindDelete {
		ch.Data = e.data.Clone()
	}
	f.log = append(f.log, ch)
}

func (e *fakeEntity) state() model.RemoteState {
	return model.RemoteState{EntityID: e.id, Version: e.version, Data: e.data.Clone()}
}

func sameFields(a, b model.Record, fields []string) bool {
	for _, k := range fields {
		av, aok := a[k]
		bv, bok := b[k]
		if !aok || !bok || !model.ValuesEqual(av, bv) {
			return false
		}
	}
	return true
}

func defaultStatus(code model.ErrorCode) int {
	switch code {
	case model.ErrCodeConflict:
		return http.StatusConflict
	case model.ErrCodeFatalRemote, model.ErrCodeValidation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}
