package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/fieldsync/internal/conflict"
	"github.com/roach88/fieldsync/internal/connectivity"
	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/intercept"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/schema"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/testutil"
)

// Harness executes one scenario against the real write interceptor and
// sync engine, backed by a temporary SQLite queue and an in-memory remote.
type Harness struct {
	ctx      context.Context
	scenario *Scenario
	dbPath   string

	store     *store.Store
	remote    *testutil.FakeRemote
	monitor   *connectivity.Monitor
	clock     *testutil.ManualClock
	ids       *testutil.SequenceIDs
	sessions  *testutil.SequenceIDs
	validator *schema.Validator
	resolver  *conflict.Resolver
	engine    *engine.Engine
	icpt      *intercept.Interceptor
	logger    *slog.Logger

	aliases map[string]alias
}

// alias remembers the write registered by a submit step's as: field.
type alias struct {
	operationID string
	entityID    string
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh database file in a temporary directory,
// which the restart step reopens. Connectivity starts offline; operation and
// session IDs and the clock are deterministic, so a scenario always produces
// the same trace.
//
// The returned error is reserved for infrastructure failures. Unmet
// expectations and assertions are reported through Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "fieldsync-harness-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	h, err := newHarness(scenario, filepath.Join(dir, "queue.db"))
	if err != nil {
		return nil, err
	}
	defer h.close()

	result := NewResult()
	if err := h.seed(); err != nil {
		return nil, err
	}
	for i, step := range scenario.Steps {
		ev, err := h.execute(i, step, result)
		if err != nil {
			return nil, fmt.Errorf("steps[%d] %s: %w", i, step.Action, err)
		}
		result.Trace = append(result.Trace, ev)
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions, h.assertionContext()) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(scenario *Scenario, dbPath string) (*Harness, error) {
	validator, err := loadValidator(scenario)
	if err != nil {
		return nil, err
	}
	policy, err := conflict.ParsePolicy(scenario.Config.Policy)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	remote := testutil.NewFakeRemote()
	for entityType, fields := range scenario.DuplicateKeys {
		remote.DuplicateKeys[entityType] = fields
	}

	h := &Harness{
		ctx:       context.Background(),
		scenario:  scenario,
		dbPath:    dbPath,
		remote:    remote,
		monitor:   connectivity.NewMonitor(nil, connectivity.WithLogger(logger)),
		clock:     testutil.NewManualClock(testutil.DefaultEpoch),
		ids:       testutil.NewSequenceIDs("op"),
		sessions:  testutil.NewSequenceIDs("session"),
		validator: validator,
		resolver:  conflict.NewResolver(policy),
		logger:    logger,
		aliases:   make(map[string]alias),
	}
	h.monitor.Set(connectivity.Offline)
	if err := h.open(); err != nil {
		return nil, err
	}
	return h, nil
}

func loadValidator(s *Scenario) (*schema.Validator, error) {
	switch {
	case s.Schema != "":
		return schema.Compile(s.Schema)
	case s.Schemas != "":
		return schema.Load(s.Schemas)
	}
	return schema.New(), nil
}

// open opens the queue database and wires a fresh engine and interceptor to
// it, as a process start would.
func (h *Harness) open() error {
	st, err := store.Open(h.dbPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	h.store = st

	cfg := h.scenario.Config
	opts := []engine.Option{
		engine.WithClock(h.clock),
		engine.WithIDs(h.sessions),
		engine.WithLogger(h.logger),
		engine.WithResolver(h.resolver),
		engine.WithValidator(h.validator),
		engine.WithSettleDelay(0),
		engine.WithMaxConcurrency(max(cfg.MaxConcurrency, 1)),
		engine.WithPull(cfg.Pull, engine.DefaultPullLimit),
	}
	if cfg.MaxAttempts > 0 {
		opts = append(opts, engine.WithMaxAttempts(cfg.MaxAttempts))
	}
	if cfg.MaxRebases > 0 {
		opts = append(opts, engine.WithMaxRebases(cfg.MaxRebases))
	}
	h.engine = engine.New(st, h.remote, h.monitor, opts...)

	h.icpt, err = intercept.New(h.ctx, st, h.remote, h.monitor,
		intercept.WithValidator(h.validator),
		intercept.WithIDs(h.ids),
		intercept.WithClock(h.clock),
		intercept.WithLogger(h.logger),
	)
	return err
}

func (h *Harness) close() {
	if h.store != nil {
		h.store.Close()
		h.store = nil
	}
}

// seed puts every seed entity on the remote and mirrors it in the cache.
func (h *Harness) seed() error {
	for i, e := range h.scenario.Seed {
		data, err := toRecord(e.Data)
		if err != nil {
			return fmt.Errorf("seed[%d]: %w", i, err)
		}
		st := h.remote.Seed(e.EntityType, e.ID, data)
		if err := h.store.PutEntity(h.ctx, model.Entity{
			Type:       e.EntityType,
			ID:         e.ID,
			Data:       st.Data,
			Version:    st.Version,
			SyncStatus: model.SyncStatusSynced,
			UpdatedAt:  h.clock.Now(),
		}); err != nil {
			return fmt.Errorf("seed[%d]: %w", i, err)
		}
	}
	return nil
}

func (h *Harness) execute(i int, step Step, result *Result) (TraceEvent, error) {
	ev := TraceEvent{Step: i, Action: step.Action}
	switch step.Action {
	case StepGoOffline:
		h.monitor.Set(connectivity.Offline)

	case StepGoOnline:
		h.monitor.Set(connectivity.Online)

	case StepAdvance:
		h.clock.Advance(step.Duration)

	case StepSubmit:
		return h.submit(i, step, result)

	case StepRemoteUpdate:
		patch, err := h.payload(step.Payload)
		if err != nil {
			return ev, err
		}
		id := h.entityRef(step.ID)
		ev.EntityID = id
		if _, err := h.remote.Edit(step.EntityType, id, patch); err != nil {
			result.AddError(fmt.Sprintf("steps[%d]: %v", i, err))
		}

	case StepRemoteDelete:
		id := h.entityRef(step.ID)
		ev.EntityID = id
		if err := h.remote.Remove(step.EntityType, id); err != nil {
			result.AddError(fmt.Sprintf("steps[%d]: %v", i, err))
		}

	case StepRemoteFail:
		h.remote.Fail(step.EntityType, h.entityRef(step.ID), model.ErrorCode(step.Code), 0, step.Times)

	case StepDrain:
		sess, err := h.engine.Drain(h.ctx)
		if err != nil {
			return ev, err
		}
		ev.Session = traceSession(sess)

	case StepRestart:
		h.close()
		if err := h.open(); err != nil {
			return ev, err
		}
		n, err := h.engine.Recover(h.ctx)
		if err != nil {
			return ev, err
		}
		ev.Recovered = &n

	case StepResolve, StepDiscard, StepRetry:
		return h.manage(i, step, result)
	}
	return ev, nil
}

func (h *Harness) submit(i int, step Step, result *Result) (TraceEvent, error) {
	ev := TraceEvent{Step: i, Action: step.Action}
	req := intercept.Request{
		Kind:        model.Kind(step.Kind),
		EntityType:  step.EntityType,
		EntityID:    h.entityRef(step.ID),
		BaseVersion: step.BaseVersion,
	}
	if step.Payload != nil {
		p, err := h.payload(step.Payload)
		if err != nil {
			return ev, err
		}
		req.Payload = p
	}

	res, err := h.icpt.Submit(h.ctx, req)
	switch {
	case err == nil && res.Queued:
		ev.Outcome = ExpectQueued
	case err == nil:
		ev.Outcome = ExpectApplied
	case model.IsValidation(err):
		ev.Outcome = ExpectRejected
		ev.Error = string(model.ErrCodeValidation)
	default:
		return ev, err
	}
	ev.OperationID, ev.EntityID = res.OperationID, res.EntityID

	if step.As != "" {
		entityID := res.EntityID
		if entityID == "" {
			entityID = req.EntityID
		}
		h.aliases[step.As] = alias{operationID: res.OperationID, entityID: entityID}
	}
	if step.Expect != "" && step.Expect != ev.Outcome {
		result.AddError(fmt.Sprintf("steps[%d]: submit was %s, expected %s", i, ev.Outcome, step.Expect))
	}
	return ev, nil
}

// manage runs the user-facing operations on failed writes.
func (h *Harness) manage(i int, step Step, result *Result) (TraceEvent, error) {
	ev := TraceEvent{Step: i, Action: step.Action, OperationID: h.opRef(step.Op)}

	var (
		op  model.Operation
		err error
	)
	switch step.Action {
	case StepResolve:
		op, err = h.engine.ResolveManually(h.ctx, ev.OperationID, engine.Choice(step.Keep))
	case StepDiscard:
		op, err = h.engine.Discard(h.ctx, ev.OperationID)
	case StepRetry:
		var payload model.Record
		if step.Payload != nil {
			if payload, err = h.payload(step.Payload); err != nil {
				return ev, err
			}
		}
		op, err = h.engine.Retry(h.ctx, ev.OperationID, payload)
	}

	switch {
	case err == nil:
	case model.IsStorage(err):
		return ev, err
	default:
		ev.Error = err.Error()
		result.AddError(fmt.Sprintf("steps[%d]: %s: %v", i, step.Action, err))
		return ev, nil
	}

	ev.EntityID = op.EntityID
	ev.Outcome = string(op.Status)
	if step.Action == StepDiscard {
		ev.Outcome = "discarded"
	}
	return ev, nil
}

// entityRef resolves "$name" to the current entity ID of an aliased write.
func (h *Harness) entityRef(ref string) string {
	name, ok := strings.CutPrefix(ref, "$")
	if !ok {
		return ref
	}
	a, ok := h.aliases[name]
	if !ok {
		return ref
	}
	if a.operationID != "" {
		// The queued operation carries the server ID once its create synced.
		if op, err := h.store.Get(h.ctx, a.operationID); err == nil {
			return op.EntityID
		}
	}
	return a.entityID
}

// opRef resolves "$name" to the operation ID of an aliased write.
func (h *Harness) opRef(ref string) string {
	if name, ok := strings.CutPrefix(ref, "$"); ok {
		if a, ok := h.aliases[name]; ok {
			return a.operationID
		}
	}
	return ref
}

// payload converts a YAML mapping into a record, resolving aliases in
// string values.
func (h *Harness) payload(m map[string]any) (model.Record, error) {
	rec, err := toRecord(m)
	if err != nil {
		return nil, err
	}
	return model.Record(h.substitute(map[string]any(rec)).(map[string]any)), nil
}

func (h *Harness) substitute(v any) any {
	switch val := v.(type) {
	case string:
		return h.entityRef(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = h.substitute(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = h.substitute(elem)
		}
		return out
	}
	return v
}

// toRecord normalizes YAML-decoded values into the JSON value model used
// by payloads.
func toRecord(m map[string]any) (model.Record, error) {
	if m == nil {
		return nil, errors.New("payload is required")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	return model.DecodeRecord(data)
}

func (h *Harness) assertionContext() *AssertionContext {
	return &AssertionContext{
		Ctx:    h.ctx,
		Store:  h.store,
		Remote: h.remote,
		Entity: h.entityRef,
		Op:     h.opRef,
	}
}
