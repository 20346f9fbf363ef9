package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/fieldsync/internal/conflict"
	"github.com/roach88/fieldsync/internal/connectivity"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// Remote is the authoritative store boundary. Implemented by remote.Client
// and testutil.FakeRemote.
type Remote interface {
	// Apply sends one operation, using its ID as the idempotency key.
	Apply(ctx context.Context, op model.Operation) (model.RemoteState, error)

	// Changes reads one page of the remote change feed after cursor.
	Changes(ctx context.Context, cursor string, limit int) (model.ChangeBatch, error)
}

// Connectivity is the part of connectivity.Monitor the engine consumes.
type Connectivity interface {
	Online() bool
	Subscribe() (<-chan connectivity.Event, func())
}

// Validator checks a payload before it is requeued. Implemented by
// schema.Validator.
type Validator interface {
	Validate(entityType string, kind model.Kind, payload model.Record) error
}

const (
	DefaultMaxConcurrency  = 4
	DefaultMaxAttempts     = 5
	DefaultMaxPassDuration = 60 * time.Second
	DefaultInterval        = 60 * time.Second
	DefaultSettleDelay     = 2 * time.Second
	DefaultRetention       = 30 * 24 * time.Hour
	DefaultPullLimit       = 100
	DefaultLeaseTTL        = 2 * time.Minute
)

// Engine drains the write queue.
//
// Thread-safety model:
//   - Drain(), Recover(): safe from any goroutine and from other processes
//     sharing the database; concurrent calls fail fast with
//     ErrDrainInProgress
//   - Trigger(), LastSession(), Syncing(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
type Engine struct {
	store    *store.Store
	remote   Remote
	conn     Connectivity
	resolver *conflict.Resolver
	clock    Clock
	ids      IDGenerator
	validate Validator
	logger   *slog.Logger

	maxConcurrency  int
	maxAttempts     int
	maxRebases      int
	maxPassDuration time.Duration
	backoff         BackoffPolicy
	interval        time.Duration
	settleDelay     time.Duration
	retention       time.Duration
	pull            bool
	pullLimit       int
	leaseOwner      string
	leaseTTL        time.Duration

	trigger  *trigger
	draining atomic.Bool

	mu   sync.Mutex
	last *Session
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxConcurrency bounds how many lanes dispatch at once.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxConcurrency = n
		}
	}
}

// WithMaxAttempts sets the attempt at which a transient failure escalates
// to fatal. Zero retries forever.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) { e.maxAttempts = n }
}

// WithMaxRebases bounds conflict rebases per operation per pass.
func WithMaxRebases(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRebases = n
		}
	}
}

// WithMaxPassDuration bounds how long one pass keeps dispatching. Zero
// means no bound.
func WithMaxPassDuration(d time.Duration) Option {
	return func(e *Engine) { e.maxPassDuration = d }
}

// WithBackoff sets the retry delay policy for transient failures.
func WithBackoff(p BackoffPolicy) Option {
	return func(e *Engine) { e.backoff = p }
}

// WithInterval sets the periodic drain interval used by Run. Zero disables
// the ticker.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) { e.interval = d }
}

// WithSettleDelay sets how long Run waits after a became-online event
// before draining.
func WithSettleDelay(d time.Duration) Option {
	return func(e *Engine) { e.settleDelay = d }
}

// WithRetention sets how long Resolved operations are kept. Zero keeps them
// forever.
func WithRetention(d time.Duration) Option {
	return func(e *Engine) { e.retention = d }
}

// WithPull enables the pull phase with the given page size.
func WithPull(enabled bool, limit int) Option {
	return func(e *Engine) {
		e.pull = enabled
		if limit > 0 {
			e.pullLimit = limit
		}
	}
}

// WithLeaseOwner names this engine in the drain lease. Defaults to the
// host name, process ID and a random suffix.
func WithLeaseOwner(owner string) Option {
	return func(e *Engine) {
		if owner != "" {
			e.leaseOwner = owner
		}
	}
}

// WithLeaseTTL sets how long the drain lease outlives its last renewal. A
// process that dies mid-pass blocks others for at most this long.
func WithLeaseTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.leaseTTL = d
		}
	}
}

// WithResolver sets the conflict resolver.
func WithResolver(r *conflict.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithClock sets the wall clock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDs sets the session ID generator.
func WithIDs(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithValidator sets the payload validator used by Retry.
func WithValidator(v Validator) Option {
	return func(e *Engine) { e.validate = v }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine over the queue store, the remote boundary and the
// connectivity state.
func New(s *store.Store, remote Remote, conn Connectivity, opts ...Option) *Engine {
	e := &Engine{
		store:           s,
		remote:          remote,
		conn:            conn,
		resolver:        conflict.NewResolver(conflict.PolicyMerge),
		clock:           SystemClock{},
		ids:             UUIDv7Generator{},
		logger:          slog.Default(),
		maxConcurrency:  DefaultMaxConcurrency,
		maxAttempts:     DefaultMaxAttempts,
		maxRebases:      DefaultMaxRebases,
		maxPassDuration: DefaultMaxPassDuration,
		backoff:         DefaultBackoff,
		interval:        DefaultInterval,
		settleDelay:     DefaultSettleDelay,
		retention:       DefaultRetention,
		pullLimit:       DefaultPullLimit,
		leaseOwner:      defaultLeaseOwner(),
		leaseTTL:        DefaultLeaseTTL,
		trigger:         newTrigger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Syncing reports whether a pass is running.
func (e *Engine) Syncing() bool {
	return e.draining.Load()
}

// LastSession returns the summary of the most recent pass.
func (e *Engine) LastSession() (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return Session{}, false
	}
	return *e.last, true
}

// Drain runs one pass over the queue and returns its summary.
//
// Per-operation failures never surface as errors: they are recorded on the
// operation and in the session. The returned error is reserved for storage
// failures, which threaten durability, and for ErrDrainInProgress.
func (e *Engine) Drain(ctx context.Context) (Session, error) {
	if !e.draining.CompareAndSwap(false, true) {
		return Session{}, ErrDrainInProgress
	}
	defer e.draining.Store(false)
	if err := e.acquireLease(ctx); err != nil {
		return Session{}, err
	}
	defer e.releaseLease(ctx)

	start := e.clock.Now()
	sess := Session{ID: e.ids.Generate(), StartedAt: start}
	var deadline time.Time
	if e.maxPassDuration > 0 {
		deadline = start.Add(e.maxPassDuration)
	}
	e.logger.Info("drain started", "session", sess.ID)

	rec := newRecorder()
	reason, err := e.push(ctx, deadline, rec, NewRebaseQuota(e.maxRebases))
	rec.fill(&sess)
	sess.StopReason = reason

	if err == nil && reason == "" && e.pull {
		sess.StopReason, err = e.pullChanges(ctx, deadline, &sess)
	}
	if err == nil {
		err = e.finish(ctx, &sess)
	}
	if err != nil {
		e.logger.Error("drain aborted", "session", sess.ID, "error", err)
	}

	e.mu.Lock()
	e.last = &sess
	e.mu.Unlock()

	e.logger.Info("drain finished",
		"session", sess.ID,
		"attempted", sess.Attempted,
		"resolved", sess.Resolved,
		"conflicts", sess.Conflicts,
		"transient", sess.Transient,
		"fatal", sess.Fatal,
		"remaining", sess.Remaining,
		"stop_reason", sess.StopReason,
	)
	return sess, err
}

// halt returns why no new call may be dispatched, or "".
func (e *Engine) halt(ctx context.Context, deadline time.Time) string {
	switch {
	case ctx.Err() != nil:
		return StopCancelled
	case !e.conn.Online():
		return StopOffline
	case !deadline.IsZero() && !e.clock.Now().Before(deadline):
		return StopDeadline
	}
	return ""
}

// lane is the queued operations of one entity in sequence order.
type lane []model.Operation

// round is one planning step of a pass.
type round struct {
	lanes    []lane
	deferred []lane

	// creates holds the unresolved Create operations by entity ID. Payloads
	// referencing one of these temporary IDs wait until the create resolves
	// and the reference is rewritten.
	creates map[string]model.Operation
}

// push re-reads the queue and dispatches eligible lanes until nothing
// eligible remains or the pass must stop.
func (e *Engine) push(ctx context.Context, deadline time.Time, rec *recorder, quota *RebaseQuota) (string, error) {
	for {
		if reason := e.halt(ctx, deadline); reason != "" {
			return reason, nil
		}
		if err := e.acquireLease(ctx); err != nil {
			return "", err
		}
		ops, err := e.store.ListPending(ctx)
		if err != nil {
			return "", model.NewStorageError("list pending", err)
		}
		r := e.plan(ops, rec)
		if len(r.lanes) == 0 {
			for _, l := range r.deferred {
				for _, op := range l {
					rec.skip(op, "waits on an unresolved create")
				}
			}
			return "", nil
		}

		var g errgroup.Group
		g.SetLimit(e.maxConcurrency)
		for _, l := range r.lanes {
			g.Go(func() error {
				return e.runLane(ctx, l, deadline, rec, quota, r.creates)
			})
		}
		if err := g.Wait(); err != nil {
			return "", err
		}
	}
}

// plan partitions ops into lanes and keeps the lanes whose head may be
// dispatched now. Blocked lanes are reported as skipped.
func (e *Engine) plan(ops []model.Operation, rec *recorder) round {
	now := e.clock.Now()
	r := round{creates: make(map[string]model.Operation)}

	byKey := make(map[string]lane)
	var order []string
	for _, op := range ops {
		k := op.LaneKey()
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], op)
		if op.Kind == model.KindCreate {
			r.creates[op.EntityID] = op
		}
	}

	var candidates []lane
	heads := make(map[string]bool)
	for _, k := range order {
		l := byKey[k]
		head := l[0]
		reason := ""
		switch {
		case rec.tried(head.ID):
			// Failed earlier in this pass; its outcome is already recorded.
		case head.Failure.NeedsUser():
			reason = "awaiting user"
		case !head.Retryable(now):
			reason = "backing off until " + head.NextAttemptAt.UTC().Format(time.RFC3339)
		default:
			candidates = append(candidates, l)
			heads[head.ID] = true
			continue
		}
		if reason != "" {
			rec.skip(head, reason)
		}
		skipRest(rec, l[1:], head.ID)
	}

	for _, l := range candidates {
		head := l[0]
		dep, ok := waitsOn(head, r.creates)
		switch {
		case !ok:
			r.lanes = append(r.lanes, l)
		case heads[dep.ID] && !rec.tried(dep.ID):
			r.deferred = append(r.deferred, l)
		default:
			rec.skip(head, "waits on "+dep.ID)
			skipRest(rec, l[1:], head.ID)
		}
	}
	return r
}

func skipRest(rec *recorder, ops []model.Operation, blocker string) {
	for _, op := range ops {
		rec.skip(op, "blocked by "+blocker)
	}
}

// waitsOn returns the unresolved create in another lane whose temporary ID
// op's payload references.
func waitsOn(op model.Operation, creates map[string]model.Operation) (model.Operation, bool) {
	for _, id := range slices.Sorted(maps.Keys(creates)) {
		c := creates[id]
		if c.LaneKey() == op.LaneKey() {
			continue
		}
		if model.ContainsString(op.Payload, id) {
			return c, true
		}
	}
	return model.Operation{}, false
}

// runLane dispatches the operations of one lane in order, stopping at the
// first one that does not resolve.
func (e *Engine) runLane(ctx context.Context, l lane, deadline time.Time, rec *recorder, quota *RebaseQuota, creates map[string]model.Operation) error {
	for i, queued := range l {
		if reason := e.halt(ctx, deadline); reason != "" {
			for _, op := range l[i:] {
				rec.skip(op, reason)
			}
			return nil
		}

		// Resolving the predecessor may have rebased this operation or
		// replaced its entity ID, so dispatch the stored version.
		op, err := e.store.Get(ctx, queued.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return model.NewStorageError("get operation", err)
		}
		if op.Status == model.StatusResolved {
			continue
		}
		if !op.Retryable(e.clock.Now()) {
			for _, rest := range l[i:] {
				rec.skip(rest, "not retryable yet")
			}
			return nil
		}
		if _, ok := waitsOn(op, creates); ok {
			// Re-planned next round, once the create has resolved.
			return nil
		}

		ok, err := e.process(ctx, op, rec, quota)
		if err != nil {
			return err
		}
		if !ok {
			skipRest(rec, l[i+1:], op.ID)
			return nil
		}
	}
	return nil
}

// process dispatches one operation and applies its outcome. It reports
// whether the operation reached Resolved, which lets the lane continue.
func (e *Engine) process(ctx context.Context, op model.Operation, rec *recorder, quota *RebaseQuota) (bool, error) {
	for {
		if err := e.store.MarkInFlight(ctx, op.ID, e.clock.Now()); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return false, nil
			}
			return false, model.NewStorageError("mark in flight", err)
		}
		op.AttemptCount++
		rec.markTried(op.ID)

		e.logger.Debug("dispatching operation",
			"operation_id", op.ID,
			"seq", op.Sequence,
			"entity", op.LaneKey(),
			"kind", op.Kind,
			"attempt", op.AttemptCount,
		)

		state, callErr := e.remote.Apply(ctx, op)
		if callErr == nil {
			return true, e.resolve(ctx, op, &state, rec, ResultResolved, "")
		}

		switch model.CodeOf(callErr) {
		case model.ErrCodeConflict:
			retry, ok, err := e.handleConflict(ctx, &op, model.RemoteOf(callErr), rec, quota)
			if err != nil || !retry {
				return ok, err
			}
		case model.ErrCodeFatalRemote, model.ErrCodeValidation:
			return false, e.fail(ctx, op, model.FailureFatal, callErr, time.Time{}, rec, ResultFatal)
		default:
			return false, e.transient(ctx, op, callErr, rec)
		}
	}
}

// handleConflict applies the resolver's verdict. retry asks the caller to
// dispatch the rebased operation again; ok reports that the operation
// resolved.
func (e *Engine) handleConflict(ctx context.Context, op *model.Operation, remote *model.RemoteState, rec *recorder, quota *RebaseQuota) (retry, ok bool, err error) {
	d := e.resolver.Resolve(*op, remote)
	switch d.Verdict {
	case conflict.RetryWithRemoteBase:
		if qerr := quota.Check(op.ID); qerr != nil {
			return false, false, e.transient(ctx, *op, qerr, rec)
		}
		if err := e.store.Rebase(ctx, op.ID, d.Payload, d.Base, d.BaseVersion, e.clock.Now()); err != nil {
			return false, false, model.NewStorageError("rebase", err)
		}
		rec.add(*op, ResultMerged, d.Reason)
		e.logger.Info("operation rebased",
			"operation_id", op.ID,
			"seq", op.Sequence,
			"base_version", d.BaseVersion,
			"reason", d.Reason,
		)
		op.Payload, op.Base, op.BaseVersion = d.Payload, d.Base, d.BaseVersion
		return true, false, nil

	case conflict.DiscardLocal:
		return false, true, e.resolve(ctx, *op, remote, rec, ResultDiscarded, d.Reason)

	default:
		err := e.store.MarkConflicted(ctx, op.ID, store.Failure{Error: d.Reason, Remote: remote})
		if err != nil {
			return false, false, model.NewStorageError("mark conflicted", err)
		}
		rec.add(*op, ResultConflict, d.Reason)
		e.logger.Warn("operation needs manual resolution",
			"operation_id", op.ID,
			"seq", op.Sequence,
			"entity", op.LaneKey(),
			"reason", d.Reason,
		)
		return false, false, nil
	}
}

// transient records a retryable failure, escalating to fatal once the
// attempt budget is spent. A failure caused by losing connectivity mid-call
// is retried as soon as the link is back.
func (e *Engine) transient(ctx context.Context, op model.Operation, cause error, rec *recorder) error {
	now := e.clock.Now()
	if IsRebaseLimitError(cause) {
		e.logger.Warn("rebase quota exhausted; deferring to next pass",
			"operation_id", op.ID,
			"entity", op.LaneKey(),
			"limit", e.maxRebases,
		)
	}
	if !e.conn.Online() {
		return e.fail(ctx, op, model.FailureTransient, cause, now, rec, ResultTransient)
	}
	if e.maxAttempts > 0 && op.AttemptCount >= e.maxAttempts {
		cause = fmt.Errorf("giving up after %d attempts: %w", op.AttemptCount, cause)
		return e.fail(ctx, op, model.FailureFatal, cause, time.Time{}, rec, ResultFatal)
	}
	next := now.Add(Backoff(op.AttemptCount, e.backoff))
	return e.fail(ctx, op, model.FailureTransient, cause, next, rec, ResultTransient)
}

func (e *Engine) fail(ctx context.Context, op model.Operation, kind model.FailureKind, cause error, next time.Time, rec *recorder, res Result) error {
	err := e.store.MarkFailed(ctx, op.ID, store.Failure{Kind: kind, Error: cause.Error(), NextAttemptAt: next})
	if err != nil {
		return model.NewStorageError("mark failed", err)
	}
	rec.add(op, res, cause.Error())
	e.logger.Warn("operation failed",
		"operation_id", op.ID,
		"seq", op.Sequence,
		"entity", op.LaneKey(),
		"failure", kind,
		"attempt", op.AttemptCount,
		"error", cause,
	)
	return nil
}

func (e *Engine) resolve(ctx context.Context, op model.Operation, remote *model.RemoteState, rec *recorder, res Result, detail string) error {
	out, err := e.store.Resolve(ctx, store.Resolution{OperationID: op.ID, At: e.clock.Now(), Remote: remote})
	if err != nil {
		return model.NewStorageError("resolve", err)
	}
	if out.EntityID != op.EntityID && detail == "" {
		detail = "assigned " + out.EntityID
	}
	rec.add(op, res, detail)
	e.logger.Info("operation resolved",
		"operation_id", op.ID,
		"seq", op.Sequence,
		"entity", model.LaneKey(op.EntityType, out.EntityID),
		"result", res,
	)
	return nil
}

// pullChanges folds the remote change feed into the cache, page by page,
// persisting the cursor after each page.
func (e *Engine) pullChanges(ctx context.Context, deadline time.Time, sess *Session) (string, error) {
	cursor, _, err := e.store.GetMeta(ctx, store.MetaLastSyncCursor)
	if err != nil {
		return "", model.NewStorageError("read cursor", err)
	}
	for {
		if reason := e.halt(ctx, deadline); reason != "" {
			return reason, nil
		}
		batch, err := e.remote.Changes(ctx, cursor, e.pullLimit)
		if err != nil {
			sess.PullError = err.Error()
			e.logger.Warn("pull failed", "session", sess.ID, "error", err)
			return "", nil
		}
		for _, ch := range batch.Changes {
			applied, err := e.store.ApplyRemoteChange(ctx, ch, e.clock.Now())
			if err != nil {
				return "", model.NewStorageError("apply remote change", err)
			}
			if applied {
				sess.Pulled++
			}
		}
		if batch.Cursor != "" && batch.Cursor != cursor {
			cursor = batch.Cursor
			if err := e.store.SetMeta(ctx, store.MetaLastSyncCursor, cursor); err != nil {
				return "", model.NewStorageError("write cursor", err)
			}
		}
		if !batch.HasMore || len(batch.Changes) == 0 {
			return "", nil
		}
	}
}

// finish stamps the session, records the sync time for completed passes and
// purges expired Resolved operations.
func (e *Engine) finish(ctx context.Context, sess *Session) error {
	now := e.clock.Now()
	sess.FinishedAt = now

	if sess.Completed() {
		if err := e.store.SetMeta(ctx, store.MetaLastSyncTime, now.UTC().Format(time.RFC3339Nano)); err != nil {
			return model.NewStorageError("write last sync time", err)
		}
	}
	if e.retention > 0 {
		n, err := e.store.PurgeResolved(ctx, now.Add(-e.retention))
		if err != nil {
			return model.NewStorageError("purge resolved", err)
		}
		if n > 0 {
			e.logger.Debug("purged resolved operations", "count", n)
		}
	}
	remaining, err := e.store.Count(ctx)
	if err != nil {
		return model.NewStorageError("count", err)
	}
	sess.Remaining = remaining
	return nil
}
