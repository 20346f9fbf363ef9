// Package status projects queue state for display: the pending count, the
// last sync time and the operations that need the user.
package status

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// Connectivity reports the current connectivity state.
type Connectivity interface {
	Online() bool
}

// Syncer exposes drain state. Implemented by engine.Engine.
type Syncer interface {
	Syncing() bool
	LastSession() (engine.Session, bool)
}

// FailedOperation is one entry of the actionable failure list.
type FailedOperation struct {
	OperationID string             `json:"operation_id"`
	Sequence    int64              `json:"sequence"`
	EntityType  string             `json:"entity_type"`
	EntityID    string             `json:"entity_id"`
	Kind        model.Kind         `json:"kind"`
	Failure     model.FailureKind  `json:"failure"`
	Attempts    int                `json:"attempts"`
	LastError   string             `json:"last_error,omitempty"`
	Local       model.Record       `json:"local,omitempty"`
	Remote      *model.RemoteState `json:"remote,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Status is a read-only snapshot.
type Status struct {
	Online  bool `json:"online"`
	Syncing bool `json:"syncing"`

	// Pending counts every unresolved operation, failed ones included.
	Pending int `json:"pending"`

	// Retrying counts failed operations that will be retried automatically.
	Retrying int `json:"retrying"`

	LastSync    *time.Time      `json:"last_sync,omitempty"`
	LastSession *engine.Session `json:"last_session,omitempty"`

	// Failed lists operations that wait for the user.
	Failed []FailedOperation `json:"failed"`
}

// Summary renders the one-line indicator shown to the user.
func (s Status) Summary() string {
	state := "offline"
	if s.Online {
		state = "online"
	}
	if s.Syncing {
		state += ", syncing"
	}
	noun := "operations"
	if s.Pending == 1 {
		noun = "operation"
	}
	out := fmt.Sprintf("%s: %d %s pending", state, s.Pending, noun)
	if n := len(s.Failed); n > 0 {
		out += fmt.Sprintf(", %d need attention", n)
	}
	return out
}

// Projector builds Status snapshots. conn and syncer may be nil, e.g. when
// the status is read from a queue no engine is running against.
type Projector struct {
	store  *store.Store
	conn   Connectivity
	syncer Syncer
}

// NewProjector creates a Projector.
func NewProjector(s *store.Store, conn Connectivity, syncer Syncer) *Projector {
	return &Projector{store: s, conn: conn, syncer: syncer}
}

// Snapshot reads the current status.
func (p *Projector) Snapshot(ctx context.Context) (Status, error) {
	var st Status
	if p.conn != nil {
		st.Online = p.conn.Online()
	}
	if p.syncer != nil {
		st.Syncing = p.syncer.Syncing()
		if sess, ok := p.syncer.LastSession(); ok {
			st.LastSession = &sess
		}
	}

	n, err := p.store.Count(ctx)
	if err != nil {
		return Status{}, model.NewStorageError("count queue", err)
	}
	st.Pending = n

	raw, ok, err := p.store.GetMeta(ctx, store.MetaLastSyncTime)
	if err != nil {
		return Status{}, model.NewStorageError("read sync meta", err)
	}
	if ok {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Status{}, fmt.Errorf("parse %s %q: %w", store.MetaLastSyncTime, raw, err)
		}
		st.LastSync = &t
	}

	failed, err := p.store.ListFailed(ctx)
	if err != nil {
		return Status{}, model.NewStorageError("list failed", err)
	}
	st.Failed = []FailedOperation{}
	for _, op := range failed {
		if !op.Failure.NeedsUser() {
			st.Retrying++
			continue
		}
		st.Failed = append(st.Failed, FailedOperation{
			OperationID: op.ID,
			Sequence:    op.Sequence,
			EntityType:  op.EntityType,
			EntityID:    op.EntityID,
			Kind:        op.Kind,
			Failure:     op.Failure,
			Attempts:    op.AttemptCount,
			LastError:   op.LastError,
			Local:       op.Payload,
			Remote:      op.Remote,
			CreatedAt:   op.CreatedAt,
		})
	}
	return st, nil
}
