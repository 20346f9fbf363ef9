package engine

import (
	"slices"
	"sync"
	"time"

	"github.com/roach88/fieldsync/internal/model"
)

// Result is what one step of a drain did to an operation.
type Result string

const (
	ResultResolved  Result = "resolved"
	ResultMerged    Result = "merged"
	ResultDiscarded Result = "discarded"
	ResultConflict  Result = "conflict"
	ResultTransient Result = "transient"
	ResultFatal     Result = "fatal"
	ResultSkipped   Result = "skipped"
)

// Stop reasons for an interrupted pass.
const (
	StopOffline   = "offline"
	StopDeadline  = "deadline"
	StopCancelled = "cancelled"
)

// Outcome is one entry of a session trace.
type Outcome struct {
	Sequence    int64      `json:"sequence"`
	OperationID string     `json:"operation_id"`
	EntityType  string     `json:"entity_type"`
	EntityID    string     `json:"entity_id"`
	Kind        model.Kind `json:"kind"`
	Result      Result     `json:"result"`
	Detail      string     `json:"detail,omitempty"`
}

// Session summarizes one drain pass.
type Session struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Attempted int `json:"attempted"`
	Resolved  int `json:"resolved"`
	Merged    int `json:"merged"`
	Discarded int `json:"discarded"`
	Conflicts int `json:"conflicts"`
	Transient int `json:"transient"`
	Fatal     int `json:"fatal"`
	Skipped   int `json:"skipped"`

	// Pulled counts remote changes applied to the cache.
	Pulled    int    `json:"pulled"`
	PullError string `json:"pull_error,omitempty"`

	// Remaining is the number of unresolved operations after the pass.
	Remaining int `json:"remaining"`

	// StopReason is empty when the pass ran to completion.
	StopReason string `json:"stop_reason,omitempty"`

	Outcomes []Outcome `json:"outcomes,omitempty"`
}

// Completed reports whether the pass ran until nothing eligible remained.
func (s Session) Completed() bool { return s.StopReason == "" }

// recorder collects outcomes from concurrently running lanes.
type recorder struct {
	mu       sync.Mutex
	outcomes []Outcome
	skipped  map[string]bool
	dispatch map[string]bool
}

func newRecorder() *recorder {
	return &recorder{skipped: make(map[string]bool), dispatch: make(map[string]bool)}
}

// markTried records that a call for the operation was dispatched.
func (r *recorder) markTried(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatch[id] = true
}

// tried reports whether the operation was dispatched during this pass.
func (r *recorder) tried(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dispatch[id]
}

func (r *recorder) add(op model.Operation, res Result, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, Outcome{
		Sequence:    op.Sequence,
		OperationID: op.ID,
		EntityType:  op.EntityType,
		EntityID:    op.EntityID,
		Kind:        op.Kind,
		Result:      res,
		Detail:      detail,
	})
}

// skip records that op was held back this pass. Each operation is reported
// once no matter how many times its lane was re-planned.
func (r *recorder) skip(op model.Operation, detail string) {
	r.mu.Lock()
	if r.skipped[op.ID] {
		r.mu.Unlock()
		return
	}
	r.skipped[op.ID] = true
	r.mu.Unlock()
	r.add(op, ResultSkipped, detail)
}

// fill copies the outcomes into s in sequence order and tallies them.
// Outcomes of the same operation keep the order they happened in.
func (r *recorder) fill(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := slices.Clone(r.outcomes)
	slices.SortStableFunc(out, func(a, b Outcome) int {
		switch {
		case a.Sequence < b.Sequence:
			return -1
		case a.Sequence > b.Sequence:
			return 1
		}
		return 0
	})
	s.Outcomes = out

	for _, o := range out {
		switch o.Result {
		case ResultResolved:
			s.Resolved++
		case ResultMerged:
			s.Merged++
		case ResultDiscarded:
			s.Discarded++
		case ResultConflict:
			s.Conflicts++
		case ResultTransient:
			s.Transient++
		case ResultFatal:
			s.Fatal++
		case ResultSkipped:
			s.Skipped++
		}
	}
	s.Attempted = len(r.dispatch)
}
