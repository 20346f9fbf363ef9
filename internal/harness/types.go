package harness

import (
	"github.com/roach88/fieldsync/internal/engine"
)

// TraceEvent records what one scenario step did. Only the fields relevant
// to the step's action are set.
type TraceEvent struct {
	Step   int    `json:"step"`
	Action string `json:"action"`

	OperationID string `json:"operation_id,omitempty"`
	EntityID    string `json:"entity_id,omitempty"`

	// Outcome is queued, applied or rejected for submit and the operation
	// status after resolve, discard and retry.
	Outcome string `json:"outcome,omitempty"`
	Error   string `json:"error,omitempty"`

	Recovered *int          `json:"recovered,omitempty"`
	Session   *SessionTrace `json:"session,omitempty"`
}

// SessionTrace is the deterministic part of an engine.Session. Timestamps
// are left out; with a manual clock they only restate the step order.
type SessionTrace struct {
	ID         string           `json:"id"`
	Attempted  int              `json:"attempted"`
	Resolved   int              `json:"resolved"`
	Merged     int              `json:"merged"`
	Discarded  int              `json:"discarded"`
	Conflicts  int              `json:"conflicts"`
	Transient  int              `json:"transient"`
	Fatal      int              `json:"fatal"`
	Skipped    int              `json:"skipped"`
	Pulled     int              `json:"pulled"`
	Remaining  int              `json:"remaining"`
	StopReason string           `json:"stop_reason,omitempty"`
	PullError  string           `json:"pull_error,omitempty"`
	Outcomes   []engine.Outcome `json:"outcomes"`
}

func traceSession(s engine.Session) *SessionTrace {
	outcomes := s.Outcomes
	if outcomes == nil {
		outcomes = []engine.Outcome{}
	}
	return &SessionTrace{
		ID:         s.ID,
		Attempted:  s.Attempted,
		Resolved:   s.Resolved,
		Merged:     s.Merged,
		Discarded:  s.Discarded,
		Conflicts:  s.Conflicts,
		Transient:  s.Transient,
		Fatal:      s.Fatal,
		Skipped:    s.Skipped,
		Pulled:     s.Pulled,
		Remaining:  s.Remaining,
		StopReason: s.StopReason,
		PullError:  s.PullError,
		Outcomes:   outcomes,
	}
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step met its expectation and every
	// assertion held.
	Pass bool `json:"pass"`

	// Trace contains one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failed expectations and assertions.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
