package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/testutil"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Steps that led here
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nSteps:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s", ev.Step, ev.Action)
			if ev.OperationID != "" {
				fmt.Fprintf(&buf, " %s", ev.OperationID)
			}
			if ev.Outcome != "" {
				fmt.Fprintf(&buf, " -> %s", ev.Outcome)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// AssertionContext gives assertions access to the final state.
type AssertionContext struct {
	Ctx    context.Context
	Store  *store.Store
	Remote *testutil.FakeRemote

	// Entity and Op resolve "$name" references. Nil means literal IDs.
	Entity func(string) string
	Op     func(string) string
}

func (c *AssertionContext) entity(ref string) string {
	if c.Entity == nil {
		return ref
	}
	return c.Entity(ref)
}

func (c *AssertionContext) op(ref string) string {
	if c.Op == nil {
		return ref
	}
	return c.Op(ref)
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch {
		case actx == nil || actx.Store == nil || actx.Remote == nil:
			err = fmt.Errorf("assertion[%d]: %s requires a store and a remote", i, a.Type)
		case a.Type == AssertQueueCount:
			err = assertQueueCount(actx, a)
		case a.Type == AssertCacheStatus:
			err = assertCacheStatus(actx, a)
		case a.Type == AssertCacheAbsent:
			err = assertCacheAbsent(actx, a)
		case a.Type == AssertRemoteField:
			err = assertRemoteField(actx, a)
		case a.Type == AssertRemoteCount:
			err = assertRemoteCount(actx, a)
		case a.Type == AssertOpStatus:
			err = assertOpStatus(actx, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}

		var ae *AssertionError
		if errors.As(err, &ae) && result != nil {
			ae.Trace = result.Trace
		}
		if err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

func assertQueueCount(actx *AssertionContext, a Assertion) error {
	n, err := actx.Store.Count(actx.Ctx)
	if err != nil {
		return fmt.Errorf("queue_count: %w", err)
	}
	if n != *a.Count {
		return &AssertionError{
			Type:     AssertQueueCount,
			Expected: fmt.Sprintf("%d unresolved operations", *a.Count),
			Actual:   fmt.Sprintf("%d unresolved operations", n),
		}
	}
	return nil
}

func assertCacheStatus(actx *AssertionContext, a Assertion) error {
	id := actx.entity(a.ID)
	e, err := actx.Store.GetEntity(actx.Ctx, a.EntityType, id)
	if errors.Is(err, store.ErrNotFound) {
		return &AssertionError{
			Type:     AssertCacheStatus,
			Expected: fmt.Sprintf("%s/%s cached as %s", a.EntityType, id, a.Status),
			Actual:   "not cached",
		}
	}
	if err != nil {
		return fmt.Errorf("cache_status: %w", err)
	}
	if string(e.SyncStatus) != a.Status {
		return &AssertionError{
			Type:     AssertCacheStatus,
			Expected: fmt.Sprintf("%s/%s cached as %s", a.EntityType, id, a.Status),
			Actual:   fmt.Sprintf("cached as %s", e.SyncStatus),
		}
	}
	return nil
}

func assertCacheAbsent(actx *AssertionContext, a Assertion) error {
	id := actx.entity(a.ID)
	e, err := actx.Store.GetEntity(actx.Ctx, a.EntityType, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cache_absent: %w", err)
	}
	return &AssertionError{
		Type:     AssertCacheAbsent,
		Expected: fmt.Sprintf("%s/%s absent from the cache", a.EntityType, id),
		Actual:   fmt.Sprintf("cached as %s at version %d", e.SyncStatus, e.Version),
	}
}

func assertRemoteField(actx *AssertionContext, a Assertion) error {
	id := actx.entity(a.ID)
	st, ok := actx.Remote.Get(a.EntityType, id)
	if !ok {
		return &AssertionError{
			Type:     AssertRemoteField,
			Expected: fmt.Sprintf("%s/%s.%s = %v", a.EntityType, id, a.Field, a.Value),
			Actual:   "entity does not exist remotely",
		}
	}
	want, err := normalize(a.Value)
	if err != nil {
		return fmt.Errorf("remote_field: %w", err)
	}
	if s, ok := want.(string); ok {
		want = actx.entity(s)
	}
	got, present := st.Data[a.Field]
	if !present || !model.ValuesEqual(got, want) {
		actual := "field absent"
		if present {
			actual = fmt.Sprintf("%v", got)
		}
		return &AssertionError{
			Type:     AssertRemoteField,
			Expected: fmt.Sprintf("%s/%s.%s = %v", a.EntityType, id, a.Field, a.Value),
			Actual:   actual,
		}
	}
	return nil
}

func assertRemoteCount(actx *AssertionContext, a Assertion) error {
	if n := actx.Remote.Count(a.EntityType); n != *a.Count {
		return &AssertionError{
			Type:     AssertRemoteCount,
			Expected: fmt.Sprintf("%d %s entities remotely", *a.Count, a.EntityType),
			Actual:   fmt.Sprintf("%d", n),
		}
	}
	return nil
}

// opStatusAbsent matches an operation that no longer exists, such as one
// the user discarded.
const opStatusAbsent = "absent"

func assertOpStatus(actx *AssertionContext, a Assertion) error {
	id := actx.op(a.Op)
	op, err := actx.Store.Get(actx.Ctx, id)
	actual := ""
	switch {
	case errors.Is(err, store.ErrNotFound):
		actual = opStatusAbsent
	case err != nil:
		return fmt.Errorf("op_status: %w", err)
	default:
		actual = string(op.Status)
		if a.Failure != "" {
			actual += "/" + string(op.Failure)
		}
	}

	expected := a.Status
	if a.Failure != "" {
		expected += "/" + a.Failure
	}
	if actual != expected {
		return &AssertionError{
			Type:     AssertOpStatus,
			Expected: fmt.Sprintf("operation %s %s", id, expected),
			Actual:   actual,
		}
	}
	return nil
}

// normalize maps a YAML scalar or collection onto the payload value model.
func normalize(v any) (any, error) {
	rec, err := toRecord(map[string]any{"v": v})
	if err != nil {
		return nil, err
	}
	return rec["v"], nil
}
