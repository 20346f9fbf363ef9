package engine

import (
	"errors"
	"fmt"
	"sync"
)

// DefaultMaxRebases is the default number of times one operation may be
// rebased onto a fresher remote version within a single pass.
const DefaultMaxRebases = 3

// RebaseQuota counts conflict rebases per operation within one pass.
//
// A remote that keeps changing between the rebase and the retry would
// otherwise keep an operation cycling through merge and conflict for the
// whole pass. Exceeding the quota fails the operation transiently so the
// next pass tries again.
//
// Thread-safety: lanes run concurrently, so Check is guarded by a mutex.
type RebaseQuota struct {
	mu    sync.Mutex
	max   int
	count map[string]int
}

// NewRebaseQuota creates a quota allowing max rebases per operation.
func NewRebaseQuota(max int) *RebaseQuota {
	return &RebaseQuota{max: max, count: make(map[string]int)}
}

// Check records one rebase of the operation and returns
// RebaseLimitError once the limit is exceeded.
func (q *RebaseQuota) Check(operationID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.count[operationID]++
	if n := q.count[operationID]; n > q.max {
		return &RebaseLimitError{OperationID: operationID, Rebases: n, Limit: q.max}
	}
	return nil
}

// RebaseLimitError is returned when an operation exceeds its rebase quota.
type RebaseLimitError struct {
	OperationID string
	Rebases     int
	Limit       int
}

// Error implements the error interface.
func (e *RebaseLimitError) Error() string {
	return fmt.Sprintf("operation %s kept conflicting: %d rebases > %d limit",
		e.OperationID, e.Rebases, e.Limit)
}

// IsRebaseLimitError returns true if err is a RebaseLimitError.
func IsRebaseLimitError(err error) bool {
	var re *RebaseLimitError
	return errors.As(err, &re)
}
