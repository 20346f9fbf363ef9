package engine

import (
	"errors"
	"fmt"
)

// ErrDrainInProgress is returned by Drain when another pass is running.
var ErrDrainInProgress = errors.New("drain already in progress")

// ErrNotResolvable is returned by ResolveManually for operations that are not
// waiting on a conflict decision.
var ErrNotResolvable = errors.New("operation is not awaiting conflict resolution")

// ResolveError reports why a manual conflict choice could not be applied.
type ResolveError struct {
	OperationID string
	Choice      Choice
	Reason      string
}

// Error implements the error interface.
func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s (keep %s): %s", e.OperationID, e.Choice, e.Reason)
}

// IsResolveError returns true if err is a ResolveError.
// Uses errors.As to handle wrapped errors.
func IsResolveError(err error) bool {
	var re *ResolveError
	return errors.As(err, &re)
}
