package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorHelpers_Wrapped(t *testing.T) {
	remote := &RemoteState{EntityID: "p1", Version: 2}
	err := fmt.Errorf("dispatch: %w", &Error{Code: ErrCodeConflict, Remote: remote, StatusCode: 409})

	assert.True(t, IsConflict(err))
	assert.False(t, IsTransient(err))
	assert.Same(t, remote, RemoteOf(err))
	assert.Equal(t, ErrCodeConflict, CodeOf(err))
}

func TestError_Message(t *testing.T) {
	cause := errors.New("disk full")
	err := &Error{Code: ErrCodeStorage, Message: "append", OperationID: "op-1", Err: cause}

	assert.Equal(t, "STORAGE: append: disk full (op=op-1)", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsStorage(err))
}

func TestError_StatusOnly(t *testing.T) {
	err := &Error{Code: ErrCodeFatalRemote, Message: "bad request", StatusCode: 400}
	assert.Equal(t, "FATAL_REMOTE: bad request (status=400)", err.Error())
	assert.True(t, IsFatal(err))
}

func TestOperation_Retryable(t *testing.T) {
	now := mustTime("2026-01-01T10:00:00Z")

	assert.True(t, Operation{Status: StatusPending}.Retryable(now))
	assert.False(t, Operation{Status: StatusInFlight}.Retryable(now))
	assert.False(t, Operation{Status: StatusFailed, Failure: FailureFatal}.Retryable(now))
	assert.False(t, Operation{Status: StatusFailed, Failure: FailureConflict}.Retryable(now))
	assert.False(t, Operation{Status: StatusFailed, Failure: FailureTransient, NextAttemptAt: now.Add(1)}.Retryable(now))
	assert.True(t, Operation{Status: StatusFailed, Failure: FailureTransient, NextAttemptAt: now}.Retryable(now))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("delete")
	assert.NoError(t, err)
	assert.Equal(t, KindDelete, k)

	_, err = ParseKind("upsert")
	assert.Error(t, err)
}
