package model

import (
	"fmt"
	"time"
)

// Kind is the mutation an operation performs on its entity.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete:
		return true
	}
	return false
}

// ParseKind converts a user-supplied string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown operation kind %q (want create, update or delete)", s)
	}
	return k, nil
}

// Status is the lifecycle state of a queued operation.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusFailed   Status = "failed"
	StatusResolved Status = "resolved"
)

// FailureKind qualifies a Failed operation. Only transient failures are
// retried automatically; the others wait for the user.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureTransient FailureKind = "transient"
	FailureFatal     FailureKind = "fatal"
	FailureConflict  FailureKind = "conflict"
)

// NeedsUser reports whether the failure stops automatic retries.
func (f FailureKind) NeedsUser() bool {
	return f == FailureFatal || f == FailureConflict
}

// SyncStatus tags a local cache entry.
type SyncStatus string

const (
	SyncStatusSynced             SyncStatus = "synced"
	SyncStatusPendingLocalChange SyncStatus = "pending_local_change"
	SyncStatusConflicted         SyncStatus = "conflicted"
)

// Operation is one queued mutation.
//
// Base and BaseVersion describe the entity as the client last knew it when the
// operation was submitted. Base is used for field-level conflict diffing and
// BaseVersion is sent as the conditional-write precondition. Both are empty
// for Create.
type Operation struct {
	Sequence    int64  `json:"sequence"`
	ID          string `json:"operation_id"`
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id"`
	Kind        Kind   `json:"kind"`
	Payload     Record `json:"payload,omitempty"`
	Base        Record `json:"base,omitempty"`
	BaseVersion int64  `json:"base_version,omitempty"`

	Status        Status      `json:"status"`
	Failure       FailureKind `json:"failure,omitempty"`
	AttemptCount  int         `json:"attempt_count"`
	LastAttemptAt time.Time   `json:"last_attempt_at,omitempty"`
	NextAttemptAt time.Time   `json:"next_attempt_at,omitempty"`
	LastError     string      `json:"last_error,omitempty"`

	// Remote holds the server state captured when the operation was escalated
	// for manual resolution.
	Remote *RemoteState `json:"remote,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// LaneKey identifies the replay lane of the operation.
func (o Operation) LaneKey() string {
	return LaneKey(o.EntityType, o.EntityID)
}

// Retryable reports whether the engine may dispatch the operation at now.
func (o Operation) Retryable(now time.Time) bool {
	switch o.Status {
	case StatusPending:
		return true
	case StatusFailed:
		if o.Failure.NeedsUser() {
			return false
		}
		return !now.Before(o.NextAttemptAt)
	}
	return false
}

// LaneKey builds the lane identifier for an entity. Identifiers are only
// unique within an entity type.
func LaneKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

// Entity is a local cache entry: the latest snapshot the user should see.
type Entity struct {
	Type       string     `json:"entity_type"`
	ID         string     `json:"entity_id"`
	Data       Record     `json:"data"`
	Version    int64      `json:"version,omitempty"`
	SyncStatus SyncStatus `json:"sync_status"`

	// Temporary is set while ID is a client-generated identifier that the
	// server has not replaced yet.
	Temporary bool      `json:"temporary,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RemoteState is the authoritative server snapshot of an entity.
type RemoteState struct {
	EntityID string `json:"entity_id"`
	Version  int64  `json:"version"`
	Data     Record `json:"data,omitempty"`

	// Deleted is set when the entity no longer exists remotely.
	Deleted bool `json:"deleted,omitempty"`

	// Duplicate is set when a Create collided with an equivalent record.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Change is one entry of the remote change feed used by the pull phase.
type Change struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"id"`
	Kind       Kind   `json:"operation"`
	Version    int64  `json:"version"`
	Data       Record `json:"data,omitempty"`
}

// ChangeBatch is one page of the remote change feed.
type ChangeBatch struct {
	Changes []Change `json:"changes"`
	Cursor  string   `json:"cursor"`
	HasMore bool     `json:"has_more"`
}
