package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DrainLease names the lease a process holds while it dispatches or
// recovers operations.
const DrainLease = "drain"

// ErrLeaseHeld is returned by AcquireLease when another owner holds an
// unexpired lease.
var ErrLeaseHeld = errors.New("lease held by another owner")

// Lease is the current holder of a named lease.
type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// AcquireLease claims name for owner until now+ttl. The claim succeeds when
// the lease is free, expired, or already held by owner, in which case it is
// renewed. Otherwise the current holder is returned with ErrLeaseHeld.
//
// The claim is a single conditional upsert, so concurrent processes on the
// same database cannot both win.
func (s *Store) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration, now time.Time) (Lease, error) {
	if owner == "" {
		return Lease{}, fmt.Errorf("acquire lease %s: owner is required", name)
	}
	want := Lease{Name: name, Owner: owner, ExpiresAt: now.Add(ttl)}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (name, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE leases.owner = excluded.owner OR leases.expires_at <= ?
	`, name, owner, want.ExpiresAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return Lease{}, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Lease{}, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if n > 0 {
		return want, nil
	}

	held, ok, err := s.GetLease(ctx, name)
	switch {
	case err != nil:
		return Lease{}, err
	case !ok:
		// Released between the two statements.
		return s.AcquireLease(ctx, name, owner, ttl, now)
	}
	return held, fmt.Errorf("lease %s: %w", name, ErrLeaseHeld)
}

// ReleaseLease gives up name if owner holds it. Releasing a lease held by
// someone else, or not held at all, is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND owner = ?`, name, owner)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}

// GetLease reads the holder of name, expired or not. The boolean is false
// when nobody holds it.
func (s *Store) GetLease(ctx context.Context, name string) (Lease, bool, error) {
	l := Lease{Name: name}
	var expires int64
	err := s.db.QueryRowContext(ctx, `SELECT owner, expires_at FROM leases WHERE name = ?`, name).Scan(&l.Owner, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, fmt.Errorf("get lease %s: %w", name, err)
	}
	l.ExpiresAt = time.UnixMilli(expires).UTC()
	return l, true, nil
}
