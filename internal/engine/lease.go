package engine

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

func defaultLeaseOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString()[:8])
}

// acquireLease claims or renews the drain lease. A live lease held by
// another process is reported as ErrDrainInProgress.
func (e *Engine) acquireLease(ctx context.Context) error {
	held, err := e.store.AcquireLease(ctx, store.DrainLease, e.leaseOwner, e.leaseTTL, e.clock.Now())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrLeaseHeld):
		e.logger.Debug("drain lease held elsewhere", "owner", held.Owner, "expires_at", held.ExpiresAt)
		return fmt.Errorf("%w: held by %s until %s", ErrDrainInProgress, held.Owner, held.ExpiresAt.Format("15:04:05"))
	default:
		return model.NewStorageError("acquire drain lease", err)
	}
}

// releaseLease gives the drain lease back, even when ctx is already done.
func (e *Engine) releaseLease(ctx context.Context) {
	if err := e.store.ReleaseLease(context.WithoutCancel(ctx), store.DrainLease, e.leaseOwner); err != nil {
		e.logger.Warn("drain lease not released", "owner", e.leaseOwner, "error", err)
	}
}
