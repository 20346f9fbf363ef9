package engine

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/fieldsync/internal/model"
)

// Trigger requests a drain from the Run loop. Requests made while a pass is
// running collapse into one follow-up pass. Returns false after Stop.
func (e *Engine) Trigger() bool {
	return e.trigger.Fire()
}

// Stop makes Run return after the current pass.
func (e *Engine) Stop() {
	e.trigger.Close()
}

// Recover returns operations a crashed process left InFlight to Pending so
// the next pass dispatches them again. The remote deduplicates the replay
// by operation ID.
//
// Recover runs under the drain lease: while another process holds it, its
// InFlight operations are live and Recover returns ErrDrainInProgress.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if !e.draining.CompareAndSwap(false, true) {
		return 0, ErrDrainInProgress
	}
	defer e.draining.Store(false)
	if err := e.acquireLease(ctx); err != nil {
		return 0, err
	}
	defer e.releaseLease(ctx)

	n, err := e.store.RecoverInFlight(ctx)
	if err != nil {
		return 0, model.NewStorageError("recover in-flight operations", err)
	}
	if n > 0 {
		e.logger.Info("recovered interrupted operations", "count", n)
	}
	return n, nil
}

// Run drives drains until ctx is cancelled or Stop is called.
//
// A pass starts when:
//   - connectivity becomes online and stays online for the settle delay
//   - the periodic interval elapses while online
//   - Trigger is called while online
//
// Passes run on the Run goroutine, one at a time.
func (e *Engine) Run(ctx context.Context) error {
	switch _, err := e.Recover(ctx); {
	case errors.Is(err, ErrDrainInProgress):
		e.logger.Info("skipping recovery", "reason", err)
	case err != nil:
		return err
	}
	events, unsubscribe := e.conn.Subscribe()
	defer unsubscribe()

	var tick <-chan time.Time
	if e.interval > 0 {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var (
		settle      <-chan time.Time
		settleTimer *time.Timer
	)
	stopSettle := func() {
		if settleTimer != nil {
			settleTimer.Stop()
			settleTimer = nil
		}
		settle = nil
	}
	defer stopSettle()

	e.logger.Info("sync engine starting", "interval", e.interval, "settle_delay", e.settleDelay)
	if e.conn.Online() {
		e.drainOnce(ctx, "startup")
	}

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("sync engine stopping: context cancelled")
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !ev.BecameOnline() {
				stopSettle()
				continue
			}
			if e.settleDelay <= 0 {
				e.drainOnce(ctx, "online")
				continue
			}
			stopSettle()
			settleTimer = time.NewTimer(e.settleDelay)
			settle = settleTimer.C

		case <-settle:
			stopSettle()
			if e.conn.Online() {
				e.drainOnce(ctx, "online")
			}

		case <-tick:
			if e.conn.Online() {
				e.drainOnce(ctx, "interval")
			}

		case _, ok := <-e.trigger.Wait():
			if !ok {
				e.logger.Info("sync engine stopping: stopped")
				return nil
			}
			if e.conn.Online() {
				e.drainOnce(ctx, "manual")
			}
		}
	}
}

func (e *Engine) drainOnce(ctx context.Context, cause string) {
	e.logger.Debug("drain triggered", "cause", cause)
	_, err := e.Drain(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrDrainInProgress):
		e.logger.Debug("drain already running", "cause", cause)
	case ctx.Err() != nil:
	default:
		e.logger.Error("drain failed", "cause", cause, "error", err)
	}
}
