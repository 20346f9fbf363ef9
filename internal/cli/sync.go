package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/engine"
)

// sessionView renders a drain summary.
type sessionView struct{ engine.Session }

func (v sessionView) RenderText(w io.Writer) {
	fmt.Fprintf(w, "Session %s: %d attempted, %s resolved, %d merged, %d discarded",
		v.ID, v.Attempted, good.Sprint(v.Resolved), v.Merged, v.Discarded)
	if v.Conflicts > 0 || v.Fatal > 0 {
		fmt.Fprintf(w, ", %s", bad.Sprintf("%d conflicts, %d fatal", v.Conflicts, v.Fatal))
	}
	if v.Transient > 0 {
		fmt.Fprintf(w, ", %s", warn.Sprintf("%d transient", v.Transient))
	}
	fmt.Fprintln(w)
	if v.Pulled > 0 || v.PullError != "" {
		fmt.Fprintf(w, "Pulled %d remote changes", v.Pulled)
		if v.PullError != "" {
			fmt.Fprintf(w, " (%s)", warn.Sprint(v.PullError))
		}
		fmt.Fprintln(w)
	}
	if v.StopReason != "" {
		fmt.Fprintf(w, "Stopped early: %s\n", v.StopReason)
	}
	fmt.Fprintf(w, "%d operations remaining\n", v.Remaining)
	for _, o := range v.Outcomes {
		if o.Result == engine.ResultSkipped {
			continue
		}
		fmt.Fprintf(w, "  %4d  %s  %s/%s  %s", o.Sequence, o.OperationID, o.EntityType, o.EntityID, o.Result)
		if o.Detail != "" {
			fmt.Fprintf(w, "  %s", dim.Sprint(o.Detail))
		}
		fmt.Fprintln(w)
	}
}

// busy reports a drain lease held by another process, usually a running
// daemon.
func (a *app) busy(err error) error {
	_ = a.out.Error("BUSY", fmt.Sprintf("another process is syncing this queue (%v)", err), nil)
	return NewExitError(ExitFailure, "sync already in progress")
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one drain pass now",
		Long: `Run one drain pass against the remote store and print the session
summary. Fails with exit code 1 when the remote is unreachable or another
process, such as a running daemon, is already syncing the same queue.

Example:
  fieldsync sync
  fieldsync sync --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := commandContext(cmd)
			if !a.connect(ctx) {
				n, _ := a.store.Count(ctx)
				_ = a.out.Error("OFFLINE", fmt.Sprintf("remote store unreachable; %d operations pending", n), nil)
				return NewExitError(ExitFailure, "remote store unreachable")
			}
			if _, err := a.engine.Recover(ctx); err != nil {
				if errors.Is(err, engine.ErrDrainInProgress) {
					return a.busy(err)
				}
				return a.out.Fail("failed to recover interrupted operations", err)
			}
			sess, err := a.engine.Drain(ctx)
			if errors.Is(err, engine.ErrDrainInProgress) {
				return a.busy(err)
			}
			if err != nil {
				return a.out.Fail("drain failed", err)
			}
			return a.out.Success(sessionView{sess})
		},
	}
}

// PurgeOptions holds flags for the purge command.
type PurgeOptions struct {
	*RootOptions
	OlderThan time.Duration
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PurgeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete resolved operations past the retention period",
		Long: `Delete resolved operations older than the retention period. Every drain
does this too; purge is for queues that have not synced in a while.

Example:
  fieldsync purge
  fieldsync purge --older-than 168h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts.RootOptions, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			retention := a.cfg.Sync.ResolvedRetention
			if cmd.Flags().Changed("older-than") {
				retention = opts.OlderThan
			}
			n, err := a.store.PurgeResolved(commandContext(cmd), time.Now().Add(-retention))
			if err != nil {
				return a.out.Fail("purge failed", err)
			}
			if a.out.Format == "json" {
				return a.out.Success(map[string]int{"purged": n})
			}
			return a.out.Success(fmt.Sprintf("Purged %d resolved operations", n))
		},
	}
	cmd.Flags().DurationVar(&opts.OlderThan, "older-than", 0, "override the configured retention")
	return cmd
}
