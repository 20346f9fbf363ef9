package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/status"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	NoProbe bool
}

// statusView renders status.Status as text.
type statusView struct{ status.Status }

func (v statusView) RenderText(w io.Writer) {
	fmt.Fprintf(w, "Connectivity: %s\n", onlineLabel(v.Online))
	fmt.Fprintf(w, "Pending:      %d\n", v.Pending)
	if v.Retrying > 0 {
		fmt.Fprintf(w, "Retrying:     %s\n", warn.Sprint(v.Retrying))
	}
	if v.LastSync != nil {
		fmt.Fprintf(w, "Last sync:    %s\n", v.LastSync.UTC().Format(time.RFC3339))
	} else {
		fmt.Fprintf(w, "Last sync:    %s\n", dim.Sprint("never"))
	}
	if len(v.Failed) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s\n", bad.Sprintf("Needs attention (%d):", len(v.Failed)))
	for _, f := range v.Failed {
		fmt.Fprintf(w, "  %s  %s %s/%s  %s\n", f.OperationID, f.Kind, f.EntityType, f.EntityID, f.LastError)
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, pending count and operations needing attention",
		Long: `Show the sync status: whether the remote store is reachable, how many
operations are pending, when the queue last synced completely, and which
operations wait for a decision.

Example:
  fieldsync status
  fieldsync status --format json --no-probe`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(opts, cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.NoProbe, "no-probe", false, "do not probe the remote health endpoint")
	return cmd
}

func showStatus(opts *StatusOptions, cmd *cobra.Command) error {
	a, err := openApp(cmd, opts.RootOptions, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := commandContext(cmd)
	if !opts.NoProbe {
		a.connect(ctx)
	}
	st, err := a.projector().Snapshot(ctx)
	if err != nil {
		return a.out.Fail("failed to read status", err)
	}
	return a.out.Success(statusView{st})
}

// operationList renders queued operations as a table.
type operationList []model.Operation

func (l operationList) RenderText(w io.Writer) {
	if len(l) == 0 {
		fmt.Fprintln(w, "No operations.")
		return
	}
	for _, op := range l {
		fmt.Fprintf(w, "%4d  %s  %-6s %s/%s  %s  attempts=%d", op.Sequence, op.ID, op.Kind, op.EntityType, op.EntityID, statusLabel(op), op.AttemptCount)
		if op.LastError != "" {
			fmt.Fprintf(w, "  %s", op.LastError)
		}
		fmt.Fprintln(w)
	}
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List unresolved operations in replay order",
		Long: `List every unresolved operation (pending, in flight or failed) in
sequence order.

Example:
  fieldsync queue --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			ops, err := a.store.ListUnresolved(commandContext(cmd))
			if err != nil {
				return a.out.Fail("failed to list queue", err)
			}
			if ops == nil {
				ops = []model.Operation{}
			}
			return a.out.Success(operationList(ops))
		},
	}
}

// NewFailedCommand creates the failed command.
func NewFailedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "failed",
		Short: "List failed operations",
		Long: `List failed operations. Transient failures are retried automatically;
fatal and conflicted operations wait for discard, resolve or retry.

Example:
  fieldsync failed`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			ops, err := a.store.ListFailed(commandContext(cmd))
			if err != nil {
				return a.out.Fail("failed to list failed operations", err)
			}
			if ops == nil {
				ops = []model.Operation{}
			}
			return a.out.Success(operationList(ops))
		},
	}
}
