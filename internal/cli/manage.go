package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// operationView renders one operation after a manual action.
type operationView struct {
	Action    string          `json:"action"`
	Operation model.Operation `json:"operation"`
}

func (v operationView) RenderText(w io.Writer) {
	op := v.Operation
	fmt.Fprintf(w, "%s %s (%s %s/%s): %s\n", v.Action, op.ID, op.Kind, op.EntityType, op.EntityID, statusLabel(op))
}

// manualFailure maps the engine's precondition errors to failures and
// everything else through Fail.
func manualFailure(out *OutputFormatter, message string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		_ = out.Error("NOT_FOUND", err.Error(), nil)
		return WrapExitError(ExitFailure, message, err)
	case errors.Is(err, store.ErrNotFailed), errors.Is(err, engine.ErrNotResolvable), engine.IsResolveError(err):
		_ = out.Error("NOT_ALLOWED", err.Error(), nil)
		return WrapExitError(ExitFailure, message, err)
	}
	return out.Fail(message, err)
}

// NewDiscardCommand creates the discard command.
func NewDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <operation-id>",
		Short: "Drop a failed operation and revert its local change",
		Long: `Drop a failed operation. The local cache reverts to the last known
remote state. Discarding a create also drops every later operation on the
same record.

Example:
  fieldsync discard 0194d3a8-...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			op, err := a.engine.Discard(commandContext(cmd), args[0])
			if err != nil {
				return manualFailure(a.out, "discard failed", err)
			}
			return a.out.Success(operationView{Action: "Discarded", Operation: op})
		},
	}
}

// ResolveOptions holds flags for the resolve command.
type ResolveOptions struct {
	*RootOptions
	Keep string
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve <operation-id> --keep local|remote",
		Short: "Decide a conflicted operation",
		Long: `Decide an operation that conflicted with a remote change.

--keep local re-applies the local change on top of the remote version and
queues it again. --keep remote drops the local change and adopts the
remote record.

Example:
  fieldsync resolve 0194d3a8-... --keep remote`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			choice, err := engine.ParseChoice(opts.Keep)
			if err != nil {
				return NewExitError(ExitCommandError, err.Error())
			}
			a, err := openApp(cmd, opts.RootOptions, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			op, err := a.engine.ResolveManually(commandContext(cmd), args[0], choice)
			if err != nil {
				return manualFailure(a.out, "resolve failed", err)
			}
			return a.out.Success(operationView{Action: "Resolved", Operation: op})
		},
	}
	cmd.Flags().StringVar(&opts.Keep, "keep", "", "which side to keep (local|remote)")
	_ = cmd.MarkFlagRequired("keep")
	return cmd
}

// RetryOptions holds flags for the retry command.
type RetryOptions struct {
	*RootOptions
	Payload string
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RetryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "retry <operation-id>",
		Short: "Queue a failed operation again",
		Long: `Queue a failed operation again with a fresh attempt budget, optionally
replacing its payload with a corrected record.

Example:
  fieldsync retry 0194d3a8-...
  fieldsync retry 0194d3a8-... --payload '{"name":"Amina","ward":"4"}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload model.Record
			if opts.Payload != "" {
				var err error
				if payload, err = model.DecodeRecord([]byte(opts.Payload)); err != nil {
					return WrapExitError(ExitCommandError, "invalid --payload JSON", err)
				}
			}
			a, err := openApp(cmd, opts.RootOptions, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			op, err := a.engine.Retry(commandContext(cmd), args[0], payload)
			if err != nil {
				return manualFailure(a.out, "retry failed", err)
			}
			return a.out.Success(operationView{Action: "Requeued", Operation: op})
		},
	}
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "replacement record as JSON")
	return cmd
}
