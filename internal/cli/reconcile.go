package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"calsync/internal/calsync"
)

// ReconcileOptions holds flags for the reconcile command.
type ReconcileOptions struct {
	*RootOptions
	EventID   string
	Reinstall bool
}

type reconcileOutput struct {
	Mode string `json:"mode"`
	calsync.Result
}

func (o reconcileOutput) WriteText(w io.Writer) {
	fmt.Fprintf(w, "reconcile (%s): %s\n", o.Mode, o.Status)
	fmt.Fprintf(w, "  deleted:      %d\n", o.Deleted)
	fmt.Fprintf(w, "  updated:      %d\n", o.Updated)
	fmt.Fprintf(w, "  relinked:     %d\n", o.Relinked)
	fmt.Fprintf(w, "  needs resync: %d\n", o.NeedsResync)
	fmt.Fprintf(w, "  errors:       %d\n", o.Errors)
}

func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReconcileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Bring the calendar back in line with the sync ledger",
		Long: `Compare synced entities with the ledger and remove or rewrite native
events that drifted.

--event limits the pass to the agenda items of one event. --reinstall
instead searches the calendars for events the ledger says are synced and
relinks them without creating anything.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.EventID, "event", "", "only reconcile the agenda items of this event")
	cmd.Flags().BoolVar(&opts.Reinstall, "reinstall", false, "relink ledger records to existing native events")
	cmd.MarkFlagsMutuallyExclusive("event", "reinstall")

	return cmd
}

func runReconcile(ctx context.Context, opts *ReconcileOptions, out io.Writer) error {
	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	var o reconcileOutput
	switch {
	case opts.Reinstall:
		res, err := a.reconciler.ReconcileOnReinstall(ctx)
		if err != nil {
			return operationError("reinstall reconcile", err)
		}
		o = reconcileOutput{Mode: "reinstall", Result: res}

	default:
		if err := a.manager.LoadFromServer(ctx); err != nil {
			return WrapExitError(ExitFailure, "failed to load sync cache", err)
		}
		if opts.EventID != "" {
			o = reconcileOutput{Mode: "event " + opts.EventID, Result: a.reconciler.ReconcileForEvent(ctx, opts.EventID)}
		} else {
			o = reconcileOutput{Mode: "all", Result: a.reconciler.ReconcileAll(ctx)}
		}
	}

	return opts.formatter(out).Success(o)
}
