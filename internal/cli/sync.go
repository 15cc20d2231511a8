package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	CalendarID string
}

type syncOutput struct {
	Entity        string `json:"entity"`
	NativeEventID string `json:"native_event_id"`
	CalendarID    string `json:"calendar_id"`
}

func (o syncOutput) WriteText(w io.Writer) {
	fmt.Fprintf(w, "synced %s -> %s (calendar %s)\n", o.Entity, o.NativeEventID, o.CalendarID)
}

type removeOutput struct {
	Entity  string `json:"entity"`
	Removed bool   `json:"removed"`
}

func (o removeOutput) WriteText(w io.Writer) {
	if o.Removed {
		fmt.Fprintf(w, "removed %s\n", o.Entity)
		return
	}
	fmt.Fprintf(w, "%s was not synced\n", o.Entity)
}

func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync <kind> <id>",
		Short: "Put an event or agenda item on the calendar",
		Long: `Put one entity on a device calendar. An entity that is already synced is
updated in place.

Example:
  calsync sync event e1
  calsync sync agenda_item 42 --calendar work`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), opts, args[0], args[1], cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.CalendarID, "calendar", "", "target calendar id (defaults to the preferred calendar)")

	return cmd
}

func runSync(ctx context.Context, opts *SyncOptions, kindArg, id string, out io.Writer) error {
	ref, err := parseRef(kindArg, id)
	if err != nil {
		return err
	}

	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.manager.LoadFromServer(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to load sync cache", err)
	}

	entity, err := a.entities.GetEntity(ctx, ref)
	if err != nil {
		return operationError("get entity", err)
	}
	nativeID, err := a.manager.Sync(ctx, entity, opts.CalendarID)
	if err != nil {
		return operationError("sync", err)
	}

	rec, _ := a.manager.Record(ref)
	return opts.formatter(out).Success(syncOutput{
		Entity:        ref.String(),
		NativeEventID: nativeID,
		CalendarID:    rec.NativeCalendarID,
	})
}

func NewRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <kind> <id>",
		Short: "Take an event or agenda item off the calendar",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemove(cmd.Context(), rootOpts, args[0], args[1], cmd.OutOrStdout())
		},
	}
	return cmd
}

func runRemove(ctx context.Context, opts *RootOptions, kindArg, id string, out io.Writer) error {
	ref, err := parseRef(kindArg, id)
	if err != nil {
		return err
	}

	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.manager.LoadFromServer(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to load sync cache", err)
	}

	wasSynced := a.manager.IsSynced(ref)
	if err := a.manager.Remove(ctx, ref); err != nil {
		return operationError("remove", err)
	}
	return opts.formatter(out).Success(removeOutput{Entity: ref.String(), Removed: wasSynced})
}
