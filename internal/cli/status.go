package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"calsync/internal/model"
)

type statusOutput struct {
	LedgerBackend       string         `json:"ledger_backend"`
	CalendarPermission  bool           `json:"calendar_permission"`
	PreferredCalendarID string         `json:"preferred_calendar_id"`
	AutoSync            bool           `json:"auto_sync"`
	Installed           bool           `json:"installed"`
	SyncedCount         int            `json:"synced_count"`
	SyncedByKind        map[string]int `json:"synced_by_kind"`
}

func (o statusOutput) WriteText(w io.Writer) {
	preferred := o.PreferredCalendarID
	if preferred == "" {
		preferred = "(not set)"
	}
	fmt.Fprintf(w, "ledger backend:      %s\n", o.LedgerBackend)
	fmt.Fprintf(w, "calendar permission: %t\n", o.CalendarPermission)
	fmt.Fprintf(w, "preferred calendar:  %s\n", preferred)
	fmt.Fprintf(w, "auto-sync:           %t\n", o.AutoSync)
	fmt.Fprintf(w, "installed:           %t\n", o.Installed)
	fmt.Fprintf(w, "synced:              %d\n", o.SyncedCount)
	for _, kind := range model.Kinds {
		fmt.Fprintf(w, "  %-18s %d\n", string(kind)+":", o.SyncedByKind[string(kind)])
	}
}

func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show what is synced and how the engine is configured",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), rootOpts, cmd.OutOrStdout())
		},
	}
}

func runStatus(ctx context.Context, opts *RootOptions, out io.Writer) error {
	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.manager.LoadFromServer(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to load sync cache", err)
	}

	o := statusOutput{
		LedgerBackend:       a.cfg.Ledger.Backend,
		CalendarPermission:  a.port.HasPermission(ctx),
		PreferredCalendarID: a.cfg.PreferredCalendar(),
		AutoSync:            a.cfg.AutoSyncEnabled(),
		Installed:           fileExists(a.cfg.Reconcile.InstallMarker),
		SyncedCount:         a.manager.SyncedCount(),
		SyncedByKind:        make(map[string]int, len(model.Kinds)),
	}
	for _, kind := range model.Kinds {
		o.SyncedByKind[string(kind)] = len(a.manager.RecordsOfKind(kind))
	}
	return opts.formatter(out).Success(o)
}
