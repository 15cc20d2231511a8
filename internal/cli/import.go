package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	Sync       bool
	CalendarID string
}

type importOutput struct {
	SourceID    string            `json:"source_id"`
	FromCache   bool              `json:"from_cache"`
	Events      int               `json:"events"`
	AgendaItems int               `json:"agenda_items"`
	Synced      int               `json:"synced,omitempty"`
	Failed      map[string]string `json:"failed,omitempty"`
}

func (o importOutput) WriteText(w io.Writer) {
	src := o.SourceID
	if o.FromCache {
		src += " (cached copy)"
	}
	fmt.Fprintf(w, "imported %d events and %d agenda items from %s\n", o.Events, o.AgendaItems, src)
	if o.Synced > 0 || len(o.Failed) > 0 {
		fmt.Fprintf(w, "synced %d, failed %d\n", o.Synced, len(o.Failed))
	}
	ids := make([]string, 0, len(o.Failed))
	for id := range o.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "  %s: %s\n", id, o.Failed[id])
	}
}

func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <feed-url>",
		Short: "Load events from an ICS feed into the local catalog",
		Long: `Fetch an ICS feed and store its events in the local entity catalog.
VEVENTs carrying RELATED-TO become agenda items of that event.

Only the sqlite ledger backend keeps a local catalog.

Example:
  calsync import https://example.com/conf.ics
  calsync import https://example.com/conf.ics --sync --calendar work`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), opts, args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&opts.Sync, "sync", false, "also sync every imported entity to the calendar")
	cmd.Flags().StringVar(&opts.CalendarID, "calendar", "", "target calendar for --sync (defaults to the preferred calendar)")

	return cmd
}

func runImport(ctx context.Context, opts *ImportOptions, feedURL string, out io.Writer) error {
	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	db, err := a.requireCatalog()
	if err != nil {
		return err
	}

	fetcher := ics.NewFetcher(a.cfg.Feed.CacheDir, nil)
	res, err := fetcher.Fetch(ctx, ics.FeedSourceFromURL(feedURL))
	if err != nil {
		return WrapExitError(ExitFailure, "failed to fetch feed", err)
	}
	entities, err := ics.ParseFeed(res.Source, res.Body)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to parse feed", err)
	}
	if err := db.UpsertEntities(ctx, entities); err != nil {
		return WrapExitError(ExitFailure, "failed to store entities", err)
	}

	o := importOutput{SourceID: res.Source.ID, FromCache: res.FromCache}
	for _, e := range entities {
		if e.Kind == model.KindAgendaItem {
			o.AgendaItems++
		} else {
			o.Events++
		}
	}
	appLog.Info("feed imported", "source_id", res.Source.ID, "events", o.Events, "agenda_items", o.AgendaItems)

	if opts.Sync {
		if err := a.manager.LoadFromServer(ctx); err != nil {
			return WrapExitError(ExitFailure, "failed to load sync cache", err)
		}
		bulk := a.manager.SyncAll(ctx, entities, opts.CalendarID)
		o.Synced = bulk.Synced
		if len(bulk.Failed) > 0 {
			o.Failed = make(map[string]string, len(bulk.Failed))
			for id, ferr := range bulk.Failed {
				o.Failed[id] = ferr.Error()
			}
		}
	}

	if err := opts.formatter(out).Success(o); err != nil {
		return err
	}
	if len(o.Failed) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d entities failed to sync", len(o.Failed)))
	}
	return nil
}
