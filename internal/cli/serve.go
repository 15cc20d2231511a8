package cli

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"calsync/internal/calendar"
	"calsync/internal/calsync"
	"calsync/internal/engagement"
	"calsync/internal/fsutil"
	appLog "calsync/internal/log"
	"calsync/internal/scheduler"
	"calsync/internal/web"
)

const hubBuffer = 64

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine with its HTTP API",
		Long: `Run auto-sync, the engagement spool watcher, scheduled reconciliation and
the HTTP API until SIGINT or SIGTERM.

On the first start after an install the native calendars are searched for
events the ledger says are synced, so nothing is created twice.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (overrides config if set)")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.cfg
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	appLog.Info("calsync starting",
		"listen", cfg.Listen,
		"ledger_backend", cfg.Ledger.Backend,
		"preferred_calendar_id", cfg.PreferredCalendar(),
		"auto_sync", cfg.AutoSyncEnabled(),
		"reconcile_cron", cfg.Reconcile.Cron,
		"spool_dir", cfg.Engagement.SpoolDir,
	)

	warmUp(ctx, a)

	sched, err := scheduler.New(cfg.Reconcile.Cron, a.reconciler)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid reconcile schedule", err)
	}

	hub := engagement.NewHub(hubBuffer)
	defer hub.Close()

	var spool *engagement.SpoolWatcher
	if cfg.Engagement.SpoolDir != "" {
		spool, err = engagement.NewSpoolWatcher(cfg.Engagement.SpoolDir, hub)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to prepare engagement spool", err)
		}
	}

	autoSync := calsync.NewAutoSync(a.manager, a.port, a.entities, cfg)
	srv := web.NewServer(web.Deps{
		Config:     cfg,
		ConfigPath: a.configPath,
		Manager:    a.manager,
		Reconciler: a.reconciler,
		Port:       a.port,
		Entities:   a.entities,
		Hub:        hub,
		Scheduler:  sched,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		autoSync.Run(gctx, hub.Updates())
		return nil
	})
	if spool != nil {
		g.Go(func() error { return spool.Run(gctx) })
	}
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "calsync stopped with error", err)
	}
	appLog.Info("calsync exiting")
	return nil
}

// warmUp fills the record cache. A fresh install, detected by a missing
// install marker, relinks ledger records to native events that survived the
// reinstall; otherwise the cache is rebuilt from the ledger. Failures are
// logged and the engine starts with whatever it has.
func warmUp(ctx context.Context, a *app) {
	cfg := a.cfg
	marker := cfg.Reconcile.InstallMarker
	fresh := cfg.Reconcile.OnReinstall && marker != "" && !fileExists(marker)

	if fresh {
		appLog.Info("fresh install detected; running reinstall reconcile", "marker", marker)
		res, err := a.reconciler.ReconcileOnReinstall(ctx)
		switch {
		case err == nil && res.Errors == 0:
			writeInstallMarker(marker)
			return
		case err == nil:
			// Keep what was relinked; the marker stays absent so the next
			// start tries again.
			appLog.Warn("reinstall reconcile incomplete; will retry on next start", "errors", res.Errors)
			return
		case errors.Is(err, calendar.ErrPermissionDenied):
			appLog.Warn("reinstall reconcile skipped: no calendar permission; will retry on next start")
		default:
			appLog.Error("reinstall reconcile failed", err)
		}
	}

	if err := a.manager.LoadFromServer(ctx); err != nil {
		appLog.Error("failed to load sync cache; starting empty", err)
		return
	}
	if !fresh && marker != "" && !fileExists(marker) {
		writeInstallMarker(marker)
	}
}

func writeInstallMarker(path string) {
	data := []byte(time.Now().UTC().Format(time.RFC3339) + "\n")
	if err := fsutil.WriteFileAtomic(path, data, ".calsync-installed-*.tmp"); err != nil {
		appLog.Error("failed to write install marker", err, "path", path)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}
