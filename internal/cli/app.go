package cli

import (
	"errors"
	"fmt"
	"time"

	"calsync/internal/calendar"
	"calsync/internal/calsync"
	"calsync/internal/config"
	"calsync/internal/ics"
	"calsync/internal/ledger"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/remote"
	"calsync/internal/store"
)

// app is the engine assembled from a config file.
type app struct {
	cfg        *config.Config
	configPath string

	port *ics.Store
	// db is nil for the http ledger backend.
	db       *store.Store
	ledgers  map[model.EntityKind]ledger.Client
	entities calsync.Entities

	manager    *calsync.Manager
	reconciler *calsync.Reconciler
}

// openApp loads the config, sets up logging and wires the engine. The cache
// starts empty; callers decide how to fill it.
func openApp(opts *RootOptions) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	configureLogging(cfg, opts.Verbose)

	port, err := ics.NewStore(ics.StoreOptions{
		Dir:               cfg.Calendar.Dir,
		Calendars:         calendarInfos(cfg.Calendar.Calendars),
		PermissionGranted: cfg.Calendar.PermissionGranted,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open calendar store", err)
	}

	a := &app{cfg: cfg, configPath: opts.ConfigPath, port: port}

	switch cfg.Ledger.Backend {
	case config.LedgerHTTP:
		client, err := remote.New(remote.Options{
			BaseURL: cfg.Ledger.BaseURL,
			Token:   cfg.Ledger.Token,
			Timeout: time.Duration(cfg.Ledger.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to create ledger client", err)
		}
		a.ledgers = ledgersFrom(client.Ledger)
		a.entities = client
	default:
		db, err := store.Open(cfg.Ledger.SQLitePath)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open database", err)
		}
		a.db = db
		a.ledgers = ledgersFrom(db.Ledger)
		a.entities = db
	}

	a.manager = calsync.NewManager(calsync.ManagerConfig{
		Port:        port,
		Ledgers:     a.ledgers,
		Preferences: cfg,
		Platform:    cfg.Platform,
	})
	a.reconciler = calsync.NewReconciler(calsync.ReconcilerConfig{
		Manager:  a.manager,
		Port:     port,
		Ledgers:  a.ledgers,
		Entities: a.entities,
		Matcher:  calsync.NewMatcher(port, time.Duration(cfg.Reconcile.MatchToleranceMinutes)*time.Minute),
	})

	appLog.Debug("engine assembled",
		"config", opts.ConfigPath,
		"ledger_backend", cfg.Ledger.Backend,
		"calendars", len(cfg.Calendar.Calendars),
		"calendar_dir", cfg.Calendar.Dir,
	)
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	errs = append(errs, appLog.Close())
	return errors.Join(errs...)
}

// requireCatalog returns the local database for commands that write the
// entity catalog.
func (a *app) requireCatalog() (*store.Store, error) {
	if a.db == nil {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("this command needs the %q ledger backend", config.LedgerSQLite))
	}
	return a.db, nil
}

func configureLogging(cfg *config.Config, verbose bool) {
	level := appLog.ParseLevel(cfg.Log.Level)
	if verbose {
		level = appLog.LevelDebug
	}
	appLog.SetLevel(level)
	appLog.SetFile(appLog.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
}

func calendarInfos(entries []config.CalendarEntry) []calendar.Info {
	out := make([]calendar.Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, calendar.Info{
			ID:          e.ID,
			DisplayName: e.Name,
			IsPrimary:   e.Primary,
			AccountName: e.Account,
			Color:       e.Color,
		})
	}
	return out
}

func ledgersFrom(get func(model.EntityKind) ledger.Client) map[model.EntityKind]ledger.Client {
	out := make(map[model.EntityKind]ledger.Client, len(model.Kinds))
	for _, kind := range model.Kinds {
		out[kind] = get(kind)
	}
	return out
}

// parseRef reads the <kind> <id> argument pair.
func parseRef(kindArg, id string) (model.Ref, error) {
	kind, err := model.ParseEntityKind(kindArg)
	if err != nil {
		return model.Ref{}, WrapExitError(ExitCommandError, "invalid kind", err)
	}
	if id == "" {
		return model.Ref{}, NewExitError(ExitCommandError, "entity id is empty")
	}
	return model.Ref{Kind: kind, ID: id}, nil
}

// operationError maps engine errors to an exit error with a stable code name.
func operationError(op string, err error) *ExitError {
	return WrapExitError(ExitFailure, op+" failed ("+errorCode(err)+")", err)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, calendar.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, calsync.ErrNotConfigured):
		return "not_configured"
	case errors.Is(err, calsync.ErrMissingStartTime):
		return "missing_start_time"
	case errors.Is(err, model.ErrEntityNotFound),
		errors.Is(err, calendar.ErrEventNotFound),
		errors.Is(err, calendar.ErrCalendarNotFound):
		return "not_found"
	case calsync.IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}
