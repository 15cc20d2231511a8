package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/config"
	"calsync/internal/ledger"
	"calsync/internal/model"
	"calsync/internal/store"
)

const importFeed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//conf//schedule//EN
BEGIN:VEVENT
UID:conf-2026
DTSTAMP:20260101T000000Z
DTSTART:20260314T090000Z
DTEND:20260314T170000Z
SUMMARY:GopherCon
END:VEVENT
BEGIN:VEVENT
UID:talk-42
DTSTAMP:20260101T000000Z
DTSTART:20260314T100000Z
DTEND:20260314T104500Z
SUMMARY:Error handling in practice
RELATED-TO:conf-2026
END:VEVENT
END:VCALENDAR
`

// testConfig writes a config whose state lives under a temp dir and returns
// its path.
func testConfig(t *testing.T, mutate func(*config.Config)) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.PreferredCalendarID = "personal"
	cfg.Calendar.Dir = filepath.Join(dir, "calendars")
	cfg.Calendar.Calendars = []config.CalendarEntry{
		{ID: "personal", Name: "Personal", Primary: true},
		{ID: "work", Name: "Work"},
	}
	cfg.Ledger.SQLitePath = filepath.Join(dir, "calsync.db")
	cfg.Reconcile.InstallMarker = filepath.Join(dir, "installed")
	cfg.Engagement.SpoolDir = filepath.Join(dir, "spool")
	cfg.Feed.CacheDir = filepath.Join(dir, "feed-cache")
	if mutate != nil {
		mutate(cfg)
	}

	path := filepath.Join(dir, "calsync.yaml")
	require.NoError(t, config.Save(path, cfg))
	return path, cfg
}

func seedEntities(t *testing.T, cfg *config.Config, entities ...model.Entity) {
	t.Helper()
	db, err := store.Open(cfg.Ledger.SQLitePath)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.UpsertEntities(context.Background(), entities))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

type jsonResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func decodeData[T any](t *testing.T, out string) T {
	t.Helper()
	var resp jsonResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	var v T
	require.NoError(t, json.Unmarshal(resp.Data, &v))
	return v
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "calsync", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"serve", "sync", "remove", "reconcile", "calendars", "import", "status"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	path, _ := testConfig(t, nil)
	_, err := execute(t, "--config", path, "--format", "xml", "status")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSyncStatusRemove(t *testing.T) {
	path, cfg := testConfig(t, nil)
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	seedEntities(t, cfg, model.Entity{Kind: model.KindEvent, ID: "e1", Title: "GopherCon", Start: &start})

	out, err := execute(t, "--config", path, "--format", "json", "sync", "event", "e1")
	require.NoError(t, err, out)
	synced := decodeData[syncOutput](t, out)
	assert.Equal(t, "event/e1", synced.Entity)
	assert.Equal(t, "personal", synced.CalendarID)
	require.NotEmpty(t, synced.NativeEventID)

	// A second sync updates the same native event.
	out, err = execute(t, "--config", path, "--format", "json", "sync", "event", "e1")
	require.NoError(t, err, out)
	assert.Equal(t, synced.NativeEventID, decodeData[syncOutput](t, out).NativeEventID)

	out, err = execute(t, "--config", path, "--format", "json", "status")
	require.NoError(t, err, out)
	st := decodeData[statusOutput](t, out)
	assert.Equal(t, 1, st.SyncedCount)
	assert.Equal(t, 1, st.SyncedByKind["event"])
	assert.True(t, st.CalendarPermission)

	out, err = execute(t, "--config", path, "remove", "event", "e1")
	require.NoError(t, err)
	assert.Contains(t, out, "removed event/e1")

	out, err = execute(t, "--config", path, "remove", "event", "e1")
	require.NoError(t, err)
	assert.Contains(t, out, "was not synced")
}

func TestSync_Errors(t *testing.T) {
	path, cfg := testConfig(t, func(c *config.Config) { c.PreferredCalendarID = "" })
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	seedEntities(t, cfg,
		model.Entity{Kind: model.KindEvent, ID: "e1", Title: "GopherCon", Start: &start},
		model.Entity{Kind: model.KindEvent, ID: "nostart", Title: "TBD"},
	)

	_, err := execute(t, "--config", path, "sync", "venue", "e1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "--config", path, "sync", "event", "e1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "not_configured")

	_, err = execute(t, "--config", path, "sync", "event", "nostart", "--calendar", "work")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing_start_time")

	_, err = execute(t, "--config", path, "sync", "event", "missing", "--calendar", "work")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_found")
}

func TestCalendars(t *testing.T) {
	path, _ := testConfig(t, nil)

	out, err := execute(t, "--config", path, "calendars")
	require.NoError(t, err)
	assert.Contains(t, out, "personal")
	assert.Contains(t, out, "preferred")
	assert.Contains(t, out, "work")

	path, _ = testConfig(t, func(c *config.Config) { c.Calendar.PermissionGranted = false })
	_, err = execute(t, "--config", path, "calendars")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission_denied")
}

func TestImport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(strings.ReplaceAll(importFeed, "\n", "\r\n")))
	}))
	defer srv.Close()

	path, cfg := testConfig(t, nil)
	out, err := execute(t, "--config", path, "--format", "json", "import", srv.URL+"/conf.ics", "--sync")
	require.NoError(t, err, out)

	res := decodeData[importOutput](t, out)
	assert.Equal(t, 1, res.Events)
	assert.Equal(t, 1, res.AgendaItems)
	assert.Equal(t, 2, res.Synced)
	assert.Empty(t, res.Failed)

	db, err := store.Open(cfg.Ledger.SQLitePath)
	require.NoError(t, err)
	defer db.Close()

	talk, err := db.GetEntity(context.Background(), model.Ref{Kind: model.KindAgendaItem, ID: "talk-42"})
	require.NoError(t, err)
	assert.Equal(t, "conf-2026", talk.ParentID)

	recs, err := db.Ledger(model.KindAgendaItem).GetSyncedForParent(context.Background(), "conf-2026")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestImport_NeedsLocalCatalog(t *testing.T) {
	path, _ := testConfig(t, func(c *config.Config) {
		c.Ledger.Backend = config.LedgerHTTP
		c.Ledger.BaseURL = "http://127.0.0.1:1"
	})
	_, err := execute(t, "--config", path, "import", "http://127.0.0.1:1/feed.ics")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestReconcile(t *testing.T) {
	path, cfg := testConfig(t, nil)
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	seedEntities(t, cfg, model.Entity{Kind: model.KindEvent, ID: "e1", Title: "GopherCon", Start: &start})

	_, err := execute(t, "--config", path, "sync", "event", "e1")
	require.NoError(t, err)

	out, err := execute(t, "--config", path, "--format", "json", "reconcile")
	require.NoError(t, err, out)
	all := decodeData[reconcileOutput](t, out)
	assert.Equal(t, "all", all.Mode)
	assert.Equal(t, 0, all.Deleted)

	out, err = execute(t, "--config", path, "--format", "json", "reconcile", "--reinstall")
	require.NoError(t, err, out)
	re := decodeData[reconcileOutput](t, out)
	assert.Equal(t, "reinstall", re.Mode)
	assert.Equal(t, 1, re.Relinked)
	assert.Equal(t, 0, re.NeedsResync)

	_, err = execute(t, "--config", path, "reconcile", "--reinstall", "--event", "e1")
	assert.Error(t, err)
}

func TestWarmUp_FreshInstallWritesMarker(t *testing.T) {
	path, cfg := testConfig(t, nil)
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	seedEntities(t, cfg, model.Entity{Kind: model.KindEvent, ID: "e1", Title: "GopherCon", Start: &start})
	_, err := execute(t, "--config", path, "sync", "event", "e1")
	require.NoError(t, err)

	a, err := openApp(&RootOptions{ConfigPath: path, Format: "text"})
	require.NoError(t, err)
	defer a.Close()

	warmUp(context.Background(), a)
	assert.FileExists(t, cfg.Reconcile.InstallMarker)
	assert.True(t, a.manager.IsSynced(model.Ref{Kind: model.KindEvent, ID: "e1"}))
}

func TestWarmUp_NoPermissionRetriesLater(t *testing.T) {
	path, cfg := testConfig(t, func(c *config.Config) { c.Calendar.PermissionGranted = false })
	db, err := store.Open(cfg.Ledger.SQLitePath)
	require.NoError(t, err)
	require.NoError(t, db.Ledger(model.KindEvent).RecordSync(context.Background(), ledger.RecordSyncInput{EntityID: "e1", NativeEventID: "n1"}))
	require.NoError(t, db.Close())

	a, err := openApp(&RootOptions{ConfigPath: path, Format: "text"})
	require.NoError(t, err)
	defer a.Close()

	warmUp(context.Background(), a)
	_, statErr := os.Stat(cfg.Reconcile.InstallMarker)
	assert.True(t, os.IsNotExist(statErr))
	assert.True(t, a.manager.IsSynced(model.Ref{Kind: model.KindEvent, ID: "e1"}), "falls back to the ledger view")
}

func TestWarmUp_StaleLedgerRowStillCompletesInstall(t *testing.T) {
	path, cfg := testConfig(t, nil)
	db, err := store.Open(cfg.Ledger.SQLitePath)
	require.NoError(t, err)
	require.NoError(t, db.Ledger(model.KindEvent).RecordSync(context.Background(), ledger.RecordSyncInput{EntityID: "ghost", NativeEventID: "gone"}))
	require.NoError(t, db.Close())

	// No catalog entity for "ghost" and no native event "gone".
	a, err := openApp(&RootOptions{ConfigPath: path, Format: "text"})
	require.NoError(t, err)
	warmUp(context.Background(), a)
	assert.FileExists(t, cfg.Reconcile.InstallMarker)
	assert.False(t, a.manager.IsSynced(model.Ref{Kind: model.KindEvent, ID: "ghost"}))
	require.NoError(t, a.Close())

	a, err = openApp(&RootOptions{ConfigPath: path, Format: "text"})
	require.NoError(t, err)
	defer a.Close()
	warmUp(context.Background(), a)
	assert.Equal(t, 1, a.manager.SyncedCount(), "second start loads the ledger instead of reconciling again")
}

func TestWarmUp_KnownInstallLoadsLedger(t *testing.T) {
	path, cfg := testConfig(t, nil)
	require.NoError(t, os.WriteFile(cfg.Reconcile.InstallMarker, []byte("x"), 0o600))
	db, err := store.Open(cfg.Ledger.SQLitePath)
	require.NoError(t, err)
	require.NoError(t, db.Ledger(model.KindEvent).RecordSync(context.Background(), ledger.RecordSyncInput{EntityID: "e1", NativeEventID: "gone"}))
	require.NoError(t, db.Close())

	a, err := openApp(&RootOptions{ConfigPath: path, Format: "text"})
	require.NoError(t, err)
	defer a.Close()

	warmUp(context.Background(), a)
	assert.Equal(t, 1, a.manager.SyncedCount(), "ledger view is trusted without touching the calendar")
}
