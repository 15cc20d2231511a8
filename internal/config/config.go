package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"calsync/internal/fsutil"
)

// Ledger backends.
const (
	LedgerSQLite = "sqlite"
	LedgerHTTP   = "http"
)

// CalendarEntry describes one device calendar exposed by the iCalendar store.
type CalendarEntry struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Primary bool   `yaml:"primary" json:"primary"`
	Account string `yaml:"account,omitempty" json:"account,omitempty"`
	Color   string `yaml:"color,omitempty" json:"color,omitempty"`
}

// CalendarConfig configures the native calendar adapter.
type CalendarConfig struct {
	// Dir holds one <id>.ics file per calendar.
	Dir string `yaml:"dir" json:"dir"`
	// PermissionGranted mirrors the OS calendar permission prompt.
	PermissionGranted bool            `yaml:"permission_granted" json:"permission_granted"`
	Calendars         []CalendarEntry `yaml:"calendars" json:"calendars"`
}

// LedgerConfig selects where the sync ledger and entity catalog live.
type LedgerConfig struct {
	// Backend is "sqlite" (standalone) or "http" (remote server).
	Backend    string `yaml:"backend" json:"backend"`
	SQLitePath string `yaml:"sqlite_path" json:"sqlite_path"`
	BaseURL    string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Token      string `yaml:"token,omitempty" json:"-"`
	// TimeoutSeconds bounds each HTTP request to the remote backend.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// ReconcileConfig controls background reconciliation.
type ReconcileConfig struct {
	// Cron is a standard 5-field schedule for periodic full reconciliation.
	Cron string `yaml:"cron" json:"cron"`
	// OnReinstall runs reinstall reconciliation at startup on a fresh
	// install, relinking ledger records to existing native events.
	OnReinstall           bool `yaml:"on_reinstall" json:"on_reinstall"`
	MatchToleranceMinutes int  `yaml:"match_tolerance_minutes" json:"match_tolerance_minutes"`
	// InstallMarker is created after the first successful start. Its absence
	// means a fresh install.
	InstallMarker string `yaml:"install_marker" json:"install_marker"`
}

type EngagementConfig struct {
	// SpoolDir is watched for *.json engagement update files. Empty disables it.
	SpoolDir string `yaml:"spool_dir" json:"spool_dir"`
}

type FeedConfig struct {
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`
}

type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	File       string `yaml:"file,omitempty" json:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
//
// The preference fields (PreferredCalendarID, AutoSync) may be changed at
// runtime through the setters; read them through the accessor methods when
// other goroutines might be writing.
type Config struct {
	mu sync.RWMutex

	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Platform is reported to the ledger with every recorded sync.
	Platform string `yaml:"platform" json:"platform"`

	// PreferredCalendarID is the calendar new syncs go to. Empty means the
	// user has not picked one yet.
	PreferredCalendarID string `yaml:"preferred_calendar_id" json:"preferred_calendar_id"`

	// AutoSync enables syncing on GOING transitions without user action.
	AutoSync bool `yaml:"auto_sync" json:"auto_sync"`

	Calendar   CalendarConfig   `yaml:"calendar" json:"calendar"`
	Ledger     LedgerConfig     `yaml:"ledger" json:"ledger"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" json:"reconcile"`
	Engagement EngagementConfig `yaml:"engagement" json:"engagement"`
	Feed       FeedConfig       `yaml:"feed" json:"feed"`
	Log        LogConfig        `yaml:"log" json:"log"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:   "127.0.0.1:8787",
		Platform: "desktop",
		AutoSync: true,
		Calendar: CalendarConfig{
			Dir:               "./var/calendars",
			PermissionGranted: true,
			Calendars: []CalendarEntry{
				{ID: "personal", Name: "Personal", Primary: true},
			},
		},
		Ledger: LedgerConfig{
			Backend:        LedgerSQLite,
			SQLitePath:     "./var/calsync.db",
			TimeoutSeconds: 15,
		},
		Reconcile: ReconcileConfig{
			Cron:                  "*/30 * * * *",
			OnReinstall:           true,
			MatchToleranceMinutes: 5,
			InstallMarker:         "./var/installed",
		},
		Engagement: EngagementConfig{SpoolDir: "./var/engagements"},
		Feed:       FeedConfig{CacheDir: "./var/feed-cache"},
		Log:        LogConfig{Level: "info", MaxSizeMB: 10, MaxBackups: 3},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Platform == "" {
		c.Platform = def.Platform
	}
	if c.Calendar.Dir == "" {
		c.Calendar.Dir = def.Calendar.Dir
	}
	if c.Calendar.Calendars == nil {
		c.Calendar.Calendars = []CalendarEntry{}
	}
	switch c.Ledger.Backend {
	case LedgerSQLite, LedgerHTTP:
	default:
		// Unknown value; fall back to the standalone backend.
		c.Ledger.Backend = LedgerSQLite
	}
	if c.Ledger.SQLitePath == "" {
		c.Ledger.SQLitePath = def.Ledger.SQLitePath
	}
	if c.Ledger.TimeoutSeconds <= 0 {
		c.Ledger.TimeoutSeconds = def.Ledger.TimeoutSeconds
	}
	if c.Reconcile.Cron == "" {
		c.Reconcile.Cron = def.Reconcile.Cron
	}
	if c.Reconcile.MatchToleranceMinutes <= 0 {
		c.Reconcile.MatchToleranceMinutes = def.Reconcile.MatchToleranceMinutes
	}
	if c.Reconcile.InstallMarker == "" {
		c.Reconcile.InstallMarker = def.Reconcile.InstallMarker
	}
	if c.Feed.CacheDir == "" {
		c.Feed.CacheDir = def.Feed.CacheDir
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = def.Log.MaxSizeMB
	}
}

// Validate reports configuration that cannot work at all.
func (c *Config) Validate() error {
	if c.Ledger.Backend == LedgerHTTP && c.Ledger.BaseURL == "" {
		return errors.New("config: ledger.base_url is required for the http backend")
	}
	seen := make(map[string]bool, len(c.Calendar.Calendars))
	for _, cal := range c.Calendar.Calendars {
		if cal.ID == "" {
			return errors.New("config: calendar entry without id")
		}
		if seen[cal.ID] {
			return fmt.Errorf("config: duplicate calendar id %q", cal.ID)
		}
		seen[cal.ID] = true
	}
	return nil
}

// PreferredCalendar returns the preferred calendar, "" if unset.
func (c *Config) PreferredCalendar() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.PreferredCalendarID
}

func (c *Config) SetPreferredCalendar(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PreferredCalendarID = id
}

func (c *Config) AutoSyncEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AutoSync
}

func (c *Config) SetAutoSync(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AutoSync = enabled
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML over the defaults, so omitted keys keep default values
//   - normalize and validate
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	cfg.mu.RLock()
	data, err := yaml.Marshal(cfg)
	cfg.mu.RUnlock()
	if err != nil {
		return err
	}

	return fsutil.WriteFileAtomic(path, data, ".calsync-config-*.tmp")
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
