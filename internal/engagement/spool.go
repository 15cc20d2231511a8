package engagement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"calsync/internal/fsutil"
	appLog "calsync/internal/log"
	"calsync/internal/model"
)

const defaultSettle = 100 * time.Millisecond

// SpoolWatcher turns *.json files dropped into a directory into engagement
// updates. A file holds one update object or an array of them. Processed
// files are deleted; unparseable ones are renamed to *.bad.
//
// Writers should create files under another name and rename them into
// place. Files are also given a short settle time after their last write
// event before being read.
type SpoolWatcher struct {
	dir    string
	hub    *Hub
	settle time.Duration
}

func NewSpoolWatcher(dir string, hub *Hub) (*SpoolWatcher, error) {
	if dir == "" {
		return nil, errors.New("engagement: spool dir is empty")
	}
	if hub == nil {
		return nil, errors.New("engagement: hub is nil")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("engagement: create spool dir: %w", err)
	}
	return &SpoolWatcher{dir: dir, hub: hub, settle: defaultSettle}, nil
}

// Run drains files already present, then watches the directory until ctx is
// done. It returns nil on cancellation.
func (w *SpoolWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch spool directory %s: %w", w.dir, err)
	}
	appLog.Info("engagement spool watching", "dir", w.dir)

	if _, err := w.Drain(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		appLog.Error("engagement spool drain failed", err, "dir", w.dir)
	}

	ticker := time.NewTicker(w.settle)
	defer ticker.Stop()

	pending := make(map[string]time.Time)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isSpoolFile(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			appLog.Error("engagement spool watcher error", err, "dir", w.dir)

		case now := <-ticker.C:
			for path, queuedAt := range pending {
				if now.Sub(queuedAt) < w.settle {
					continue
				}
				delete(pending, path)
				if _, err := w.ProcessFile(ctx, path); err != nil && ctx.Err() == nil {
					appLog.Error("engagement spool file failed", err, "path", path)
				}
			}
		}
	}
}

// Drain processes every spool file currently in the directory, oldest name
// first, and returns how many updates were published.
func (w *SpoolWatcher) Drain(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isSpoolFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	total := 0
	for _, name := range names {
		n, err := w.ProcessFile(ctx, filepath.Join(w.dir, name))
		total += n
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			appLog.Error("engagement spool file failed", err, "path", name)
		}
	}
	return total, nil
}

// ProcessFile publishes the updates in path and removes it. A file that
// vanished in the meantime is not an error.
func (w *SpoolWatcher) ProcessFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	updates, perr := parseSpool(data)
	if perr != nil {
		bad := path + ".bad"
		if err := os.Rename(path, bad); err != nil {
			return 0, fmt.Errorf("quarantine %s: %w", path, err)
		}
		appLog.Warn("engagement spool file rejected", "path", path, "moved_to", bad, "err", perr)
		return 0, nil
	}

	for i, u := range updates {
		if err := w.hub.Publish(ctx, u); err != nil {
			// Unpublished tail stays on disk for the next run.
			if rerr := rewriteSpool(path, updates[i:]); rerr != nil {
				appLog.Error("engagement spool rewrite failed", rerr, "path", path)
			}
			return i, err
		}
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return len(updates), err
	}
	appLog.Debug("engagement spool file processed", "path", path, "updates", len(updates))
	return len(updates), nil
}

func isSpoolFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}

// parseSpool accepts one update or an array and validates every element.
func parseSpool(data []byte) ([]model.EngagementUpdate, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty file")
	}

	var updates []model.EngagementUpdate
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &updates); err != nil {
			return nil, err
		}
	} else {
		var u model.EngagementUpdate
		if err := json.Unmarshal(trimmed, &u); err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}

	for i := range updates {
		status, err := model.ParseEngagementStatus(string(updates[i].Status))
		if err != nil {
			return nil, fmt.Errorf("update %d: %w", i, err)
		}
		updates[i].Status = status
		if err := Validate(updates[i]); err != nil {
			return nil, fmt.Errorf("update %d: %w", i, err)
		}
	}
	return updates, nil
}

func rewriteSpool(path string, rest []model.EngagementUpdate) error {
	data, err := json.Marshal(rest)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, ".spool-*.tmp")
}
