package calsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"calsync/internal/calendar"
	"calsync/internal/ledger"
	appLog "calsync/internal/log"
	"calsync/internal/model"
)

const defaultEventDuration = time.Hour

// ManagerConfig wires a Manager to its collaborators.
type ManagerConfig struct {
	Port calendar.Port
	// Ledgers holds one ledger client per entity kind. A missing kind turns
	// ledger bookkeeping for that kind into a no-op.
	Ledgers     map[model.EntityKind]ledger.Client
	Preferences Preferences
	// Platform is reported to the ledger with every recorded sync.
	Platform string
}

// Manager is the single authority for what is synced. It owns the in-memory
// record cache and combines native calendar writes with best-effort ledger
// bookkeeping.
//
// The mutex only protects the map. Callers must not run overlapping
// operations for the same entity.
type Manager struct {
	port     calendar.Port
	ledgers  map[model.EntityKind]ledger.Client
	prefs    Preferences
	platform string

	mu      sync.RWMutex
	records map[model.Ref]LocalSyncRecord
}

func NewManager(cfg ManagerConfig) *Manager {
	ledgers := cfg.Ledgers
	if ledgers == nil {
		ledgers = map[model.EntityKind]ledger.Client{}
	}
	return &Manager{
		port:     cfg.Port,
		ledgers:  ledgers,
		prefs:    cfg.Preferences,
		platform: cfg.Platform,
		records:  make(map[model.Ref]LocalSyncRecord),
	}
}

// Sync puts entity on a calendar. calendarID "" selects the preferred
// calendar. An entity that is already synced is updated in place instead.
func (m *Manager) Sync(ctx context.Context, entity model.Entity, calendarID string) (string, error) {
	if calendarID == "" && m.prefs != nil {
		calendarID = m.prefs.PreferredCalendar()
	}
	if calendarID == "" {
		return "", ErrNotConfigured
	}

	ref := entity.Ref()
	if rec, ok := m.Record(ref); ok {
		return m.Update(ctx, entity, rec.NativeEventID)
	}

	data, err := buildEventData(entity)
	if err != nil {
		return "", err
	}

	nativeID, err := m.port.CreateEvent(ctx, calendarID, data)
	if err != nil {
		return "", classify("create event", err)
	}

	rec := LocalSyncRecord{
		Kind:             entity.Kind,
		EntityID:         entity.ID,
		ParentID:         entity.ParentID,
		NativeEventID:    nativeID,
		NativeCalendarID: calendarID,
		Title:            entity.Title,
		StartTime:        copyTime(entity.Start),
	}

	// Cache first: the device calendar is what the user sees, the ledger
	// catches up through reconciliation.
	m.put(rec)
	m.recordOnLedger(ctx, rec)

	appLog.Info("entity synced to calendar",
		"entity", ref.String(),
		"calendar_id", calendarID,
		"native_event_id", nativeID,
	)
	return nativeID, nil
}

// Update rewrites the native event nativeEventID from entity. The ledger is
// not touched.
func (m *Manager) Update(ctx context.Context, entity model.Entity, nativeEventID string) (string, error) {
	data, err := buildEventData(entity)
	if err != nil {
		return "", err
	}

	if err := m.port.UpdateEvent(ctx, nativeEventID, data); err != nil {
		return "", classify("update event", err)
	}

	ref := entity.Ref()
	m.mu.Lock()
	if rec, ok := m.records[ref]; ok && rec.NativeEventID == nativeEventID {
		rec.Title = entity.Title
		rec.StartTime = copyTime(entity.Start)
		m.records[ref] = rec
	}
	m.mu.Unlock()

	appLog.Debug("native event updated", "entity", ref.String(), "native_event_id", nativeEventID)
	return nativeEventID, nil
}

// Remove deletes the native event for ref and forgets the record. Removing
// an entity that is not synced succeeds without side effects.
func (m *Manager) Remove(ctx context.Context, ref model.Ref) error {
	rec, ok := m.Record(ref)
	if !ok {
		return nil
	}

	if err := m.port.DeleteEvent(ctx, rec.NativeEventID); err != nil {
		if !errors.Is(err, calendar.ErrEventNotFound) {
			return classify("delete event", err)
		}
		appLog.Warn("native event already gone", "entity", ref.String(), "native_event_id", rec.NativeEventID)
	}

	m.mu.Lock()
	delete(m.records, ref)
	m.mu.Unlock()

	if client := m.ledgers[ref.Kind]; client != nil {
		if err := client.RemoveSync(ctx, ref.ID); err != nil {
			appLog.Error("ledger remove failed; left for reconciliation", err, "entity", ref.String())
		}
	}

	appLog.Info("entity removed from calendar", "entity", ref.String(), "native_event_id", rec.NativeEventID)
	return nil
}

// Relink re-establishes a record for a native event that is known to exist.
// It touches neither the calendar nor the ledger.
func (m *Manager) Relink(rec LocalSyncRecord) {
	m.put(rec)
	appLog.Debug("record relinked", "entity", rec.Ref().String(), "native_event_id", rec.NativeEventID)
}

func (m *Manager) IsSynced(ref model.Ref) bool {
	_, ok := m.Record(ref)
	return ok
}

func (m *Manager) Record(ref model.Ref) (LocalSyncRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[ref]
	return rec, ok
}

// Records returns a snapshot of the cache sorted by kind and id.
func (m *Manager) Records() []LocalSyncRecord {
	return m.filter(func(LocalSyncRecord) bool { return true })
}

// RecordsOfKind returns the cached records of one kind, sorted by id.
func (m *Manager) RecordsOfKind(kind model.EntityKind) []LocalSyncRecord {
	return m.filter(func(r LocalSyncRecord) bool { return r.Kind == kind })
}

// RecordsForParent returns the agenda-item records belonging to eventID.
func (m *Manager) RecordsForParent(eventID string) []LocalSyncRecord {
	return m.filter(func(r LocalSyncRecord) bool {
		return r.Kind == model.KindAgendaItem && r.ParentID == eventID
	})
}

func (m *Manager) SyncedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// LoadFromServer replaces the cache with the ledger's view. Records marked
// DELETED are skipped. On any fetch error the cache is left as it was.
func (m *Manager) LoadFromServer(ctx context.Context) error {
	next := make(map[model.Ref]LocalSyncRecord)

	for _, kind := range model.Kinds {
		client := m.ledgers[kind]
		if client == nil {
			continue
		}
		records, err := client.GetMySyncedRecords(ctx)
		if err != nil {
			return fmt.Errorf("calsync: load %s ledger: %w", kind, err)
		}
		for _, r := range records {
			if r.Status == ledger.StatusDeleted || r.NativeEventID == "" {
				continue
			}
			rec := LocalSyncRecord{
				Kind:             kind,
				EntityID:         r.EntityID,
				ParentID:         r.ParentID,
				NativeEventID:    r.NativeEventID,
				NativeCalendarID: r.NativeCalendarID,
			}
			next[rec.Ref()] = rec
		}
	}

	m.mu.Lock()
	m.records = next
	m.mu.Unlock()

	appLog.Info("sync cache loaded from ledger", "records", len(next))
	return nil
}

// StartTime returns the start of the native event behind ref, reading it from
// the calendar the first time and caching it on the record.
func (m *Manager) StartTime(ctx context.Context, ref model.Ref) (*time.Time, error) {
	rec, ok := m.Record(ref)
	if !ok {
		return nil, nil
	}
	if rec.StartTime != nil {
		return copyTime(rec.StartTime), nil
	}

	start, err := m.port.EventStartDate(ctx, rec.NativeEventID)
	if err != nil {
		return nil, classify("read event start", err)
	}
	if start == nil {
		return nil, nil
	}

	m.mu.Lock()
	if cur, ok := m.records[ref]; ok && cur.NativeEventID == rec.NativeEventID {
		cur.StartTime = copyTime(start)
		m.records[ref] = cur
	}
	m.mu.Unlock()

	return start, nil
}

// BulkResult summarizes a sequential multi-entity sync.
type BulkResult struct {
	Synced int
	Failed map[string]error
}

// SyncAll syncs entities one after another, each finishing (ledger write
// included) before the next starts. Permission and configuration errors
// stop the run since every remaining entity would fail the same way.
func (m *Manager) SyncAll(ctx context.Context, entities []model.Entity, calendarID string) BulkResult {
	res := BulkResult{Failed: make(map[string]error)}
	for _, e := range entities {
		if err := ctx.Err(); err != nil {
			res.Failed[e.ID] = err
			break
		}
		if _, err := m.Sync(ctx, e, calendarID); err != nil {
			res.Failed[e.ID] = err
			if errors.Is(err, calendar.ErrPermissionDenied) || errors.Is(err, ErrNotConfigured) {
				break
			}
			continue
		}
		res.Synced++
	}
	return res
}

func (m *Manager) put(rec LocalSyncRecord) {
	m.mu.Lock()
	m.records[rec.Ref()] = rec
	m.mu.Unlock()
}

func (m *Manager) filter(keep func(LocalSyncRecord) bool) []LocalSyncRecord {
	m.mu.RLock()
	out := make([]LocalSyncRecord, 0, len(m.records))
	for _, r := range m.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()

	sortRecords(out)
	return out
}

func (m *Manager) recordOnLedger(ctx context.Context, rec LocalSyncRecord) {
	client := m.ledgers[rec.Kind]
	if client == nil {
		return
	}
	err := client.RecordSync(ctx, ledger.RecordSyncInput{
		EntityID:         rec.EntityID,
		ParentID:         rec.ParentID,
		Platform:         m.platform,
		NativeEventID:    rec.NativeEventID,
		NativeCalendarID: rec.NativeCalendarID,
	})
	if err != nil {
		appLog.Error("ledger record failed; left for reconciliation", err,
			"entity", rec.Ref().String(),
			"native_event_id", rec.NativeEventID,
		)
	}
}

// buildEventData maps an entity onto a native event payload.
func buildEventData(e model.Entity) (calendar.EventData, error) {
	if e.Start == nil || e.Start.IsZero() {
		return calendar.EventData{}, ErrMissingStartTime
	}

	start := *e.Start
	end := start.Add(defaultEventDuration)
	if e.End != nil && e.End.After(start) {
		end = *e.End
	}

	tz := e.TimeZone
	if tz == "" {
		tz = "UTC"
	}

	return calendar.EventData{
		Title:          e.Title,
		Description:    e.Description,
		Start:          start,
		End:            end,
		TimeZone:       tz,
		Location:       e.Location,
		Coordinates:    e.Coordinates,
		RecurrenceRule: e.RecurrenceRule,
	}, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
