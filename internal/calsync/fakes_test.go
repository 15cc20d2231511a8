package calsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"calsync/internal/calendar"
	"calsync/internal/ledger"
	"calsync/internal/model"
)

// fakePort is an in-memory calendar that counts calls.
type fakePort struct {
	mu         sync.Mutex
	seq        int
	permission bool
	events     map[string]calendar.EventData
	calendarOf map[string]string

	createErr error
	updateErr error
	deleteErr error
	existsErr error
	findErr   error

	creates, updates, deletes, existsCalls, findCalls int
}

func newFakePort() *fakePort {
	return &fakePort{
		permission: true,
		events:     make(map[string]calendar.EventData),
		calendarOf: make(map[string]string),
	}
}

func (p *fakePort) ListCalendars(context.Context) ([]calendar.Info, error) {
	return []calendar.Info{{ID: "personal", DisplayName: "Personal", IsPrimary: true}}, nil
}

func (p *fakePort) HasPermission(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permission
}

func (p *fakePort) CreateEvent(_ context.Context, calendarID string, data calendar.EventData) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creates++
	if p.createErr != nil {
		return "", p.createErr
	}
	p.seq++
	id := fmt.Sprintf("native-%d", p.seq)
	p.events[id] = data
	p.calendarOf[id] = calendarID
	return id, nil
}

func (p *fakePort) UpdateEvent(_ context.Context, id string, data calendar.EventData) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates++
	if p.updateErr != nil {
		return p.updateErr
	}
	if _, ok := p.events[id]; !ok {
		return calendar.ErrEventNotFound
	}
	p.events[id] = data
	return nil
}

func (p *fakePort) DeleteEvent(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deletes++
	if p.deleteErr != nil {
		return p.deleteErr
	}
	if _, ok := p.events[id]; !ok {
		return calendar.ErrEventNotFound
	}
	delete(p.events, id)
	return nil
}

func (p *fakePort) EventStartDate(_ context.Context, id string) (*time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev, ok := p.events[id]
	if !ok {
		return nil, nil
	}
	s := ev.Start
	return &s, nil
}

func (p *fakePort) EventExistsByID(_ context.Context, id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.existsCalls++
	if p.existsErr != nil {
		return false, p.existsErr
	}
	_, ok := p.events[id]
	return ok, nil
}

func (p *fakePort) FindEventByContent(_ context.Context, title string, start time.Time, end *time.Time, tolerance time.Duration) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.findCalls++
	if p.findErr != nil {
		return "", p.findErr
	}
	for id, ev := range p.events {
		if !strings.Contains(strings.ToLower(ev.Title), strings.ToLower(title)) {
			continue
		}
		d := ev.Start.Sub(start)
		if d < 0 {
			d = -d
		}
		if d > tolerance {
			continue
		}
		if end != nil && ev.End.After(end.Add(tolerance)) {
			continue
		}
		return id, nil
	}
	return "", nil
}

// put stores a native event directly, bypassing call counters.
func (p *fakePort) put(id string, data calendar.EventData) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[id] = data
}

func (p *fakePort) has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.events[id]
	return ok
}

func (p *fakePort) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// fakeLedger is an in-memory ledger for one entity kind.
type fakeLedger struct {
	mu        sync.Mutex
	records   []ledger.Record
	fetchErr  error
	recordErr error
	removeErr error

	recorded []ledger.RecordSyncInput
	removed  []string
	fetches  int
}

func (l *fakeLedger) GetMySyncedRecords(context.Context) ([]ledger.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fetches++
	if l.fetchErr != nil {
		return nil, l.fetchErr
	}
	return append([]ledger.Record(nil), l.records...), nil
}

func (l *fakeLedger) GetSyncedForParent(_ context.Context, parentID string) ([]ledger.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fetches++
	if l.fetchErr != nil {
		return nil, l.fetchErr
	}
	var out []ledger.Record
	for _, r := range l.records {
		if r.ParentID == parentID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *fakeLedger) RecordSync(_ context.Context, in ledger.RecordSyncInput) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.recordErr != nil {
		return l.recordErr
	}
	l.recorded = append(l.recorded, in)
	return nil
}

func (l *fakeLedger) RemoveSync(_ context.Context, entityID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.removeErr != nil {
		return l.removeErr
	}
	l.removed = append(l.removed, entityID)
	return nil
}

type fakeEntities struct {
	entities map[model.Ref]model.Entity
	err      error
	calls    int
}

func (f *fakeEntities) GetEntity(_ context.Context, ref model.Ref) (model.Entity, error) {
	f.calls++
	if f.err != nil {
		return model.Entity{}, f.err
	}
	e, ok := f.entities[ref]
	if !ok {
		return model.Entity{}, model.ErrEntityNotFound
	}
	return e, nil
}

type fakePrefs struct {
	calendarID string
	autoSync   bool
}

func (p *fakePrefs) PreferredCalendar() string { return p.calendarID }
func (p *fakePrefs) AutoSyncEnabled() bool     { return p.autoSync }

// harness bundles a Manager with its fakes.
type harness struct {
	port     *fakePort
	events   *fakeLedger
	items    *fakeLedger
	entities *fakeEntities
	prefs    *fakePrefs
	manager  *Manager
}

func newHarness() *harness {
	h := &harness{
		port:     newFakePort(),
		events:   &fakeLedger{},
		items:    &fakeLedger{},
		entities: &fakeEntities{entities: map[model.Ref]model.Entity{}},
		prefs:    &fakePrefs{calendarID: "personal", autoSync: true},
	}
	h.manager = NewManager(ManagerConfig{
		Port:        h.port,
		Ledgers:     h.ledgers(),
		Preferences: h.prefs,
		Platform:    "test",
	})
	return h
}

func (h *harness) ledgers() map[model.EntityKind]ledger.Client {
	return map[model.EntityKind]ledger.Client{
		model.KindEvent:      h.events,
		model.KindAgendaItem: h.items,
	}
}

func (h *harness) reconciler() *Reconciler {
	return NewReconciler(ReconcilerConfig{
		Manager:  h.manager,
		Port:     h.port,
		Ledgers:  h.ledgers(),
		Entities: h.entities,
	})
}

func (h *harness) addEntity(e model.Entity) model.Entity {
	h.entities.entities[e.Ref()] = e
	return e
}

var baseTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := baseTime.Add(d)
	return &t
}

func testEvent(id string) model.Entity {
	return model.Entity{
		Kind:     model.KindEvent,
		ID:       id,
		Title:    "Conference " + id,
		Start:    at(0),
		End:      at(2 * time.Hour),
		TimeZone: "Europe/Berlin",
	}
}

func testAgendaItem(id, parent string) model.Entity {
	return model.Entity{
		Kind:     model.KindAgendaItem,
		ID:       id,
		ParentID: parent,
		Title:    "Talk " + id,
		Start:    at(time.Hour),
		End:      at(90 * time.Minute),
	}
}
