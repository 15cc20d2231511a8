package ics

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"calsync/internal/calendar"
	"calsync/internal/fsutil"
	appLog "calsync/internal/log"
)

const productID = "-//calsync//calsync//EN"

// StoreOptions configures a Store.
type StoreOptions struct {
	// Dir holds one <calendar-id>.ics file per calendar.
	Dir       string
	Calendars []calendar.Info
	// PermissionGranted mirrors the user's calendar access grant.
	PermissionGranted bool
}

// Store is a calendar.Port backed by plain iCalendar files. Every call reads
// the affected files; there is no in-memory copy of the events.
type Store struct {
	dir       string
	calendars []calendar.Info

	mu         sync.Mutex
	permission bool
}

var _ calendar.Port = (*Store)(nil)

// NewStore validates opts and makes sure the calendar directory exists.
func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("ics store: dir is empty")
	}
	if len(opts.Calendars) == 0 {
		return nil, errors.New("ics store: no calendars configured")
	}
	seen := make(map[string]struct{}, len(opts.Calendars))
	for _, c := range opts.Calendars {
		if c.ID == "" || strings.ContainsAny(c.ID, `/\`) {
			return nil, fmt.Errorf("ics store: invalid calendar id %q", c.ID)
		}
		if _, dup := seen[c.ID]; dup {
			return nil, fmt.Errorf("ics store: duplicate calendar id %q", c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, mapFSError(err)
	}
	cals := make([]calendar.Info, len(opts.Calendars))
	copy(cals, opts.Calendars)
	return &Store{dir: opts.Dir, calendars: cals, permission: opts.PermissionGranted}, nil
}

// SetPermission changes the simulated access grant.
func (s *Store) SetPermission(granted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permission = granted
}

func (s *Store) HasPermission(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permission
}

func (s *Store) ListCalendars(ctx context.Context) ([]calendar.Info, error) {
	if err := s.begin(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	out := make([]calendar.Info, len(s.calendars))
	copy(out, s.calendars)
	return out, nil
}

func (s *Store) CreateEvent(ctx context.Context, calendarID string, data calendar.EventData) (string, error) {
	if err := s.begin(ctx); err != nil {
		return "", err
	}
	defer s.mu.Unlock()

	if !s.knownCalendar(calendarID) {
		return "", fmt.Errorf("%w: %s", calendar.ErrCalendarNotFound, calendarID)
	}
	events, err := s.load(calendarID)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	events = append(events, toVEvent(id, data))
	if err := s.save(calendarID, events); err != nil {
		return "", err
	}

	appLog.Debug("ics event created", "calendar", calendarID, "native_event_id", id)
	return id, nil
}

func (s *Store) UpdateEvent(ctx context.Context, nativeEventID string, data calendar.EventData) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()

	calID, events, idx, err := s.locate(nativeEventID)
	if err != nil {
		return err
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", calendar.ErrEventNotFound, nativeEventID)
	}
	events[idx] = toVEvent(nativeEventID, data)
	return s.save(calID, events)
}

func (s *Store) DeleteEvent(ctx context.Context, nativeEventID string) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()

	calID, events, idx, err := s.locate(nativeEventID)
	if err != nil {
		return err
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", calendar.ErrEventNotFound, nativeEventID)
	}
	events = append(events[:idx], events[idx+1:]...)
	return s.save(calID, events)
}

func (s *Store) EventStartDate(ctx context.Context, nativeEventID string) (*time.Time, error) {
	if err := s.begin(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	_, events, idx, err := s.locate(nativeEventID)
	if err != nil || idx < 0 {
		return nil, err
	}
	start := events[idx].Start
	return &start, nil
}

func (s *Store) EventExistsByID(ctx context.Context, nativeEventID string) (bool, error) {
	if err := s.begin(ctx); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	_, _, idx, err := s.locate(nativeEventID)
	if err != nil {
		return false, err
	}
	return idx >= 0, nil
}

// FindEventByContent scans all calendars for an event whose title contains
// title (case-insensitive) with an occurrence starting within tolerance of
// start. The closest occurrence wins; ties go to the earlier calendar.
func (s *Store) FindEventByContent(ctx context.Context, title string, start time.Time, end *time.Time, tolerance time.Duration) (string, error) {
	if err := s.begin(ctx); err != nil {
		return "", err
	}
	defer s.mu.Unlock()

	needle := strings.ToLower(strings.TrimSpace(title))
	if needle == "" {
		return "", nil
	}
	if tolerance < 0 {
		tolerance = -tolerance
	}

	var (
		bestID    string
		bestDelta time.Duration
	)
	for _, c := range s.calendars {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		events, err := s.load(c.ID)
		if err != nil {
			return "", err
		}
		for _, ev := range events {
			if !strings.Contains(strings.ToLower(ev.Summary), needle) {
				continue
			}
			occ, ok := occurrenceNear(ev, start, tolerance)
			if !ok || !matchesWindow(ev, occ, end, tolerance) {
				continue
			}
			delta := absDuration(occ.Sub(start))
			if bestID == "" || delta < bestDelta {
				bestID, bestDelta = ev.UID, delta
			}
		}
	}
	return bestID, nil
}

// begin checks ctx and the access grant and returns with s.mu held.
func (s *Store) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.permission {
		s.mu.Unlock()
		return calendar.ErrPermissionDenied
	}
	return nil
}

func (s *Store) knownCalendar(id string) bool {
	for _, c := range s.calendars {
		if c.ID == id {
			return true
		}
	}
	return false
}

// locate finds the calendar holding nativeEventID. idx is -1 when absent.
func (s *Store) locate(nativeEventID string) (string, []vevent, int, error) {
	for _, c := range s.calendars {
		events, err := s.load(c.ID)
		if err != nil {
			return "", nil, -1, err
		}
		for i, ev := range events {
			if ev.UID == nativeEventID {
				return c.ID, events, i, nil
			}
		}
	}
	return "", nil, -1, nil
}

func (s *Store) path(calendarID string) string {
	return filepath.Join(s.dir, calendarID+".ics")
}

func (s *Store) load(calendarID string) ([]vevent, error) {
	body, err := os.ReadFile(s.path(calendarID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, mapFSError(err)
	}
	if len(body) == 0 {
		return nil, nil
	}

	events, err := readCalendar(body, calendarID)
	if err != nil {
		return nil, fmt.Errorf("ics store: read %s: %w", calendarID, err)
	}
	for i := range events {
		localize(&events[i])
	}
	return events, nil
}

func (s *Store) save(calendarID string, events []vevent) error {
	cal := ical.NewCalendar()
	cal.SetProductId(productID)

	stamp := time.Now().UTC()
	for _, ev := range events {
		writeVEvent(cal.AddEvent(ev.UID), ev, stamp)
	}

	if err := fsutil.WriteFileAtomic(s.path(calendarID), []byte(cal.Serialize()), ".calsync-"+calendarID+"-*.tmp"); err != nil {
		return mapFSError(err)
	}
	return nil
}

func toVEvent(id string, data calendar.EventData) vevent {
	end := data.End
	if end.IsZero() || !end.After(data.Start) {
		end = data.Start.Add(time.Hour)
	}
	return vevent{
		UID:         id,
		Summary:     data.Title,
		Description: data.Description,
		Location:    data.Location,
		Geo:         data.Coordinates,
		Start:       data.Start,
		End:         end,
		TimeZone:    data.TimeZone,
		RawRRule:    data.RecurrenceRule,
	}
}

func writeVEvent(e *ical.VEvent, ev vevent, stamp time.Time) {
	e.SetDtStampTime(stamp)
	e.SetSummary(ev.Summary)
	if ev.Description != "" {
		e.SetDescription(ev.Description)
	}
	if ev.Location != "" {
		e.SetLocation(ev.Location)
	}
	if ev.Geo != nil {
		e.SetProperty(ical.ComponentPropertyGeo, formatGeo(ev.Geo))
	}
	e.SetStartAt(ev.Start.UTC())
	e.SetEndAt(ev.End.UTC())
	if ev.TimeZone != "" {
		e.SetProperty(propTimeZone, ev.TimeZone)
	}
	if ev.RawRRule != "" {
		e.SetProperty(ical.ComponentPropertyRrule, strings.TrimPrefix(ev.RawRRule, "RRULE:"))
	}
}

// localize moves times into the event's display zone so recurrence expansion
// follows local wall-clock time across DST changes.
func localize(ev *vevent) {
	if ev.TimeZone == "" {
		return
	}
	loc, err := time.LoadLocation(ev.TimeZone)
	if err != nil {
		return
	}
	ev.Start = ev.Start.In(loc)
	ev.End = ev.End.In(loc)
}

func mapFSError(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %v", calendar.ErrPermissionDenied, err)
	}
	return err
}
