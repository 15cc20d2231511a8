package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// propTimeZone carries the display zone of events written by Store, since
// DTSTART/DTEND are always stored in UTC.
const propTimeZone = ical.ComponentProperty("X-CALSYNC-TZID")

// vevent is the normalized content of one VEVENT, shared by the calendar
// store and the feed importer.
type vevent struct {
	UID         string
	Summary     string
	Description string
	Location    string
	Geo         *model.Coordinates

	Start    time.Time
	End      time.Time
	AllDay   bool
	TimeZone string

	RawRRule   string
	RelatedTo  string
	IsOverride bool // RECURRENCE-ID present: an edited instance of a series
}

// readVEvent extracts the properties calsync cares about.
//
//   - It relies on the library's TZID handling to construct time.Time values.
//   - All-day events are detected from the DTSTART value format.
//   - RRULE is kept raw; matching expands it on demand.
func readVEvent(ve *ical.VEvent) (vevent, error) {
	var out vevent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = fromText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = fromText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = fromText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyGeo); p != nil {
		if geo, err := parseGeo(p.Value); err == nil {
			out.Geo = geo
		}
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	out.Start = start
	if end, err := ve.GetEndAt(); err == nil {
		out.End = end
	}

	if dtStart := ve.GetProperty(ical.ComponentPropertyDtStart); dtStart != nil {
		// VALUE=DATE or no 'T' in the value -> all-day
		if vs, ok := dtStart.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			out.AllDay = true
		}
		if !strings.Contains(dtStart.Value, "T") {
			out.AllDay = true
		}
		if tzs, ok := dtStart.ICalParameters["TZID"]; ok && len(tzs) > 0 {
			out.TimeZone = tzs[0]
		}
	}
	if p := ve.GetProperty(propTimeZone); p != nil && p.Value != "" {
		out.TimeZone = p.Value
	}

	if out.End.IsZero() || !out.End.After(out.Start) {
		if out.AllDay {
			out.End = out.Start.Add(24 * time.Hour)
		} else {
			out.End = out.Start.Add(time.Hour)
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyRelatedTo); p != nil {
		out.RelatedTo = p.Value
	}
	if p := ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); p != nil {
		out.IsOverride = true
	}

	return out, nil
}

// readCalendar parses an ICS payload. Broken VEVENTs are logged and skipped.
func readCalendar(body []byte, source string) ([]vevent, error) {
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	events := make([]vevent, 0)
	for _, comp := range cal.Events() {
		ev, perr := readVEvent(comp)
		if perr != nil {
			appLog.Error("ics vevent parse failed", perr, "source", source)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// ParseFeed turns an ICS feed into catalog entities. VEVENTs with a
// RELATED-TO property become agenda items of that parent UID; edited
// instances of recurring series are skipped.
func ParseFeed(src FeedSource, body []byte) ([]model.Entity, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}

	events, err := readCalendar(body, src.ID)
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", redactURL(src.URL))
		return nil, err
	}

	out := make([]model.Entity, 0, len(events))
	for _, ev := range events {
		if ev.IsOverride {
			continue
		}
		e := model.Entity{
			Kind:           model.KindEvent,
			ID:             ev.UID,
			Title:          ev.Summary,
			Description:    ev.Description,
			TimeZone:       ev.TimeZone,
			Location:       ev.Location,
			Coordinates:    ev.Geo,
			RecurrenceRule: ev.RawRRule,
		}
		if ev.RelatedTo != "" {
			e.Kind = model.KindAgendaItem
			e.ParentID = ev.RelatedTo
		}
		start, end := ev.Start, ev.End
		e.Start = &start
		e.End = &end
		out = append(out, e)
	}

	appLog.Info("ics feed parsed", "id", src.ID, "url", redactURL(src.URL), "entity_count", len(out))
	return out, nil
}

func parseGeo(v string) (*model.Coordinates, error) {
	parts := strings.Split(v, ";")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid GEO %q", v)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return nil, err
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return nil, err
	}
	return &model.Coordinates{Latitude: lat, Longitude: lon}, nil
}

func formatGeo(c *model.Coordinates) string {
	return strconv.FormatFloat(c.Latitude, 'f', -1, 64) + ";" + strconv.FormatFloat(c.Longitude, 'f', -1, 64)
}

// fromText undoes RFC 5545 TEXT escaping.
func fromText(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n', 'N':
			b.WriteByte('\n')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
