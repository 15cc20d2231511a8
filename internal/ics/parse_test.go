package ics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/model"
)

const sampleFeed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//conf//schedule//EN
BEGIN:VEVENT
UID:conf-2026
DTSTAMP:20260101T000000Z
DTSTART:20260314T090000Z
DTEND:20260314T170000Z
SUMMARY:GopherCon\, Day 1
LOCATION:Hall A
GEO:52.52;13.405
END:VEVENT
BEGIN:VEVENT
UID:talk-42
DTSTAMP:20260101T000000Z
DTSTART:20260314T100000Z
DTEND:20260314T104500Z
SUMMARY:Error handling in practice
RELATED-TO:conf-2026
END:VEVENT
BEGIN:VEVENT
UID:meetup
DTSTAMP:20260101T000000Z
DTSTART:20260301T180000Z
SUMMARY:Monthly meetup
RRULE:FREQ=MONTHLY;COUNT=6
END:VEVENT
BEGIN:VEVENT
UID:meetup
DTSTAMP:20260101T000000Z
RECURRENCE-ID:20260401T180000Z
DTSTART:20260402T180000Z
SUMMARY:Monthly meetup (moved)
END:VEVENT
BEGIN:VEVENT
DTSTAMP:20260101T000000Z
DTSTART:20260301T180000Z
SUMMARY:No UID
END:VEVENT
END:VCALENDAR
`

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func TestParseFeed(t *testing.T) {
	entities, err := ParseFeed(FeedSource{ID: "conf", URL: "https://example.com/feed.ics?token=secret"}, crlf(sampleFeed))
	require.NoError(t, err)
	require.Len(t, entities, 3)

	byID := make(map[string]model.Entity)
	for _, e := range entities {
		byID[e.ID] = e
	}

	conf := byID["conf-2026"]
	assert.Equal(t, model.KindEvent, conf.Kind)
	assert.Equal(t, "GopherCon, Day 1", conf.Title)
	assert.Equal(t, "Hall A", conf.Location)
	require.NotNil(t, conf.Coordinates)
	assert.InDelta(t, 52.52, conf.Coordinates.Latitude, 1e-9)
	require.NotNil(t, conf.Start)
	assert.True(t, conf.Start.Equal(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)))

	talk := byID["talk-42"]
	assert.Equal(t, model.KindAgendaItem, talk.Kind)
	assert.Equal(t, "conf-2026", talk.ParentID)
	require.NotNil(t, talk.End)
	assert.Equal(t, 45*time.Minute, talk.End.Sub(*talk.Start))

	meetup := byID["meetup"]
	assert.Equal(t, "Monthly meetup", meetup.Title, "override instance is skipped")
	assert.Equal(t, "FREQ=MONTHLY;COUNT=6", meetup.RecurrenceRule)
	require.NotNil(t, meetup.End)
	assert.Equal(t, time.Hour, meetup.End.Sub(*meetup.Start), "missing DTEND defaults to one hour")
}

func TestParseFeed_Empty(t *testing.T) {
	_, err := ParseFeed(FeedSource{ID: "x"}, nil)
	assert.Error(t, err)
}

func TestFromText(t *testing.T) {
	assert.Equal(t, "plain", fromText("plain"))
	assert.Equal(t, "a, b; c\nd\\e", fromText(`a\, b\; c\nd\\e`))
	assert.Equal(t, `trailing\`, fromText(`trailing\`))
}

func TestParseGeo(t *testing.T) {
	c, err := parseGeo("37.386013;-122.082932")
	require.NoError(t, err)
	assert.InDelta(t, -122.082932, c.Longitude, 1e-9)
	assert.Equal(t, "37.386013;-122.082932", formatGeo(c))

	_, err = parseGeo("37.38")
	assert.Error(t, err)
	_, err = parseGeo("north;south")
	assert.Error(t, err)
}

func TestOccurrenceNear(t *testing.T) {
	single := vevent{UID: "s", Start: t0, End: t0.Add(time.Hour)}
	occ, ok := occurrenceNear(single, t0.Add(2*time.Minute), 5*time.Minute)
	require.True(t, ok)
	assert.True(t, occ.Equal(t0))

	_, ok = occurrenceNear(single, t0.Add(10*time.Minute), 5*time.Minute)
	assert.False(t, ok)

	daily := vevent{UID: "d", Start: t0, End: t0.Add(time.Hour), RawRRule: "RRULE:FREQ=DAILY;COUNT=10"}
	occ, ok = occurrenceNear(daily, t0.AddDate(0, 0, 3).Add(-time.Minute), 5*time.Minute)
	require.True(t, ok)
	assert.True(t, occ.Equal(t0.AddDate(0, 0, 3)))

	broken := vevent{UID: "b", Start: t0, End: t0.Add(time.Hour), RawRRule: "FREQ=NEVER"}
	_, ok = occurrenceNear(broken, t0, 5*time.Minute)
	assert.False(t, ok)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://example.com/...(redacted)", redactURL("https://example.com/private.ics?token=abcd"))
	assert.Equal(t, "ics://...(redacted)", redactURL("not a url"))
}
