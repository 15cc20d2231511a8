package ics

import (
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calsync/internal/log"
)

// occurrenceNear returns the start of the occurrence of ev closest to target
// within tolerance. Non-recurring events have a single occurrence at Start;
// recurring ones are expanded with their RRULE, anchored at Start.
func occurrenceNear(ev vevent, target time.Time, tolerance time.Duration) (time.Time, bool) {
	if ev.RawRRule == "" {
		if absDuration(ev.Start.Sub(target)) <= tolerance {
			return ev.Start, true
		}
		return time.Time{}, false
	}

	r, err := rrule.StrToRRule(strings.TrimPrefix(ev.RawRRule, "RRULE:"))
	if err != nil {
		appLog.Warn("ics: failed to parse RRULE", "uid", ev.UID, "rrule", ev.RawRRule, "err", err)
		return time.Time{}, false
	}
	r.DTStart(ev.Start)

	loc := ev.Start.Location()
	candidates := r.Between(target.Add(-tolerance).In(loc), target.Add(tolerance).In(loc), true)

	var (
		best  time.Time
		found bool
	)
	for _, c := range candidates {
		if !found || absDuration(c.Sub(target)) < absDuration(best.Sub(target)) {
			best, found = c, true
		}
	}
	return best, found
}

// matchesWindow reports whether an occurrence starting at occStart with the
// event's duration satisfies the optional end bound.
func matchesWindow(ev vevent, occStart time.Time, end *time.Time, tolerance time.Duration) bool {
	if end == nil {
		return true
	}
	occEnd := occStart.Add(ev.End.Sub(ev.Start))
	return !occEnd.After(end.Add(tolerance))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
