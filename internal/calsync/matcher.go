package calsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calsync/internal/calendar"
	appLog "calsync/internal/log"
)

// MatchOutcome says how (or whether) a native event was found.
type MatchOutcome int

const (
	NotFound MatchOutcome = iota
	FoundByID
	FoundByContent
	MatchFailed
)

func (o MatchOutcome) String() string {
	switch o {
	case FoundByID:
		return "found_by_id"
	case FoundByContent:
		return "found_by_content"
	case MatchFailed:
		return "error"
	default:
		return "not_found"
	}
}

// MatchCriteria describes the native event a ledger record points at.
type MatchCriteria struct {
	OriginalNativeEventID string
	Title                 string
	Start                 time.Time
	End                   *time.Time
}

// MatchResult carries the native id for FoundByID/FoundByContent and a
// message for MatchFailed.
type MatchResult struct {
	Outcome       MatchOutcome
	NativeEventID string
	Message       string
}

// Matcher decides whether the native event behind a sync record still
// exists: first by stored id, then by title and start time.
type Matcher struct {
	port      calendar.Port
	tolerance time.Duration
}

// NewMatcher uses calendar.DefaultMatchTolerance when tolerance is not positive.
func NewMatcher(port calendar.Port, tolerance time.Duration) *Matcher {
	if tolerance <= 0 {
		tolerance = calendar.DefaultMatchTolerance
	}
	return &Matcher{port: port, tolerance: tolerance}
}

// Match never runs the content search when the id lookup succeeds. Without
// a title and start time a clean id miss is final: the event is NotFound.
func (m *Matcher) Match(ctx context.Context, c MatchCriteria) MatchResult {
	idMissed := false
	if c.OriginalNativeEventID != "" {
		exists, err := m.port.EventExistsByID(ctx, c.OriginalNativeEventID)
		switch {
		case err == nil && exists:
			return MatchResult{Outcome: FoundByID, NativeEventID: c.OriginalNativeEventID}
		case err == nil:
			idMissed = true
		case errors.Is(err, calendar.ErrPermissionDenied):
			return MatchResult{Outcome: MatchFailed, Message: err.Error()}
		default:
			appLog.Warn("match by id failed; trying content", "native_event_id", c.OriginalNativeEventID, "err", err)
		}
	}

	if c.Title == "" || c.Start.IsZero() {
		if idMissed {
			return MatchResult{Outcome: NotFound}
		}
		return MatchResult{Outcome: MatchFailed, Message: "not enough detail for content match"}
	}

	id, err := m.port.FindEventByContent(ctx, c.Title, c.Start, c.End, m.tolerance)
	if err != nil {
		return MatchResult{Outcome: MatchFailed, Message: fmt.Sprintf("content match: %v", err)}
	}
	if id == "" {
		return MatchResult{Outcome: NotFound}
	}
	return MatchResult{Outcome: FoundByContent, NativeEventID: id}
}
