package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EntityKind distinguishes the two things a user can RSVP to.
type EntityKind string

const (
	KindEvent      EntityKind = "event"
	KindAgendaItem EntityKind = "agenda_item"
)

// Kinds lists every entity kind in processing order.
var Kinds = []EntityKind{KindEvent, KindAgendaItem}

// ParseEntityKind accepts the canonical names plus a few CLI-friendly aliases.
func ParseEntityKind(s string) (EntityKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "event", "events":
		return KindEvent, nil
	case "agenda_item", "agenda-item", "agenda", "item":
		return KindAgendaItem, nil
	default:
		return "", fmt.Errorf("unknown entity kind %q", s)
	}
}

// Ref identifies a single entity.
type Ref struct {
	Kind EntityKind
	ID   string
}

func (r Ref) String() string {
	return string(r.Kind) + "/" + r.ID
}

// Coordinates is a WGS84 point attached to an event location.
type Coordinates struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

// Entity is the server's view of an event or agenda item, rehydrated before
// any calendar write.
type Entity struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`

	// ParentID is the owning event of an agenda item. Empty for events.
	ParentID string `json:"parent_id,omitempty"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`

	// TimeZone is the IANA zone the event is scheduled in.
	TimeZone string `json:"time_zone,omitempty"`

	Location    string       `json:"location,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`

	// RecurrenceRule is an RFC 5545 RRULE body (without the "RRULE:" prefix).
	RecurrenceRule string `json:"recurrence_rule,omitempty"`
}

func (e Entity) Ref() Ref {
	return Ref{Kind: e.Kind, ID: e.ID}
}

// EngagementStatus is the user's RSVP state. The zero value means unknown.
type EngagementStatus string

const (
	StatusUnknown    EngagementStatus = ""
	StatusGoing      EngagementStatus = "GOING"
	StatusNotGoing   EngagementStatus = "NOT_GOING"
	StatusInterested EngagementStatus = "INTERESTED"
)

func ParseEngagementStatus(s string) (EngagementStatus, error) {
	switch EngagementStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusGoing:
		return StatusGoing, nil
	case StatusNotGoing, "NOT-GOING", "NOTGOING":
		return StatusNotGoing, nil
	case StatusInterested:
		return StatusInterested, nil
	default:
		return StatusUnknown, fmt.Errorf("unknown engagement status %q", s)
	}
}

// EngagementUpdate is one element of the engagement stream.
type EngagementUpdate struct {
	Kind     EntityKind       `json:"kind"`
	EntityID string           `json:"entity_id"`
	Status   EngagementStatus `json:"status"`
}

func (u EngagementUpdate) Ref() Ref {
	return Ref{Kind: u.Kind, ID: u.EntityID}
}

// ErrEntityNotFound is returned by entity repositories for unknown ids.
var ErrEntityNotFound = errors.New("entity not found")
