package calsync

import (
	"context"
	"sort"
	"time"

	"calsync/internal/model"
)

// LocalSyncRecord links one entity to the native event created for it.
type LocalSyncRecord struct {
	Kind             model.EntityKind `json:"kind"`
	EntityID         string           `json:"entity_id"`
	ParentID         string           `json:"parent_id,omitempty"`
	NativeEventID    string           `json:"native_event_id"`
	NativeCalendarID string           `json:"native_calendar_id"`

	// Title and StartTime are display hints. Records rebuilt from the ledger
	// leave them empty until something asks.
	Title     string     `json:"title,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
}

func (r LocalSyncRecord) Ref() model.Ref {
	return model.Ref{Kind: r.Kind, ID: r.EntityID}
}

// Preferences are the user's sync settings.
type Preferences interface {
	// PreferredCalendar returns "" when the user has not picked a calendar.
	PreferredCalendar() string
	AutoSyncEnabled() bool
}

// Entities rehydrates full entity details from the server.
type Entities interface {
	GetEntity(ctx context.Context, ref model.Ref) (model.Entity, error)
}

func sortRecords(recs []LocalSyncRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Kind != recs[j].Kind {
			return recs[i].Kind < recs[j].Kind
		}
		return recs[i].EntityID < recs[j].EntityID
	})
}
