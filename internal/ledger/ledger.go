// Package ledger defines the server's record of which entities are synced to
// which device calendar. The ledger is authoritative; the engine only reads it
// and records or removes its own syncs on a best-effort basis.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Status is the server's view of one synced entity.
type Status string

const (
	StatusSynced      Status = "SYNCED"
	StatusNeedsUpdate Status = "NEEDS_UPDATE"
	StatusDeleted     Status = "DELETED"
)

func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusSynced:
		return StatusSynced, nil
	case StatusNeedsUpdate, "NEEDS-UPDATE":
		return StatusNeedsUpdate, nil
	case StatusDeleted:
		return StatusDeleted, nil
	default:
		return "", fmt.Errorf("ledger: unknown status %q", s)
	}
}

// Record is a server sync record.
type Record struct {
	EntityID         string     `json:"entity_id"`
	ParentID         string     `json:"parent_id,omitempty"`
	NativeEventID    string     `json:"native_event_id"`
	NativeCalendarID string     `json:"native_calendar_id,omitempty"`
	Platform         string     `json:"platform,omitempty"`
	Status           Status     `json:"status"`
	SyncedAt         *time.Time `json:"synced_at,omitempty"`
}

// RecordSyncInput is what the device reports after creating a native event.
type RecordSyncInput struct {
	EntityID         string `json:"entity_id"`
	ParentID         string `json:"parent_id,omitempty"`
	Platform         string `json:"platform"`
	NativeEventID    string `json:"native_event_id"`
	NativeCalendarID string `json:"native_calendar_id"`
}

// Client reads and writes ledger records for a single entity kind.
type Client interface {
	// GetMySyncedRecords returns every record of the current user, in any status.
	GetMySyncedRecords(ctx context.Context) ([]Record, error)
	// GetSyncedForParent returns the records whose parent is parentID.
	GetSyncedForParent(ctx context.Context, parentID string) ([]Record, error)
	RecordSync(ctx context.Context, in RecordSyncInput) error
	RemoveSync(ctx context.Context, entityID string) error
}

// Index maps records by entity id. Later duplicates win.
func Index(records []Record) map[string]Record {
	out := make(map[string]Record, len(records))
	for _, r := range records {
		out[r.EntityID] = r
	}
	return out
}
