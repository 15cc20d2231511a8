// Package calendar defines the boundary to the device's native calendar store.
// Implementations do plain I/O; all sync bookkeeping lives in internal/calsync.
package calendar

import (
	"context"
	"errors"
	"time"

	"calsync/internal/model"
)

var (
	// ErrPermissionDenied means the user has not granted calendar access.
	// It is terminal until the user acts and must not be retried automatically.
	ErrPermissionDenied = errors.New("calendar: permission denied")
	// ErrEventNotFound means the native event id does not exist in any calendar.
	ErrEventNotFound = errors.New("calendar: event not found")
	// ErrCalendarNotFound means the target calendar id is unknown.
	ErrCalendarNotFound = errors.New("calendar: calendar not found")
)

// DefaultMatchTolerance is the start-time window used by content matching.
const DefaultMatchTolerance = 5 * time.Minute

// Info is a read-only description of a device calendar.
type Info struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	IsPrimary   bool   `json:"is_primary"`
	AccountName string `json:"account_name,omitempty"`
	Color       string `json:"color,omitempty"`
}

// EventData is the payload written to the native calendar.
type EventData struct {
	Title       string
	Description string
	Start       time.Time
	End         time.Time
	// TimeZone is the IANA zone the event should be displayed in.
	TimeZone       string
	Location       string
	Coordinates    *model.Coordinates
	RecurrenceRule string
}

// Port is the native calendar capability. Every method may fail with
// ErrPermissionDenied.
type Port interface {
	ListCalendars(ctx context.Context) ([]Info, error)
	HasPermission(ctx context.Context) bool

	CreateEvent(ctx context.Context, calendarID string, data EventData) (string, error)
	UpdateEvent(ctx context.Context, nativeEventID string, data EventData) error
	DeleteEvent(ctx context.Context, nativeEventID string) error

	// EventStartDate returns nil when the event does not exist.
	EventStartDate(ctx context.Context, nativeEventID string) (*time.Time, error)
	EventExistsByID(ctx context.Context, nativeEventID string) (bool, error)

	// FindEventByContent looks for an event whose title contains title and
	// whose start lies within tolerance of start. A non-nil end additionally
	// requires the candidate to finish no later than end plus tolerance.
	// Returns "" when nothing matches.
	FindEventByContent(ctx context.Context, title string, start time.Time, end *time.Time, tolerance time.Duration) (string, error)
}
