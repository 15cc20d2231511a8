// Package engagement carries RSVP updates from their sources (the web API,
// a spool directory) to the auto-sync service.
package engagement

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"calsync/internal/model"
)

// ErrHubClosed is returned by Publish after Close.
var ErrHubClosed = errors.New("engagement: hub closed")

// Hub fans updates from any number of publishers into one channel.
type Hub struct {
	ch        chan model.EngagementUpdate
	closed    chan struct{}
	closeOnce sync.Once
}

// NewHub creates a hub whose channel holds up to buffer pending updates.
func NewHub(buffer int) *Hub {
	if buffer < 0 {
		buffer = 0
	}
	return &Hub{
		ch:     make(chan model.EngagementUpdate, buffer),
		closed: make(chan struct{}),
	}
}

// Publish validates u and blocks until it is queued, ctx is done or the hub
// is closed.
func (h *Hub) Publish(ctx context.Context, u model.EngagementUpdate) error {
	if err := Validate(u); err != nil {
		return err
	}
	select {
	case <-h.closed:
		return ErrHubClosed
	default:
	}
	select {
	case h.ch <- u:
		return nil
	case <-h.closed:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Updates is the consumer side. It is never closed; consumers stop on their
// own context.
func (h *Hub) Updates() <-chan model.EngagementUpdate {
	return h.ch
}

// Close makes further Publish calls fail. It is safe to call more than once
// and from several goroutines.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.closed) })
}

// Validate checks that u names a known kind, an entity and a known status.
func Validate(u model.EngagementUpdate) error {
	if u.Kind != model.KindEvent && u.Kind != model.KindAgendaItem {
		return fmt.Errorf("engagement: unknown kind %q", u.Kind)
	}
	if u.EntityID == "" {
		return errors.New("engagement: entity id is empty")
	}
	switch u.Status {
	case model.StatusGoing, model.StatusNotGoing, model.StatusInterested:
		return nil
	default:
		return fmt.Errorf("engagement: unknown status %q", u.Status)
	}
}
