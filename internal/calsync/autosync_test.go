package calsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/model"
)

func newAutoSync(h *harness) *AutoSync {
	return NewAutoSync(h.manager, h.port, h.entities, h.prefs)
}

func going(kind model.EntityKind, id string) model.EngagementUpdate {
	return model.EngagementUpdate{Kind: kind, EntityID: id, Status: model.StatusGoing}
}

func notGoing(kind model.EntityKind, id string) model.EngagementUpdate {
	return model.EngagementUpdate{Kind: kind, EntityID: id, Status: model.StatusNotGoing}
}

func TestAutoSync_GoingSyncs(t *testing.T) {
	h := newHarness()
	ev := h.addEntity(testEvent("e1"))
	a := newAutoSync(h)

	assert.Equal(t, ActionSynced, a.Handle(context.Background(), going(model.KindEvent, "e1")))
	assert.True(t, h.manager.IsSynced(ev.Ref()))
	assert.Equal(t, model.StatusGoing, a.Previous(ev.Ref()))
}

func TestAutoSync_RepeatedGoingIsNoop(t *testing.T) {
	h := newHarness()
	h.addEntity(testEvent("e1"))
	a := newAutoSync(h)
	ctx := context.Background()

	a.Handle(ctx, going(model.KindEvent, "e1"))
	assert.Equal(t, ActionNone, a.Handle(ctx, going(model.KindEvent, "e1")))
	assert.Equal(t, 1, h.port.creates)
}

func TestAutoSync_NotGoingRemoves(t *testing.T) {
	h := newHarness()
	ev := h.addEntity(testEvent("e1"))
	a := newAutoSync(h)
	ctx := context.Background()

	a.Handle(ctx, going(model.KindEvent, "e1"))
	assert.Equal(t, ActionRemoved, a.Handle(ctx, notGoing(model.KindEvent, "e1")))
	assert.False(t, h.manager.IsSynced(ev.Ref()))
	assert.Equal(t, 0, h.port.count())
}

func TestAutoSync_NotGoingWithoutPreviousGoingDoesNothing(t *testing.T) {
	h := newHarness()
	ev := h.addEntity(testEvent("e1"))
	_, err := h.manager.Sync(context.Background(), ev, "")
	require.NoError(t, err)
	a := newAutoSync(h)

	assert.Equal(t, ActionNone, a.Handle(context.Background(), notGoing(model.KindEvent, "e1")))
	assert.True(t, h.manager.IsSynced(ev.Ref()))
}

func TestAutoSync_PreconditionsAreSilent(t *testing.T) {
	cases := []struct {
		name  string
		setup func(h *harness)
	}{
		{"auto sync disabled", func(h *harness) { h.prefs.autoSync = false }},
		{"no preferred calendar", func(h *harness) { h.prefs.calendarID = "" }},
		{"no permission", func(h *harness) { h.port.permission = false }},
		{"already synced", func(h *harness) {
			h.manager.Relink(LocalSyncRecord{Kind: model.KindEvent, EntityID: "e1", NativeEventID: "n"})
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			h.addEntity(testEvent("e1"))
			tc.setup(h)
			a := newAutoSync(h)

			assert.Equal(t, ActionNone, a.Handle(context.Background(), going(model.KindEvent, "e1")))
			assert.Equal(t, 0, h.port.creates)
			assert.Equal(t, 0, h.entities.calls)
		})
	}
}

func TestAutoSync_FetchFailureIsReportedNotPropagated(t *testing.T) {
	h := newHarness()
	h.entities.err = errors.New("502")
	a := newAutoSync(h)

	assert.Equal(t, ActionFailed, a.Handle(context.Background(), going(model.KindEvent, "e1")))
	assert.Equal(t, model.StatusGoing, a.Previous(model.Ref{Kind: model.KindEvent, ID: "e1"}))
}

func TestAutoSync_InterestedTransitions(t *testing.T) {
	h := newHarness()
	h.addEntity(testAgendaItem("42", "e1"))
	a := newAutoSync(h)
	ctx := context.Background()

	assert.Equal(t, ActionNone, a.Handle(ctx, model.EngagementUpdate{Kind: model.KindAgendaItem, EntityID: "42", Status: model.StatusInterested}))
	assert.Equal(t, ActionSynced, a.Handle(ctx, going(model.KindAgendaItem, "42")))
	assert.Equal(t, ActionRemoved, a.Handle(ctx, model.EngagementUpdate{Kind: model.KindAgendaItem, EntityID: "42", Status: model.StatusInterested}))
}

func TestAutoSync_RunSurvivesFailures(t *testing.T) {
	h := newHarness()
	h.addEntity(testEvent("ok"))
	a := newAutoSync(h)

	updates := make(chan model.EngagementUpdate, 3)
	updates <- going(model.KindEvent, "missing")
	updates <- going(model.KindEvent, "ok")
	close(updates)

	done := make(chan struct{})
	go func() {
		a.Run(context.Background(), updates)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after channel close")
	}
	assert.True(t, h.manager.IsSynced(model.Ref{Kind: model.KindEvent, ID: "ok"}))
}

func TestAutoSync_RunStopsOnCancel(t *testing.T) {
	h := newHarness()
	a := newAutoSync(h)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		a.Run(ctx, make(chan model.EngagementUpdate))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
