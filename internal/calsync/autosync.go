package calsync

import (
	"context"
	"sync"

	"calsync/internal/calendar"
	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// Action is what AutoSync did with one engagement update.
type Action string

const (
	ActionNone    Action = "none"
	ActionSynced  Action = "synced"
	ActionRemoved Action = "removed"
	ActionFailed  Action = "failed"
)

// AutoSync turns GOING / not-GOING transitions into calendar syncs.
type AutoSync struct {
	manager  *Manager
	port     calendar.Port
	entities Entities
	prefs    Preferences

	mu       sync.Mutex
	previous map[model.Ref]model.EngagementStatus
}

func NewAutoSync(manager *Manager, port calendar.Port, entities Entities, prefs Preferences) *AutoSync {
	return &AutoSync{
		manager:  manager,
		port:     port,
		entities: entities,
		prefs:    prefs,
		previous: make(map[model.Ref]model.EngagementStatus),
	}
}

// Run handles updates until ctx is done or the channel is closed. A failing
// update is logged and the loop moves on.
func (a *AutoSync) Run(ctx context.Context, updates <-chan model.EngagementUpdate) {
	appLog.Info("auto-sync started")
	defer appLog.Info("auto-sync stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			a.Handle(ctx, u)
		}
	}
}

// Handle applies one update and reports the resulting action.
func (a *AutoSync) Handle(ctx context.Context, u model.EngagementUpdate) Action {
	ref := u.Ref()

	a.mu.Lock()
	prev := a.previous[ref]
	a.previous[ref] = u.Status
	a.mu.Unlock()

	switch {
	case prev != model.StatusGoing && u.Status == model.StatusGoing:
		return a.onGoing(ctx, ref)
	case prev == model.StatusGoing && u.Status != model.StatusGoing:
		return a.onNoLongerGoing(ctx, ref)
	default:
		return ActionNone
	}
}

// Previous returns the last status observed for ref.
func (a *AutoSync) Previous(ref model.Ref) model.EngagementStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.previous[ref]
}

func (a *AutoSync) onGoing(ctx context.Context, ref model.Ref) Action {
	// Every missing precondition is a quiet skip: auto-sync is opportunistic.
	if a.prefs == nil || !a.prefs.AutoSyncEnabled() {
		return ActionNone
	}
	if a.manager.IsSynced(ref) {
		return ActionNone
	}
	if a.prefs.PreferredCalendar() == "" {
		return ActionNone
	}
	if !a.port.HasPermission(ctx) {
		return ActionNone
	}

	entity, err := a.entities.GetEntity(ctx, ref)
	if err != nil {
		appLog.Error("auto-sync: entity fetch failed", err, "entity", ref.String())
		return ActionFailed
	}
	if _, err := a.manager.Sync(ctx, entity, ""); err != nil {
		appLog.Error("auto-sync: sync failed", err, "entity", ref.String())
		return ActionFailed
	}
	return ActionSynced
}

func (a *AutoSync) onNoLongerGoing(ctx context.Context, ref model.Ref) Action {
	if !a.manager.IsSynced(ref) {
		return ActionNone
	}
	if err := a.manager.Remove(ctx, ref); err != nil {
		appLog.Error("auto-sync: remove failed", err, "entity", ref.String())
		return ActionFailed
	}
	return ActionRemoved
}
