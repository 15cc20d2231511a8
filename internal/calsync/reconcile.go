package calsync

import (
	"context"

	"calsync/internal/calendar"
	"calsync/internal/ledger"
	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// ResultStatus is the overall outcome of a reconciliation pass.
type ResultStatus string

const (
	// ResultSkipped: nothing was synced locally, so nothing was fetched.
	ResultSkipped ResultStatus = "skipped"
	// ResultNoRecords: the ledger had nothing to check.
	ResultNoRecords ResultStatus = "no_records"
	ResultSuccess   ResultStatus = "success"
)

// Result counts what a reconciliation pass did. Failures are counted, never
// returned, so one bad record cannot stop the pass.
type Result struct {
	Status      ResultStatus `json:"status"`
	Deleted     int          `json:"deleted"`
	Updated     int          `json:"updated"`
	Relinked    int          `json:"relinked"`
	NeedsResync int          `json:"needs_resync"`
	Errors      int          `json:"errors"`
}

// ReconcilerConfig wires a Reconciler.
type ReconcilerConfig struct {
	Manager  *Manager
	Port     calendar.Port
	Ledgers  map[model.EntityKind]ledger.Client
	Entities Entities
	Matcher  *Matcher
}

// Reconciler heals drift between the local cache and the server ledger.
type Reconciler struct {
	manager  *Manager
	port     calendar.Port
	ledgers  map[model.EntityKind]ledger.Client
	entities Entities
	matcher  *Matcher
}

func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	matcher := cfg.Matcher
	if matcher == nil {
		matcher = NewMatcher(cfg.Port, 0)
	}
	ledgers := cfg.Ledgers
	if ledgers == nil {
		ledgers = map[model.EntityKind]ledger.Client{}
	}
	return &Reconciler{
		manager:  cfg.Manager,
		port:     cfg.Port,
		ledgers:  ledgers,
		entities: cfg.Entities,
		matcher:  matcher,
	}
}

// ReconcileAll compares every locally synced entity against the ledger.
func (r *Reconciler) ReconcileAll(ctx context.Context) Result {
	if r.manager.SyncedCount() == 0 {
		return Result{Status: ResultSkipped}
	}

	res := Result{Status: ResultSuccess}
	for _, kind := range model.Kinds {
		locals := r.manager.RecordsOfKind(kind)
		if len(locals) == 0 {
			continue
		}
		client := r.ledgers[kind]
		if client == nil {
			continue
		}

		server, err := client.GetMySyncedRecords(ctx)
		if err != nil {
			// A failed fetch says nothing about the records; never treat it
			// as "everything was deleted".
			appLog.Error("reconcile: ledger fetch failed", err, "kind", kind)
			res.Errors++
			continue
		}
		r.reconcileWithServerRecords(ctx, locals, server, &res)
	}

	appLog.Info("reconcile all finished",
		"deleted", res.Deleted,
		"updated", res.Updated,
		"errors", res.Errors,
	)
	return res
}

// ReconcileForEvent checks the agenda items of a single event.
func (r *Reconciler) ReconcileForEvent(ctx context.Context, eventID string) Result {
	locals := r.manager.RecordsForParent(eventID)
	if len(locals) == 0 {
		return Result{Status: ResultSkipped}
	}

	res := Result{Status: ResultSuccess}
	client := r.ledgers[model.KindAgendaItem]
	if client == nil {
		return res
	}

	server, err := client.GetSyncedForParent(ctx, eventID)
	if err != nil {
		appLog.Error("reconcile event: ledger fetch failed", err, "event_id", eventID)
		res.Errors++
		return res
	}
	r.reconcileWithServerRecords(ctx, locals, server, &res)

	appLog.Info("reconcile event finished",
		"event_id", eventID,
		"deleted", res.Deleted,
		"updated", res.Updated,
		"errors", res.Errors,
	)
	return res
}

// reconcileWithServerRecords applies the ledger's verdict to each local record:
// absent or DELETED removes, NEEDS_UPDATE refetches and rewrites, SYNCED is
// left alone.
func (r *Reconciler) reconcileWithServerRecords(ctx context.Context, locals []LocalSyncRecord, server []ledger.Record, res *Result) {
	byID := ledger.Index(server)

	for _, local := range locals {
		if ctx.Err() != nil {
			return
		}
		ref := local.Ref()
		rec, ok := byID[local.EntityID]

		switch {
		case !ok || rec.Status == ledger.StatusDeleted:
			if err := r.manager.Remove(ctx, ref); err != nil {
				appLog.Error("reconcile: remove failed", err, "entity", ref.String())
				res.Errors++
				continue
			}
			res.Deleted++

		case rec.Status == ledger.StatusNeedsUpdate:
			if r.entities == nil {
				res.Errors++
				continue
			}
			entity, err := r.entities.GetEntity(ctx, ref)
			if err != nil {
				appLog.Error("reconcile: entity fetch failed", err, "entity", ref.String())
				res.Errors++
				continue
			}
			if _, err := r.manager.Update(ctx, entity, local.NativeEventID); err != nil {
				appLog.Error("reconcile: update failed", err, "entity", ref.String())
				res.Errors++
				continue
			}
			res.Updated++
		}
	}
}

// ReconcileOnReinstall rebuilds the cache after a fresh install by finding
// the native events behind each SYNCED ledger record. Events that cannot be
// found are counted as NeedsResync and never recreated automatically.
func (r *Reconciler) ReconcileOnReinstall(ctx context.Context) (Result, error) {
	if !r.port.HasPermission(ctx) {
		return Result{}, calendar.ErrPermissionDenied
	}

	res := Result{}
	checked := 0

	for _, kind := range model.Kinds {
		client := r.ledgers[kind]
		if client == nil {
			continue
		}
		server, err := client.GetMySyncedRecords(ctx)
		if err != nil {
			appLog.Error("reinstall: ledger fetch failed", err, "kind", kind)
			res.Errors++
			continue
		}

		for _, rec := range server {
			if ctx.Err() != nil {
				break
			}
			if rec.Status != ledger.StatusSynced {
				continue
			}
			checked++
			r.relinkOne(ctx, kind, rec, client, &res)
		}
	}

	if checked == 0 && res.Errors == 0 {
		res.Status = ResultNoRecords
	} else {
		res.Status = ResultSuccess
	}

	appLog.Info("reinstall reconcile finished",
		"checked", checked,
		"relinked", res.Relinked,
		"needs_resync", res.NeedsResync,
		"errors", res.Errors,
	)
	return res, nil
}

func (r *Reconciler) relinkOne(ctx context.Context, kind model.EntityKind, rec ledger.Record, client ledger.Client, res *Result) {
	ref := model.Ref{Kind: kind, ID: rec.EntityID}

	criteria := MatchCriteria{OriginalNativeEventID: rec.NativeEventID}
	var entity model.Entity
	if r.entities != nil {
		e, err := r.entities.GetEntity(ctx, ref)
		if err != nil {
			appLog.Warn("reinstall: entity fetch failed; matching by id only", "entity", ref.String(), "err", err)
		} else {
			entity = e
			criteria.Title = e.Title
			criteria.End = e.End
			if e.Start != nil {
				criteria.Start = *e.Start
			}
		}
	}

	m := r.matcher.Match(ctx, criteria)
	switch m.Outcome {
	case FoundByID, FoundByContent:
		parentID := rec.ParentID
		if parentID == "" {
			parentID = entity.ParentID
		}
		local := LocalSyncRecord{
			Kind:             kind,
			EntityID:         rec.EntityID,
			ParentID:         parentID,
			NativeEventID:    m.NativeEventID,
			NativeCalendarID: rec.NativeCalendarID,
			Title:            entity.Title,
			StartTime:        copyTime(entity.Start),
		}
		r.manager.Relink(local)
		res.Relinked++

		if m.Outcome == FoundByContent && m.NativeEventID != rec.NativeEventID {
			// Point the ledger at the surviving event so the next reinstall
			// finds it by id.
			err := client.RecordSync(ctx, ledger.RecordSyncInput{
				EntityID:         rec.EntityID,
				ParentID:         parentID,
				Platform:         r.manager.platform,
				NativeEventID:    m.NativeEventID,
				NativeCalendarID: rec.NativeCalendarID,
			})
			if err != nil {
				appLog.Error("reinstall: ledger relink failed", err, "entity", ref.String())
			}
		}

	case NotFound:
		res.NeedsResync++

	default:
		appLog.Warn("reinstall: match failed", "entity", ref.String(), "reason", m.Message)
		res.Errors++
	}
}
