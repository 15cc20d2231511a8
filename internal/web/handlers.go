package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"calsync/internal/calendar"
	"calsync/internal/calsync"
	"calsync/internal/engagement"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/scheduler"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type statusResponse struct {
	SyncedCount         int             `json:"synced_count"`
	SyncedByKind        map[string]int  `json:"synced_by_kind"`
	CalendarPermission  bool            `json:"calendar_permission"`
	PreferredCalendarID string          `json:"preferred_calendar_id"`
	AutoSync            bool            `json:"auto_sync"`
	LastReconcile       *scheduler.Pass `json:"last_reconcile,omitempty"`
	NextReconcile       *time.Time      `json:"next_reconcile,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		SyncedCount:         s.manager.SyncedCount(),
		SyncedByKind:        make(map[string]int, len(model.Kinds)),
		CalendarPermission:  s.port.HasPermission(r.Context()),
		PreferredCalendarID: s.cfg.PreferredCalendar(),
		AutoSync:            s.cfg.AutoSyncEnabled(),
	}
	for _, kind := range model.Kinds {
		resp.SyncedByKind[string(kind)] = len(s.manager.RecordsOfKind(kind))
	}
	if s.sched != nil {
		if pass, ok := s.sched.LastPass(); ok {
			resp.LastReconcile = &pass
		}
		if next := s.sched.Next(); !next.IsZero() {
			resp.NextReconcile = &next
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCalendars(w http.ResponseWriter, r *http.Request) {
	cals, err := s.port.ListCalendars(r.Context())
	if err != nil {
		writeEngineError(w, "list calendars", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calendars": cals})
}

// handleEngagements accepts one update or an array and queues them for the
// auto-sync service.
func (s *Server) handleEngagements(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read body")
		return
	}

	var updates []model.EngagementUpdate
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &updates)
	} else {
		var u model.EngagementUpdate
		err = json.Unmarshal(trimmed, &u)
		updates = append(updates, u)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON: "+err.Error())
		return
	}

	for i := range updates {
		if status, perr := model.ParseEngagementStatus(string(updates[i].Status)); perr == nil {
			updates[i].Status = status
		}
		if err := engagement.Validate(updates[i]); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("update %d: %v", i, err))
			return
		}
	}

	for _, u := range updates {
		if err := s.hub.Publish(r.Context(), u); err != nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(updates)})
}

func (s *Server) handleListSync(w http.ResponseWriter, r *http.Request) {
	var recs []calsync.LocalSyncRecord
	if kindParam := r.URL.Query().Get("kind"); kindParam != "" {
		kind, err := model.ParseEntityKind(kindParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		recs = s.manager.RecordsOfKind(kind)
	} else {
		recs = s.manager.Records()
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

type syncRequest struct {
	CalendarID string `json:"calendar_id"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	ref, ok := refFromPath(w, r)
	if !ok {
		return
	}

	var req syncRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON: "+err.Error())
			return
		}
	}

	entity, err := s.entities.GetEntity(r.Context(), ref)
	if err != nil {
		writeEngineError(w, "get entity", err)
		return
	}

	nativeID, err := s.manager.Sync(r.Context(), entity, req.CalendarID)
	if err != nil {
		writeEngineError(w, "sync", err)
		return
	}
	rec, _ := s.manager.Record(ref)
	writeJSON(w, http.StatusOK, map[string]any{
		"native_event_id": nativeID,
		"record":          rec,
	})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	ref, ok := refFromPath(w, r)
	if !ok {
		return
	}
	if err := s.manager.Remove(r.Context(), ref); err != nil {
		writeEngineError(w, "remove", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReconcileAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reconciler.ReconcileAll(r.Context()))
}

func (s *Server) handleReconcileEvent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reconciler.ReconcileForEvent(r.Context(), r.PathValue("id")))
}

func (s *Server) handleReinstall(w http.ResponseWriter, r *http.Request) {
	res, err := s.reconciler.ReconcileOnReinstall(r.Context())
	if err != nil {
		writeEngineError(w, "reinstall reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type preferences struct {
	PreferredCalendarID string `json:"preferred_calendar_id"`
	AutoSync            bool   `json:"auto_sync"`
}

type preferencesPatch struct {
	PreferredCalendarID *string `json:"preferred_calendar_id"`
	AutoSync            *bool   `json:"auto_sync"`
}

func (s *Server) currentPreferences() preferences {
	return preferences{
		PreferredCalendarID: s.cfg.PreferredCalendar(),
		AutoSync:            s.cfg.AutoSyncEnabled(),
	}
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.currentPreferences())
}

// handlePutPreferences applies the fields present in the body. A preferred
// calendar must be one the port lists.
func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	var patch preferencesPatch
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON: "+err.Error())
		return
	}

	if patch.PreferredCalendarID != nil && *patch.PreferredCalendarID != "" {
		cals, err := s.port.ListCalendars(r.Context())
		if err != nil {
			writeEngineError(w, "list calendars", err)
			return
		}
		if !containsCalendar(cals, *patch.PreferredCalendarID) {
			writeError(w, http.StatusBadRequest, "unknown_calendar", "calendar "+*patch.PreferredCalendarID+" does not exist")
			return
		}
	}

	if patch.PreferredCalendarID != nil {
		s.cfg.SetPreferredCalendar(*patch.PreferredCalendarID)
	}
	if patch.AutoSync != nil {
		s.cfg.SetAutoSync(*patch.AutoSync)
	}

	if s.configPath != "" {
		if err := s.cfg.Save(s.configPath); err != nil {
			appLog.Error("failed to persist preferences", err, "path", s.configPath)
			writeError(w, http.StatusInternalServerError, "internal", "failed to persist preferences")
			return
		}
	}

	appLog.Info("preferences updated", "preferred_calendar_id", s.cfg.PreferredCalendar(), "auto_sync", s.cfg.AutoSyncEnabled())
	writeJSON(w, http.StatusOK, s.currentPreferences())
}

func containsCalendar(cals []calendar.Info, id string) bool {
	for _, c := range cals {
		if c.ID == id {
			return true
		}
	}
	return false
}

func refFromPath(w http.ResponseWriter, r *http.Request) (model.Ref, bool) {
	kind, err := model.ParseEntityKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return model.Ref{}, false
	}
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing id")
		return model.Ref{}, false
	}
	return model.Ref{Kind: kind, ID: id}, true
}
