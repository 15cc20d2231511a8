package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"calsync/internal/calendar"
	"calsync/internal/calsync"
	appLog "calsync/internal/log"
	"calsync/internal/model"
)

type errResp struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errResp{Error: msg, Code: code})
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, op string, err error) {
	status, code := classifyError(err)
	if status >= 500 {
		appLog.Error("api "+op+" failed", err, "status", status)
	} else {
		appLog.Warn("api "+op+" rejected", "status", status, "err", err)
	}
	writeError(w, status, code, err.Error())
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, calendar.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, calsync.ErrNotConfigured):
		return http.StatusConflict, "not_configured"
	case errors.Is(err, calsync.ErrMissingStartTime):
		return http.StatusUnprocessableEntity, "missing_start_time"
	case errors.Is(err, model.ErrEntityNotFound),
		errors.Is(err, calendar.ErrEventNotFound),
		errors.Is(err, calendar.ErrCalendarNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "canceled"
	default:
		return http.StatusBadGateway, "transient"
	}
}
