package httpapi

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/billexhk/POSONLINE-sub002/internal/service"
)

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	var locked *service.PeriodLockedError
	var submitted *service.AlreadySubmittedError

	switch {
	case errors.As(err, &submitted):
		writeJSON(w, http.StatusConflict, map[string]any{
			"success":    false,
			"error":      err.Error(),
			"code":       "ALREADY_SUBMITTED",
			"settlement": submitted.Existing,
		})
	case errors.As(err, &locked):
		writeJSON(w, http.StatusConflict, map[string]any{
			"success":       false,
			"error":         err.Error(),
			"code":          "PERIOD_LOCKED",
			"business_date": locked.BusinessDate,
			"settlement":    locked.Settlement,
		})
	case errors.Is(err, service.ErrDuplicateOrderID):
		a.writeError(w, http.StatusConflict, "DUPLICATE_ORDER_ID", err)
	case errors.Is(err, service.ErrDuplicate):
		a.writeError(w, http.StatusConflict, "DUPLICATE", err)
	case errors.Is(err, service.ErrInvalidTransition):
		a.writeError(w, http.StatusConflict, "INVALID_TRANSITION", err)
	case errors.Is(err, service.ErrOrderNotFound):
		a.writeError(w, http.StatusNotFound, "ORDER_NOT_FOUND", err)
	case errors.Is(err, service.ErrNotFound):
		a.writeError(w, http.StatusNotFound, "NOT_FOUND", err)
	case errors.Is(err, service.ErrNotLocked):
		a.writeError(w, http.StatusBadRequest, "NOT_LOCKED", err)
	case errors.Is(err, service.ErrForbidden):
		a.writeError(w, http.StatusForbidden, "FORBIDDEN", err)
	case errors.Is(err, service.ErrValidation):
		a.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err)
	case errors.Is(err, service.ErrBranchBusy):
		a.writeError(w, http.StatusLocked, "BRANCH_BUSY", err)
	default:
		a.writeError(w, http.StatusInternalServerError, "INTERNAL", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, code string, err error) {
	message := "request failed"
	if err != nil {
		message = err.Error()
	}
	if status >= http.StatusInternalServerError {
		a.logger.Error("internal error", zap.Int("status", status), zap.Error(err))
		message = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
		"code":    code,
	})
}

func (a *API) writeMethodNotAllowed(w http.ResponseWriter) {
	a.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", errors.New("method not allowed"))
}
