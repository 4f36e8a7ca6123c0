package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vipul43/ledgersync/internal/jobstore"
	"github.com/vipul43/ledgersync/internal/service"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: code, Message: message})
}

// statusFor maps an engine error to an HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrBackfillRunning):
		return http.StatusConflict, "backfill_running"
	case errors.Is(err, service.ErrNotInConflict):
		return http.StatusConflict, "not_in_conflict"
	case errors.Is(err, jobstore.ErrJobNotFound):
		return http.StatusNotFound, "not_found"
	}

	switch kind := service.KindOf(err); kind {
	case service.KindAuthExpired:
		return http.StatusConflict, "reconnect_required"
	case service.KindValidation:
		return http.StatusBadRequest, "validation"
	case service.KindNotFound:
		return http.StatusNotFound, "not_found"
	case service.KindConflict:
		return http.StatusConflict, "conflict"
	case service.KindRateLimited, service.KindTransientNetwork:
		return http.StatusServiceUnavailable, string(kind)
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	_ = c.Error(err)
	abortWithError(c, status, code, message)
}
