package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"qrattend/internal/attendance"
)

var rejectionStatus = map[attendance.Reason]int{
	attendance.ReasonNotFound:          http.StatusNotFound,
	attendance.ReasonOwnershipMismatch: http.StatusForbidden,
	attendance.ReasonAlreadyUsed:       http.StatusConflict,
	attendance.ReasonExpired:           http.StatusGone,
}

// writeError maps service errors onto the HTTP contract. Anything the
// services did not classify is a 500 and is logged.
func (h *Handler) writeError(c *gin.Context, err error) {
	if r, ok := attendance.IsRejection(err); ok {
		c.JSON(rejectionStatus[r.Reason], gin.H{"error": string(r.Reason), "message": r.Message})
		return
	}
	var denied *attendance.Denied
	switch {
	case errors.As(err, &denied):
		c.JSON(http.StatusForbidden, gin.H{"error": "PermissionDenied", "message": denied.Reason})
	case errors.Is(err, attendance.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthenticated", "message": "sign in first"})
	case errors.Is(err, attendance.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "InvalidRequest", "message": err.Error()})
	case attendance.IsTransient(err):
		h.logger.Warn().Err(err).Str("path", c.FullPath()).Msg("transient failure")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Unavailable", "message": "temporarily unavailable, try again", "retriable": true})
	default:
		h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("unhandled error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal", "message": "internal error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "InvalidRequest", "message": msg})
}
