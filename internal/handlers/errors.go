package handlers

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/danielhendel/oli-sub005/internal/apperr"
)

// errorBody is the envelope of every non-2xx response.
type errorBody struct {
	Error   string              `json:"error"`
	Message string              `json:"message"`
	Details []apperr.FieldError `json:"details,omitempty"`
}

// writeError maps err onto the HTTP error envelope.
func writeError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	body := errorBody{Error: apperr.Code(err), Message: err.Error()}

	var ae *apperr.Error
	if errors.As(err, &ae) {
		body.Message = ae.Message
		body.Details = ae.Details
	}
	if d := apperr.RetryAfter(err); d > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "status", status, "err", err)
		if status == http.StatusInternalServerError {
			body.Message = "internal error"
		}
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, field, message string) {
	writeError(c, apperr.Validation("invalid "+field, apperr.FieldError{Field: field, Message: message}))
}
