package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-foodorder-orderflow/internal/logging"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/orderflow"
	"github.com/imrishuroy/go-foodorder-orderflow/internal/validation"
)

// Error codes of the JSON error envelope.
const (
	CodeValidation      = validation.ErrorCode
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeUnavailable     = "UNAVAILABLE"
	CodeInternal        = "INTERNAL"
)

// retryAfterSeconds is advertised on UNAVAILABLE responses.
const retryAfterSeconds = "5"

// writeError maps a service error onto the HTTP error envelope.
func writeError(c *gin.Context, err error) {
	status, code, msg := http.StatusInternalServerError, CodeInternal, "internal error"
	switch {
	case errors.Is(err, orderflow.ErrValidation):
		status, code, msg = http.StatusBadRequest, CodeValidation, err.Error()
	case errors.Is(err, orderflow.ErrUnauthenticated):
		status, code, msg = http.StatusUnauthorized, CodeUnauthenticated, err.Error()
	case errors.Is(err, orderflow.ErrForbidden):
		status, code, msg = http.StatusForbidden, CodeForbidden, "not permitted"
	case errors.Is(err, orderflow.ErrNotFound):
		status, code, msg = http.StatusNotFound, CodeNotFound, "order not found"
	case errors.Is(err, orderflow.ErrConflict):
		status, code, msg = http.StatusConflict, CodeConflict, err.Error()
	case errors.Is(err, orderflow.ErrUnavailable):
		status, code, msg = http.StatusServiceUnavailable, CodeUnavailable, "order store unavailable, retry later"
		c.Header("Retry-After", retryAfterSeconds)
	}

	logger := logging.FromContext(c.Request.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.String("code", code), zap.Error(err))
	} else {
		logger.Info("request rejected", zap.String("code", code), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code, "msg": msg})
}
