package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/queryweaver/queryweaver/pkg/approval"
	"github.com/queryweaver/queryweaver/pkg/dberr"
	"github.com/queryweaver/queryweaver/pkg/pipeline"
)

// categoryStatus maps normalized error categories to HTTP status codes.
var categoryStatus = map[dberr.Category]int{
	dberr.CategoryPermission:          http.StatusForbidden,
	dberr.CategoryQuotaExceeded:       http.StatusTooManyRequests,
	dberr.CategorySyntax:              http.StatusUnprocessableEntity,
	dberr.CategoryInvalidIdentifier:   http.StatusUnprocessableEntity,
	dberr.CategoryInvalidTable:        http.StatusUnprocessableEntity,
	dberr.CategoryDataTypeMismatch:    http.StatusUnprocessableEntity,
	dberr.CategoryConstraintViolation: http.StatusConflict,
	dberr.CategoryTimeout:             http.StatusGatewayTimeout,
	dberr.CategoryConnection:          http.StatusBadGateway,
	dberr.CategoryNetwork:             http.StatusBadGateway,
	dberr.CategoryResourceExhausted:   http.StatusServiceUnavailable,
}

// writeError renders an error response, keeping internal detail out of the
// body. NormalizedError user messages are written as-is since they are
// composed for end users.
func writeError(c *gin.Context, err error) {
	var ne *dberr.NormalizedError
	if errors.As(err, &ne) {
		status, ok := categoryStatus[ne.Category]
		if !ok {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{
			"error":    ne.UserMessage,
			"category": string(ne.Category),
			"code":     ne.ErrorCode,
		})
		return
	}

	switch {
	case errors.Is(err, pipeline.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
	case errors.Is(err, pipeline.ErrUnknownQuery):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown query"})
	case errors.Is(err, approval.ErrNoPending):
		c.JSON(http.StatusNotFound, gin.H{"error": "no pending approval for query"})
	case errors.Is(err, approval.ErrBindingMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": "approval session does not match the submitting session"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
