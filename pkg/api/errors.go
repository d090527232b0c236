package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dubplane/dubplane/pkg/auth"
	"github.com/dubplane/dubplane/pkg/retention"
	"github.com/dubplane/dubplane/pkg/services"
	"github.com/dubplane/dubplane/pkg/upload"
)

// replyError maps service-layer errors to HTTP error responses.
func replyError(c *gin.Context, err error) {
	var validErr *services.ValidationError
	switch {
	case errors.As(err, &validErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validErr.Error()})
	case errors.Is(err, upload.ErrBadFilename):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filename"})

	case errors.Is(err, auth.ErrBadCredentials),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrReplayDetected),
		errors.Is(err, auth.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
	case errors.Is(err, auth.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})

	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
	case errors.Is(err, services.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "resource already exists"})
	case errors.Is(err, services.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})

	case errors.Is(err, upload.ErrChunkConflict),
		errors.Is(err, upload.ErrHashMismatch),
		errors.Is(err, upload.ErrIncomplete),
		errors.Is(err, upload.ErrAlreadyCompleted):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, upload.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload exceeds size limit"})

	case errors.Is(err, retention.ErrQuotaExceeded):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, retention.ErrInsufficientStorage):
		c.JSON(http.StatusInsufficientStorage, gin.H{"error": "insufficient storage"})

	default:
		slog.Error("Unexpected service error", "error", err, "path", c.FullPath())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

// replyRateLimited answers 429 with a Retry-After hint.
func replyRateLimited(c *gin.Context) {
	c.Header("Retry-After", "60")
	c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
}
