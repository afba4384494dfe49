package http

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Harsh-BH/runq/internal/domain"
)

// writeError maps a usecase error onto its HTTP status.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	var throttled *domain.ThrottledError
	var tooLarge *http.MaxBytesError

	switch {
	case errors.As(err, &throttled):
		writeThrottled(c, throttled)
	case errors.As(err, &tooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
	case errors.Is(err, domain.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
	case errors.Is(err, domain.ErrJobNotTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrEnqueueFailed):
		logger.Error("Enqueue failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable"})
	default:
		logger.Error("Request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

// writeThrottled answers 429 with the standard RateLimit-* headers.
func writeThrottled(c *gin.Context, e *domain.ThrottledError) {
	secs := strconv.Itoa(int(math.Ceil(e.RetryAfter.Seconds())))
	c.Header("Retry-After", secs)
	c.Header("RateLimit-Limit", strconv.Itoa(e.Limit))
	c.Header("RateLimit-Remaining", "0")
	c.Header("RateLimit-Reset", secs)
	c.JSON(http.StatusTooManyRequests, gin.H{"error": e.Error()})
}
