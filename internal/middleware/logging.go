package middleware

import (
	"net/http"
	"time"

	apiError "esign-workflow/internal/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLogger logs one line per request once the handler chain is done.
// Public token paths are logged by route pattern so tokens stay out of logs.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if owner := c.GetString("owner_id"); owner != "" {
			fields = append(fields, zap.String("owner_id", owner))
		}
		logger.Info("HTTP Request", fields...)
	}
}

// Recovery turns a panic into a 500 in the usual error shape.
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("Panic recovered",
					zap.String("path", c.FullPath()),
					zap.Any("error", err),
					zap.Stack("stack"))
				c.AbortWithStatusJSON(http.StatusInternalServerError, apiError.Internal(nil))
			}
		}()
		c.Next()
	}
}
