package middleware

import (
	"errors"

	apiError "esign-workflow/internal/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandler renders the last error a handler attached as JSON.
func ErrorHandler(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		var apiErr *apiError.APIError
		if !errors.As(err, &apiErr) {
			// a raw error nobody wrapped is a 500
			apiErr = apiError.Internal(err)
		}

		fields := []zap.Field{
			zap.String("kind", string(apiErr.Kind)),
			zap.String("path", c.FullPath()),
			zap.Int("status", apiErr.Status),
		}
		if apiErr.Reason != "" {
			fields = append(fields, zap.String("reason", apiErr.Reason))
		}
		if apiErr.Internal != nil {
			fields = append(fields, zap.Error(apiErr.Internal))
		}
		if apiErr.Status >= 500 {
			logger.Error(apiErr.Message, fields...)
		} else {
			logger.Info(apiErr.Message, fields...)
		}

		c.AbortWithStatusJSON(apiErr.Status, apiErr)
	}
}
