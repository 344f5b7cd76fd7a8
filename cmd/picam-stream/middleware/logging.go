package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// RequestLogger logs every request through slog once it has been served.
// Stream requests are logged when the client goes away.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"client", c.ClientIP(),
			"duration", time.Since(start).Round(time.Millisecond),
		}
		if len(c.Errors) > 0 {
			slog.Error("Request failed", append(attrs, "error", c.Errors.String())...)
			return
		}
		slog.Debug("Request served", attrs...)
	}
}
