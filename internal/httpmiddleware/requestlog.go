package httpmiddleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/phuslu/log"
)

// RequestLogger logs one line per request, skipping the given paths.
func RequestLogger(logger *log.Logger, skipPaths ...string) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		entry := logger.Info()
		if status >= 500 {
			entry = logger.Error()
		} else if status >= 400 {
			entry = logger.Warn()
		}
		entry.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http request")
	}
}
