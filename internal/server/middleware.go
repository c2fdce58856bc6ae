package server

import (
	"mime"
	"net/http"
	"time"

	"avs/internal/logging"

	"github.com/gin-gonic/gin"
)

// JSONMiddleware rejects non-JSON request bodies.
func JSONMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodPost || c.Request.Method == http.MethodPut || c.Request.Method == http.MethodPatch {
			if contentType := c.GetHeader("Content-Type"); contentType != "" {
				mediaType, _, err := mime.ParseMediaType(contentType)
				if err != nil || mediaType != "application/json" {
					c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, APIResponse{
						Error: "Content-Type must be application/json",
					})
					return
				}
			}
		}
		c.Next()
	}
}

// RequestLogger logs each request at debug level.
func RequestLogger(logger logging.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("%s %s -> %d (%s)", c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}
