package server

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/23skdu/longbow-tllama/internal/logger"
	"github.com/23skdu/longbow-tllama/internal/metrics"
	"github.com/23skdu/longbow-tllama/internal/openai"
)

var quietPaths = map[string]bool{
	"/health":  true,
	"/healthz": true,
	"/metrics": true,
}

// requestLogger logs every request through zerolog and records its
// latency under the matched route.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		metrics.RecordRequest(route, strconv.Itoa(status), elapsed)

		if quietPaths[route] && status < 400 {
			return
		}
		args := []interface{}{
			"request_id", id,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", float64(elapsed.Microseconds()) / 1000,
			"client_ip", c.ClientIP(),
		}
		if errs := c.Errors.String(); errs != "" {
			args = append(args, "error", errs)
		}
		switch {
		case status >= 500:
			logger.Log.Error("request", args...)
		case status >= 400:
			logger.Log.Warn("request", args...)
		default:
			logger.Log.Info("request", args...)
		}
	}
}

// abort replies with the OpenAI error envelope.
func abort(c *gin.Context, route string, err *openai.RequestError) {
	metrics.RecordRequestError(route, err.Type)
	_ = c.Error(err)
	c.AbortWithStatusJSON(err.Status, openai.ErrorResponse{Error: err})
}
