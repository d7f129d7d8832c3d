package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// quietPaths are polled by probes and scrapers and logged at debug.
var quietPaths = map[string]bool{"/health": true, "/metrics": true}

// Logger logs one line per request: 5xx at error, 4xx at warn, the rest at info.
// The caller and the session are attached when the route has them.
func Logger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.String("path", path),
			zap.String("client_ip", c.ClientIP()),
		}
		if uid, ok := UserID(c); ok {
			fields = append(fields, zap.String("user_id", uid.String()))
		}
		if sid := c.Param("id"); sid != "" {
			fields = append(fields, zap.String("session_id", sid))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		level := zapcore.InfoLevel
		switch {
		case status >= 500:
			level = zapcore.ErrorLevel
		case status >= 400:
			level = zapcore.WarnLevel
		case quietPaths[path]:
			level = zapcore.DebugLevel
		}
		if ce := logger.Check(level, "request"); ce != nil {
			ce.Write(fields...)
		}
	}
}
