package http

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"os"
	"runtime/debug"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/forbearing/ix/internal/exceptionreport"
)

// Recovery turns an uncaught panic anywhere below the handler into the
// 500 {"error":"internal","guid":"<report-id>"} response for failures
// that never reach the dispatcher's own per-call catch point — a panic
// inside a gin middleware or before the dispatcher's invoke() recovery runs,
// for instance.
func Recovery(logger *zap.Logger, reports *exceptionreport.Sink, stack bool) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered any) {
		var brokenPipe bool
		if ne, ok := recovered.(*net.OpError); ok {
			var se *os.SyscallError
			if errors.As(ne, &se) {
				s := strings.ToLower(se.Error())
				if strings.Contains(s, "broken pipe") || strings.Contains(s, "connection reset by peer") {
					brokenPipe = true
				}
			}
		}

		err := errors.Newf("panic recovered: %v", recovered)
		guid := reports.File(err)

		if logger != nil {
			httpRequest, _ := httputil.DumpRequest(c.Request, false)
			headers := redactAuth(string(httpRequest))
			if stack {
				logger.Error(fmt.Sprintf("[recovery] %s\nguid=%s\n%s", headers, guid, debug.Stack()))
			} else {
				logger.Error(fmt.Sprintf("[recovery] %s\nguid=%s", headers, guid))
			}
		}

		if brokenPipe {
			c.Error(err) // nolint: errcheck
			c.Abort()
			return
		}

		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "internal",
			"guid":  guid,
		})
	})
}

func redactAuth(dump string) string {
	lines := strings.Split(dump, "\r\n")
	for i, line := range lines {
		if parts := strings.SplitN(line, ":", 2); len(parts) == 2 && parts[0] == "Authorization" {
			lines[i] = parts[0] + ": *"
		}
	}
	return strings.Join(lines, "\r\n")
}
