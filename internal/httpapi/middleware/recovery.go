package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/carelink/portal/internal/common"
	"github.com/carelink/portal/internal/logging"
	"github.com/gin-gonic/gin"
)

func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.Ctx(c.Request.Context()).Error().
					Interface("panic", rec).
					Str("stack", string(debug.Stack())).
					Str("path", c.Request.URL.Path).
					Msg("panic recovered")
				if c.Writer.Written() {
					c.Abort()
					return
				}
				common.Abort(c, http.StatusInternalServerError, 50000, "internal server error")
			}
		}()
		c.Next()
	}
}
