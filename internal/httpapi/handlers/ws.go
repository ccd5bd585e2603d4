package handlers

import (
	"net/http"

	"github.com/carelink/portal/internal/common"
	"github.com/gin-gonic/gin"
)

// ServeWS hands the authenticated request to the realtime server; the call
// blocks for the life of the socket.
func (h *Handler) ServeWS(c *gin.Context) {
	if h.WS == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "realtime unavailable")
		return
	}
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	h.WS.Serve(c.Writer, c.Request, uid)
}
