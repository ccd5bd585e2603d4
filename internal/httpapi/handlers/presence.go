package handlers

import (
	"net/http"

	"github.com/carelink/portal/internal/common"
	"github.com/carelink/portal/internal/logging"
	"github.com/gin-gonic/gin"
)

func (h *Handler) ListOnline(c *gin.Context) {
	online := h.Registry.Online()
	if online == nil {
		online = []uint64{}
	}
	common.OK(c, gin.H{"onlineUsers": online})
}

// UserPresence answers whether a user is connected and, if not, when they
// were last seen.
func (h *Handler) UserPresence(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if _, err := h.ChatSvc.GetUser(c.Request.Context(), id); err != nil {
		failChat(c, err, "presence")
		return
	}

	online := h.Registry.IsOnline(id)
	body := gin.H{"userId": id, "online": online}
	if online {
		common.OK(c, body)
		return
	}
	at, found, err := h.Redis.LastSeen(c.Request.Context(), id)
	if err != nil {
		logging.Ctx(c.Request.Context()).Warn().Err(err).Uint64("user_id", id).Msg("last seen lookup failed")
		common.Fail(c, http.StatusInternalServerError, 20001, "redis error")
		return
	}
	if found {
		body["lastSeen"] = at
	}
	common.OK(c, body)
}
