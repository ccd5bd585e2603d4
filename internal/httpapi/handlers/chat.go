package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/carelink/portal/internal/chat"
	"github.com/carelink/portal/internal/common"
	"github.com/carelink/portal/internal/logging"
	"github.com/gin-gonic/gin"
)

const idempotencyTTL = 24 * time.Hour

type sendMessageReq struct {
	ToUserID  uint64  `json:"toUserId" binding:"required"`
	Content   string  `json:"content"`
	ImageData *string `json:"imageData"`
}

type editMessageReq struct {
	Content string `json:"content"`
}

type connectReq struct {
	UserID uint64 `json:"userId" binding:"required"`
}

func pathID(c *gin.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid "+name)
		return 0, false
	}
	return id, true
}

func (h *Handler) ListConversations(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	convs, err := h.ChatSvc.ListConversations(c.Request.Context(), uid, h.Registry.IsOnline)
	if err != nil {
		failChat(c, err, "list conversations")
		return
	}
	common.OK(c, gin.H{"conversations": convs})
}

// ConnectConversation finds or creates the conversation between the caller
// and userId. Racing callers for the same pair all get the single row.
func (h *Handler) ConnectConversation(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var req connectReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	conv, created, err := h.ChatSvc.EnsureConversation(c.Request.Context(), uid, req.UserID)
	if err != nil {
		failChat(c, err, "connect")
		return
	}
	other, err := h.ChatSvc.GetUser(c.Request.Context(), conv.Other(uid))
	if err != nil {
		failChat(c, err, "connect")
		return
	}

	body := gin.H{
		"conversation": conv,
		"otherUser":    other.Public(),
		"otherOnline":  h.Registry.IsOnline(other.ID),
		"created":      created,
	}
	if created {
		common.Created(c, body)
		return
	}
	common.OK(c, body)
}

// ListMessages returns the conversation oldest first and marks everything
// addressed to the caller as read. The id "new" names a conversation the
// client has not created yet.
func (h *Handler) ListMessages(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	if c.Param("id") == "new" {
		common.OK(c, gin.H{"messages": []chat.Message{}})
		return
	}
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), uid, convID)
	if err != nil {
		failChat(c, err, "list messages")
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	common.OK(c, gin.H{"messages": msgs})
}

func (h *Handler) DeleteConversation(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.ChatSvc.DeleteConversation(c.Request.Context(), uid, convID); err != nil {
		failChat(c, err, "delete conversation")
		return
	}
	common.OK(c, gin.H{"deleted": true})
}

// SendMessage is the REST path for a chat message. The sender is always the
// caller; the message is stored as sent and not pushed over sockets.
func (h *Handler) SendMessage(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	ctx := c.Request.Context()
	log := logging.Ctx(ctx)

	// read idempotency key
	idemKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idemKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10007, "idempotency key too long")
		return
	}
	if idemKey != "" {
		reserved, err := h.Idempotency.ReserveIdempotencyKey(ctx, uid, idemKey, idempotencyTTL)
		if err != nil {
			log.Warn().Err(err).Msg("idempotency reserve failed, sending without it")
			idemKey = ""
		} else if !reserved {
			h.replayIdempotent(c, uid, idemKey)
			return
		}
	}

	msg, err := h.ChatSvc.SendMessage(ctx, chat.SendInput{
		FromUserID: uid,
		ToUserID:   req.ToUserID,
		Content:    req.Content,
		ImageData:  req.ImageData,
	})
	if err != nil {
		if idemKey != "" {
			if rerr := h.Idempotency.ReleaseIdempotencyKey(ctx, uid, idemKey); rerr != nil {
				log.Warn().Err(rerr).Msg("idempotency release failed")
			}
		}
		failChat(c, err, "send message")
		return
	}

	if idemKey != "" {
		if err := h.Idempotency.CompleteIdempotencyKey(ctx, uid, idemKey, msg.ID, idempotencyTTL); err != nil {
			log.Warn().Err(err).Msg("idempotency save failed")
		}
	}
	h.publishCreated(c, msg)

	common.Created(c, msg)
}

// replayIdempotent answers a send whose key is already taken: with the
// stored message once the first request finished, else with 409.
func (h *Handler) replayIdempotent(c *gin.Context, uid uint64, key string) {
	ctx := c.Request.Context()
	id, found, err := h.Idempotency.IdempotentResult(ctx, uid, key)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("idempotency lookup failed")
		common.Fail(c, http.StatusInternalServerError, 20001, "redis error")
		return
	}
	if !found || id == 0 {
		common.Fail(c, http.StatusConflict, 40901, "a request with this idempotency key is in progress")
		return
	}
	msg, err := h.ChatSvc.GetMessage(ctx, uid, id)
	if err != nil {
		failChat(c, err, "replay message")
		return
	}
	common.OK(c, msg)
}

func (h *Handler) publishCreated(c *gin.Context, msg *chat.Message) {
	if h.Publisher == nil {
		return
	}
	id, err := common.NewULID()
	if err != nil {
		logging.Ctx(c.Request.Context()).Error().Err(err).Msg("event id generation failed")
		return
	}
	ev := chat.NewMessageEvent(id, msg, h.Registry.IsOnline(msg.RecipientID))
	if err := h.Publisher.PublishMessageEvent(c.Request.Context(), ev); err != nil {
		logging.Ctx(c.Request.Context()).Warn().Err(err).Uint64("message_id", msg.ID).Msg("publish message event failed")
	}
}

func (h *Handler) EditMessage(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	msgID, ok := pathID(c, "id")
	if !ok {
		return
	}
	// authorship is settled before the body is read
	if _, err := h.ChatSvc.SenderMessage(c.Request.Context(), uid, msgID); err != nil {
		failChat(c, err, "edit message")
		return
	}
	var req editMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	msg, err := h.ChatSvc.EditMessage(c.Request.Context(), uid, msgID, req.Content)
	if err != nil {
		failChat(c, err, "edit message")
		return
	}
	common.OK(c, msg)
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	msgID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.ChatSvc.DeleteMessage(c.Request.Context(), uid, msgID); err != nil {
		failChat(c, err, "delete message")
		return
	}
	common.OK(c, gin.H{"deleted": true})
}
