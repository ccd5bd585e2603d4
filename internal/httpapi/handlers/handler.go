package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/carelink/portal/internal/chat"
	"github.com/carelink/portal/internal/common"
	"github.com/carelink/portal/internal/config"
	"github.com/carelink/portal/internal/email"
	"github.com/carelink/portal/internal/httpapi/middleware"
	"github.com/carelink/portal/internal/logging"
	"github.com/carelink/portal/internal/prediction"
	"github.com/carelink/portal/internal/realtime"
	"github.com/carelink/portal/internal/store/redisstore"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// IdempotencyStore claims Idempotency-Key values for REST sends;
// *redisstore.Store implements it.
type IdempotencyStore interface {
	ReserveIdempotencyKey(ctx context.Context, userID uint64, key string, ttl time.Duration) (bool, error)
	IdempotentResult(ctx context.Context, userID uint64, key string) (uint64, bool, error)
	CompleteIdempotencyKey(ctx context.Context, userID uint64, key string, messageID uint64, ttl time.Duration) error
	ReleaseIdempotencyKey(ctx context.Context, userID uint64, key string) error
}

// Deps are the collaborators the HTTP layer is built from. Redis, WS,
// Publisher and Scorer may be nil; the routes that need them then answer 503.
type Deps struct {
	DB        *gorm.DB
	Cfg       config.Config
	Redis     *redisstore.Store
	Registry  *realtime.Registry
	WS        *realtime.Server
	Publisher realtime.EventPublisher
	Scorer    prediction.Scorer

	// Idempotency defaults to Redis.
	Idempotency IdempotencyStore
}

type Handler struct {
	DB          *gorm.DB
	Cfg         config.Config
	Redis       *redisstore.Store
	SMTPSetting email.SMTPConfig
	ChatSvc     *chat.Service
	Registry    *realtime.Registry
	WS          *realtime.Server
	Publisher   realtime.EventPublisher
	Scorer      prediction.Scorer
	Idempotency IdempotencyStore
}

func NewHandler(d Deps) *Handler {
	repo := chat.NewRepo(d.DB)
	reg := d.Registry
	if reg == nil {
		reg = realtime.NewRegistry()
	}
	idem := d.Idempotency
	if idem == nil {
		idem = d.Redis
	}
	return &Handler{
		DB:    d.DB,
		Cfg:   d.Cfg,
		Redis: d.Redis,
		SMTPSetting: email.SMTPConfig{
			Host: d.Cfg.SMTPHost,
			Port: d.Cfg.SMTPPort,
			User: d.Cfg.SMTPUser,
			Pass: d.Cfg.SMTPPass,
			From: d.Cfg.SMTPFrom,
		},
		ChatSvc:     chat.NewService(repo),
		Registry:    reg,
		WS:          d.WS,
		Publisher:   d.Publisher,
		Scorer:      d.Scorer,
		Idempotency: idem,
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func currentUser(c *gin.Context) (uint64, bool) {
	uid, ok := middleware.UserID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return 0, false
	}
	return uid, true
}

// failChat maps chat errors onto the response envelope.
func failChat(c *gin.Context, err error, action string) {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "not found")
	case errors.Is(err, chat.ErrUserNotFound):
		common.Fail(c, http.StatusNotFound, 40402, "user not found")
	case errors.Is(err, chat.ErrForbidden):
		common.Fail(c, http.StatusForbidden, 40301, "forbidden")
	case errors.Is(err, chat.ErrInvalidPair):
		common.Fail(c, http.StatusBadRequest, 10003, "conversations are between a doctor and a patient")
	case errors.Is(err, chat.ErrSelfSend):
		common.Fail(c, http.StatusBadRequest, 10004, "recipient must differ from sender")
	case errors.Is(err, chat.ErrEmptyMessage):
		common.Fail(c, http.StatusBadRequest, 10005, "content or imageData required")
	case errors.Is(err, chat.ErrMessageTooLarge):
		common.Fail(c, http.StatusBadRequest, 10006, "message too large")
	default:
		logging.Ctx(c.Request.Context()).Error().Err(err).Str("action", action).Msg("chat operation failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
