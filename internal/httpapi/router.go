package httpapi

import (
	"net/http"

	"github.com/carelink/portal/internal/common"
	"github.com/carelink/portal/internal/httpapi/handlers"
	"github.com/carelink/portal/internal/httpapi/middleware"
	"github.com/gin-gonic/gin"
)

func NewRouter(d handlers.Deps) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog())

	h := handlers.NewHandler(d)

	r.GET("/ping", h.Ping)

	// captcha
	r.POST("/captcha", h.SendCaptcha)

	// register
	r.POST("/users", h.CreateUser)

	// auth
	r.POST("/login", h.Login)

	// heart-disease scoring is open to anonymous visitors
	r.POST("/predictions", h.Predict)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(d.Cfg.JWTSecret, d.Redis))
	authGroup.POST("/logout", h.Logout)
	authGroup.GET("/me", h.Me)
	authGroup.GET("/users/:id", h.GetUserByID)

	// presence
	authGroup.GET("/presence", h.ListOnline)
	authGroup.GET("/users/:id/presence", h.UserPresence)
	authGroup.GET("/ws", h.ServeWS)

	// conversations
	authGroup.GET("/conversations", h.ListConversations)
	authGroup.POST("/conversations/connect", h.ConnectConversation)
	authGroup.GET("/conversations/:id/messages", h.ListMessages)
	authGroup.DELETE("/conversations/:id", h.DeleteConversation)

	// messages
	authGroup.POST("/messages", h.SendMessage)
	authGroup.PATCH("/messages/:id", h.EditMessage)
	authGroup.DELETE("/messages/:id", h.DeleteMessage)
	return r
}
