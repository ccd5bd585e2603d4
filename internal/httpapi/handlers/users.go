package handlers

import (
	"crypto/rand"
	"errors"
	"math/big"
	"net/http"
	"net/mail"
	"strconv"
	"strings"

	"github.com/carelink/portal/internal/auth"
	"github.com/carelink/portal/internal/common"
	"github.com/carelink/portal/internal/email"
	"github.com/carelink/portal/internal/httpapi/middleware"
	"github.com/carelink/portal/internal/logging"
	"github.com/carelink/portal/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const minPasswordLen = 8

type captchaReq struct {
	Email string `json:"email"`
}

type createUserReq struct {
	Email       string `json:"email"`
	Captcha     string `json:"captcha"`
	Password    string `json:"password"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName"`
}

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func randomString(alphabet string, n int) (string, error) {
	out := make([]byte, n)
	for i := range out {
		k, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", err
		}
		out[i] = alphabet[k.Int64()]
	}
	return string(out), nil
}

// generate a 11 digit random username
func randomUsername11() (string, error) {
	return randomString("abcdefghijklmnopqrstuvwxyz0123456789", 11)
}

func normalizeEmail(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return "", false
	}
	return s, true
}

func (h *Handler) SendCaptcha(c *gin.Context) {
	if h.Redis == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "captcha unavailable")
		return
	}
	var req captchaReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	addr, ok := normalizeEmail(req.Email)
	if !ok {
		common.Fail(c, http.StatusBadRequest, 10002, "invalid email")
		return
	}

	code, err := randomString("0123456789", 6)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to generate captcha")
		return
	}
	if err := h.Redis.SetCaptcha(c.Request.Context(), addr, code, h.Cfg.CaptchaTTL); err != nil {
		logging.Ctx(c.Request.Context()).Error().Err(err).Msg("store captcha")
		common.Fail(c, http.StatusInternalServerError, 20001, "redis error")
		return
	}

	go func(to, code string) {
		body := "Your verification code is " + code + ".\n\n" +
			"It expires in " + h.Cfg.CaptchaTTL.String() + ".\n"
		if err := email.SendText(h.SMTPSetting, to, "Your verification code", body); err != nil {
			logging.Warn().Err(err).Msg("captcha mail failed")
		}
	}(addr, code)

	common.OK(c, gin.H{"sent": true})
}

func (h *Handler) CreateUser(c *gin.Context) {
	var req createUserReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	addr, ok := normalizeEmail(req.Email)
	if !ok || req.Password == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "valid email and password required")
		return
	}
	if len(req.Password) < minPasswordLen {
		common.Fail(c, http.StatusBadRequest, 10002, "password too short")
		return
	}
	role, err := models.ParseRole(req.Role)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, err.Error())
		return
	}

	if h.Cfg.CaptchaRequired {
		if h.Redis == nil {
			common.Fail(c, http.StatusServiceUnavailable, 50301, "captcha unavailable")
			return
		}
		// redis verification
		code, err := h.Redis.GetCaptcha(c.Request.Context(), addr)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				common.Fail(c, http.StatusBadRequest, 10020, "captcha expired or not found")
				return
			}
			common.Fail(c, http.StatusInternalServerError, 20001, "redis error")
			return
		}
		if code != req.Captcha {
			common.Fail(c, http.StatusBadRequest, 10021, "invalid captcha")
			return
		}
		_ = h.Redis.DeleteCaptcha(c.Request.Context(), addr)
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20002, "failed to hash password")
		return
	}

	// generate username to avoid conflict
	var username string
	for i := 0; i < 5; i++ {
		u, err := randomUsername11()
		if err != nil {
			common.Fail(c, http.StatusInternalServerError, 20004, "failed to generate username")
			return
		}

		var cnt int64
		if err := h.DB.Model(&models.User{}).Where("username = ?", u).Count(&cnt).Error; err != nil {
			common.Fail(c, http.StatusInternalServerError, 20005, "failed to check username")
			return
		}
		if cnt == 0 {
			username = u
			break
		}
	}
	if username == "" {
		common.Fail(c, http.StatusInternalServerError, 20006, "failed to allocate username")
		return
	}

	user := models.User{
		Email:        addr,
		Username:     username,
		DisplayName:  strings.TrimSpace(req.DisplayName),
		PasswordHash: hash,
		Role:         role,
	}
	if err := h.DB.WithContext(c.Request.Context()).Create(&user).Error; err != nil {
		common.Fail(c, http.StatusBadRequest, 10003, "failed to create user (maybe email already exists)")
		return
	}

	token, err := auth.SignJWT(user.ID, user.Role, h.Cfg.JWTSecret, h.Cfg.JWTTTL)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}

	if h.SMTPSetting.Enabled() {
		go func(to, uname string) {
			subject := "Welcome to CareLink - your account is ready"
			body := "Hello,\n\n" +
				"Your CareLink account has been created.\n\n" +
				"Username: " + uname + "\n\n" +
				"If you did not request this account, please contact support immediately.\n\n" +
				"CareLink\n"
			if err := email.SendText(h.SMTPSetting, to, subject, body); err != nil {
				logging.Warn().Err(err).Msg("welcome mail failed")
			}
		}(user.Email, user.Username)
	}

	common.Created(c, gin.H{
		"user":  user,
		"token": token,
	})
}

func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	addr, _ := normalizeEmail(req.Email)

	var user models.User
	err := h.DB.WithContext(c.Request.Context()).Where("email = ?", addr).First(&user).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	if err != nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		common.Fail(c, http.StatusUnauthorized, 40103, "invalid email or password")
		return
	}

	token, err := auth.SignJWT(user.ID, user.Role, h.Cfg.JWTSecret, h.Cfg.JWTTTL)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}
	common.OK(c, gin.H{
		"user":  user,
		"token": token,
	})
}

// Logout revokes the presented token and closes the user's socket.
func (h *Handler) Logout(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	revoked := false
	if claims, ok := middleware.Claims(c); ok && h.Redis != nil {
		if err := h.Redis.RevokeToken(c.Request.Context(), claims.ID, middleware.TokenTTL(c)); err != nil {
			logging.Ctx(c.Request.Context()).Error().Err(err).Msg("revoke token")
			common.Fail(c, http.StatusInternalServerError, 20001, "redis error")
			return
		}
		revoked = true
	}
	if !revoked {
		logging.Ctx(c.Request.Context()).Warn().Uint64("user_id", uid).Msg("logout without revocation store, token stays valid until expiry")
	}
	if conn, ok := h.Registry.Get(uid); ok {
		_ = conn.Close()
	}
	common.OK(c, gin.H{"loggedOut": true, "revoked": revoked})
}

func (h *Handler) Me(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var user models.User
	if err := h.DB.WithContext(c.Request.Context()).First(&user, uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "user not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	common.OK(c, user)
}

func (h *Handler) GetUserByID(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid user id")
		return
	}

	user, err := h.ChatSvc.GetUser(c.Request.Context(), id)
	if err != nil {
		failChat(c, err, "get user")
		return
	}
	common.OK(c, gin.H{
		"user":   user.Public(),
		"online": h.Registry.IsOnline(user.ID),
	})
}
