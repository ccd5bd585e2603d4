package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/carelink/portal/internal/auth"
	"github.com/carelink/portal/internal/common"
	"github.com/carelink/portal/internal/logging"
	"github.com/carelink/portal/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	UserIDKey = "user_id"
	RoleKey   = "role"
	ClaimsKey = "claims"
)

// RevocationChecker reports whether a token id was revoked by logout.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// a websocket handshake, so upgrade requests may pass ?token= instead.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if websocket.IsWebSocketUpgrade(r) {
		return r.URL.Query().Get("token")
	}
	return ""
}

func AuthRequired(secret string, revoked RevocationChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := bearerToken(c.Request)
		if tok == "" {
			common.Abort(c, http.StatusUnauthorized, 40101, "missing token")
			return
		}
		claims, err := auth.ParseJWT(tok, secret)
		if err != nil {
			common.Abort(c, http.StatusUnauthorized, 40101, "invalid token")
			return
		}
		if revoked != nil {
			isRevoked, err := revoked.IsRevoked(c.Request.Context(), claims.ID)
			if err != nil {
				logging.Ctx(c.Request.Context()).Error().Err(err).Msg("revocation check failed")
				common.Abort(c, http.StatusInternalServerError, 50001, "auth store error")
				return
			}
			if isRevoked {
				common.Abort(c, http.StatusUnauthorized, 40102, "token revoked")
				return
			}
		}

		c.Set(UserIDKey, claims.UserID)
		c.Set(RoleKey, claims.Role)
		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

func UserID(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

func Role(c *gin.Context) (models.Role, bool) {
	v, ok := c.Get(RoleKey)
	if !ok {
		return "", false
	}
	r, ok := v.(models.Role)
	return r, ok
}

func Claims(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return nil, false
	}
	cl, ok := v.(*auth.Claims)
	return cl, ok
}

// TokenTTL is how long the current token remains valid.
func TokenTTL(c *gin.Context) time.Duration {
	cl, ok := Claims(c)
	if !ok || cl.ExpiresAt == nil {
		return 0
	}
	return time.Until(cl.ExpiresAt.Time)
}
