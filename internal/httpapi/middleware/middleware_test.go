package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/carelink/portal/internal/auth"
	"github.com/carelink/portal/internal/logging"
	"github.com/carelink/portal/internal/models"
	"github.com/gin-gonic/gin"
)

const secret = "mw-secret"

type revokedSet struct {
	ids map[string]bool
	err error
}

func (r revokedSet) IsRevoked(_ context.Context, jti string) (bool, error) {
	return r.ids[jti], r.err
}

func newEngine(revoked RevocationChecker) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Recovery(), RequestID())
	r.GET("/whoami", AuthRequired(secret, revoked), func(c *gin.Context) {
		uid, _ := UserID(c)
		role, _ := Role(c)
		if TokenTTL(c) <= 0 {
			c.String(http.StatusInternalServerError, "no ttl")
			return
		}
		c.String(http.StatusOK, "%d:%s", uid, role)
	})
	r.GET("/panic", func(c *gin.Context) { panic("boom") })
	return r
}

func sign(t *testing.T) (string, *auth.Claims) {
	t.Helper()
	tok, err := auth.SignJWT(7, models.RoleDoctor, secret, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := auth.ParseJWT(tok, secret)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return tok, claims
}

func TestAuthRequired(t *testing.T) {
	tok, claims := sign(t)

	cases := []struct {
		name    string
		revoked RevocationChecker
		header  string
		query   string
		upgrade bool
		want    int
	}{
		{name: "bearer header", header: "Bearer " + tok, want: http.StatusOK},
		{name: "lowercase scheme", header: "bearer " + tok, want: http.StatusOK},
		{name: "missing", want: http.StatusUnauthorized},
		{name: "query token on plain request", query: tok, want: http.StatusUnauthorized},
		{name: "query token on upgrade", query: tok, upgrade: true, want: http.StatusOK},
		{name: "revoked", header: "Bearer " + tok, revoked: revokedSet{ids: map[string]bool{claims.ID: true}}, want: http.StatusUnauthorized},
		{name: "store error", header: "Bearer " + tok, revoked: revokedSet{err: errors.New("down")}, want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := "/whoami"
			if tc.query != "" {
				path += "?token=" + tc.query
			}
			req := httptest.NewRequest(http.MethodGet, path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if tc.upgrade {
				req.Header.Set("Connection", "Upgrade")
				req.Header.Set("Upgrade", "websocket")
			}
			w := httptest.NewRecorder()
			newEngine(tc.revoked).ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tc.want, w.Body.String())
			}
			if tc.want == http.StatusOK && w.Body.String() != "7:doctor" {
				t.Fatalf("body = %q", w.Body.String())
			}
		})
	}
}

func TestRecoveryAnswersWithEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	newEngine(nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Body.String(); got == "" || got[0] != '{' {
		t.Fatalf("body = %q", got)
	}
}

func TestRequestIDPropagatesIncomingHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	newEngine(nil).ServeHTTP(w, req)
	if got := w.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Fatalf("request id = %q", got)
	}
}

func TestAccessLogCarriesIdentity(t *testing.T) {
	var buf bytes.Buffer
	logging.Init(logging.Config{Level: "info", Output: &buf})
	t.Cleanup(func() { logging.Init(logging.Config{Level: "info"}) })

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), AccessLog())
	r.GET("/whoami", AuthRequired(secret, nil), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	tok, _ := sign(t)
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	r.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	for _, want := range []string{`"user_id":7`, `"role":"doctor"`, `"status":204`, `"path":"/whoami"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %q", want, out)
		}
	}
}
