package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/janrakshak/identity-sync/internal/auth/domain"
)

type staticSessions struct{ s domain.Session }

func (f staticSessions) Snapshot() domain.Session { return f.s }

// prefixVerifier accepts tokens of the form "tok-<uid>".
type prefixVerifier struct{}

func (prefixVerifier) VerifyToken(_ context.Context, idToken string) (string, error) {
	uid, ok := strings.CutPrefix(idToken, "tok-")
	if !ok {
		return "", errors.New("signature invalid")
	}
	return uid, nil
}

func newRouter(s domain.Session, roles ...domain.Role) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers := []gin.HandlerFunc{RequireSession(staticSessions{s}, prefixVerifier{})}
	if len(roles) > 0 {
		handlers = append(handlers, RequireRole(roles...))
	}
	handlers = append(handlers, func(c *gin.Context) {
		s, _ := SessionFrom(c)
		c.String(http.StatusOK, s.Profile.ID)
	})
	r.GET("/", handlers...)
	return r
}

func serve(r *gin.Engine, token string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestRequireSession(t *testing.T) {
	id := &domain.Identity{ID: "u1", Email: "dma@example.com"}
	profile, err := domain.NewProfile(domain.ProfileParams{ID: "u1", Email: "dma@example.com", Role: domain.RoleDMA})
	assert.NoError(t, err)

	tests := []struct {
		name    string
		session domain.Session
		roles   []domain.Role
		status  int
	}{
		{"signed out", domain.SignedOut(), nil, http.StatusUnauthorized},
		{"resolving", domain.Session{Identity: id, Loading: true, State: domain.StateResolving}, nil, http.StatusServiceUnavailable},
		{"failed", domain.Session{Identity: id, State: domain.StateFailed}, nil, http.StatusForbidden},
		{"resolved", domain.Session{Identity: id, Profile: profile, State: domain.StateResolved}, nil, http.StatusOK},
		{"role allowed", domain.Session{Identity: id, Profile: profile, State: domain.StateResolved}, []domain.Role{domain.RoleAdmin, domain.RoleDMA}, http.StatusOK},
		{"role denied", domain.Session{Identity: id, Profile: profile, State: domain.StateResolved}, []domain.Role{domain.RoleAdmin}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(newRouter(tt.session, tt.roles...), "tok-u1")
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestRequireSession_CallerMustOwnSession(t *testing.T) {
	profile, err := domain.NewProfile(domain.ProfileParams{ID: "u1", Email: "admin@example.com", Role: domain.RoleAdmin})
	assert.NoError(t, err)
	s := domain.Session{Identity: &domain.Identity{ID: "u1"}, Profile: profile, State: domain.StateResolved}
	r := newRouter(s, domain.RoleAdmin)

	assert.Equal(t, http.StatusUnauthorized, serve(r, "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, "forged").Code)
	assert.Equal(t, http.StatusForbidden, serve(r, "tok-u2").Code)
	assert.Equal(t, http.StatusOK, serve(r, "tok-u1").Code)

	gin.SetMode(gin.TestMode)
	noProvider := gin.New()
	noProvider.GET("/", RequireSession(staticSessions{s}, nil), func(c *gin.Context) { c.Status(http.StatusOK) })
	assert.Equal(t, http.StatusUnauthorized, serve(noProvider, "tok-u1").Code)
}

func TestIdentifyCaller(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/", IdentifyCaller(prefixVerifier{}), func(c *gin.Context) {
		c.String(http.StatusOK, CallerID(c))
	})

	w := serve(r, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	w = serve(r, "tok-u7")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u7", w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, serve(r, "forged").Code)
}

func TestBearerToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request, _ = http.NewRequest(http.MethodGet, "/", nil)

	assert.Empty(t, BearerToken(c))

	c.Request.Header.Set("Authorization", "Bearer abc.def")
	assert.Equal(t, "abc.def", BearerToken(c))

	c.Request.Header.Set("Authorization", "bearer xyz")
	assert.Equal(t, "xyz", BearerToken(c))

	c.Request.Header.Set("Authorization", "Basic xyz")
	assert.Empty(t, BearerToken(c))
}
