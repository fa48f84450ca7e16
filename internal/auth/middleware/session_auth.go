package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/janrakshak/identity-sync/internal/auth/domain"
)

const (
	CtxSession  = "session"
	CtxCallerID = "caller_id"
)

// SessionReader exposes the current session snapshot.
type SessionReader interface {
	Snapshot() domain.Session
}

// TokenVerifier checks an ID token and returns the uid it was issued to.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, idToken string) (string, error)
}

// IdentifyCaller verifies the Bearer token when one is sent and stores the
// caller's uid. Requests without a token continue anonymously.
func IdentifyCaller(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if BearerToken(c) == "" {
			c.Next()
			return
		}
		if _, ok := verifyCaller(c, verifier); !ok {
			return
		}
		c.Next()
	}
}

// RequireCaller rejects requests that do not carry a valid token for the
// signed-in identity, and stores the snapshot taken for this request.
func RequireCaller(sessions SessionReader, verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := callerSession(c, sessions, verifier)
		if !ok {
			return
		}
		c.Set(CtxSession, s)
		c.Next()
	}
}

// RequireSession is RequireCaller plus a resolved profile.
func RequireSession(sessions SessionReader, verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := callerSession(c, sessions, verifier)
		if !ok {
			return
		}
		if s.Profile == nil {
			status := http.StatusServiceUnavailable
			msg := "profile is still resolving"
			if !s.Loading {
				status = http.StatusForbidden
				msg = "no profile for the signed-in identity"
			}
			c.JSON(status, gin.H{"error": msg, "state": s.State})
			c.Abort()
			return
		}

		c.Set(CtxSession, s)
		c.Next()
	}
}

func callerSession(c *gin.Context, sessions SessionReader, verifier TokenVerifier) (domain.Session, bool) {
	if BearerToken(c) == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization token"})
		c.Abort()
		return domain.Session{}, false
	}
	uid, ok := verifyCaller(c, verifier)
	if !ok {
		return domain.Session{}, false
	}

	s := sessions.Snapshot()
	if !s.Authenticated() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not signed in"})
		c.Abort()
		return s, false
	}
	if s.Identity.ID != uid {
		c.JSON(http.StatusForbidden, gin.H{"error": "token does not belong to the signed-in identity"})
		c.Abort()
		return s, false
	}
	return s, true
}

func verifyCaller(c *gin.Context, verifier TokenVerifier) (string, bool) {
	if verifier == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "identity provider not configured"})
		c.Abort()
		return "", false
	}
	uid, err := verifier.VerifyToken(c.Request.Context(), BearerToken(c))
	if err != nil || uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		c.Abort()
		return "", false
	}
	c.Set(CtxCallerID, uid)
	return uid, true
}

// RequireRole must run after RequireSession.
func RequireRole(roles ...domain.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := SessionFrom(c)
		if !ok || !s.HasRole(roles...) {
			c.JSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// SessionFrom returns the snapshot stored by RequireCaller or RequireSession.
func SessionFrom(c *gin.Context) (domain.Session, bool) {
	v, ok := c.Get(CtxSession)
	if !ok {
		return domain.Session{}, false
	}
	s, ok := v.(domain.Session)
	return s, ok
}

// CallerID returns the verified uid of the caller, or "" for anonymous
// requests.
func CallerID(c *gin.Context) string {
	return c.GetString(CtxCallerID)
}

// BearerToken extracts the Bearer token from the Authorization header
func BearerToken(c *gin.Context) string {
	bearerToken := c.GetHeader("Authorization")
	if len(bearerToken) > 7 && strings.EqualFold(bearerToken[:7], "Bearer ") {
		return strings.TrimSpace(bearerToken[7:])
	}
	return ""
}
