package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/janrakshak/identity-sync/internal/auth/domain"
	"github.com/janrakshak/identity-sync/internal/auth/identity"
	authmw "github.com/janrakshak/identity-sync/internal/auth/middleware"
	"github.com/janrakshak/identity-sync/internal/logging"
)

// SessionView is the session as served to dashboards.
type SessionView struct {
	Identity       *domain.Identity       `json:"identity"`
	Profile        *domain.Profile        `json:"profile"`
	Loading        bool                   `json:"loading"`
	State          domain.ResolutionState `json:"state"`
	Authenticated  bool                   `json:"authenticated"`
	Degraded       bool                   `json:"degraded"`
	DashboardRoute string                 `json:"dashboard_route,omitempty"`
	Permissions    []domain.Permission    `json:"permissions,omitempty"`
	DataFilters    map[string]string      `json:"data_filters,omitempty"`
}

func newSessionView(s domain.Session) SessionView {
	v := SessionView{
		Identity:      s.Identity,
		Profile:       s.Profile,
		Loading:       s.Loading,
		State:         s.State,
		Authenticated: s.Authenticated(),
		Degraded:      s.Degraded(),
	}
	if s.Profile != nil {
		v.DashboardRoute = s.Profile.Role.DashboardRoute()
		v.Permissions = s.Profile.Permissions()
		v.DataFilters = s.Profile.DataFilters()
	}
	return v
}

// viewFor hides the identity and profile from callers that are not the
// signed-in identity.
func viewFor(s domain.Session, callerID string) SessionView {
	if s.Identity != nil && s.Identity.ID != callerID {
		return SessionView{Loading: s.Loading, State: s.State, Authenticated: true}
	}
	return newSessionView(s)
}

// GetSession returns the current session snapshot
func (h *Handler) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, viewFor(h.deps.Sessions.Snapshot(), authmw.CallerID(c)))
}

// SignIn verifies an ID token and signs the identity in. The profile is
// resolved asynchronously; poll GetSession or use the stream.
func (h *Handler) SignIn(c *gin.Context) {
	if h.deps.Auth == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "identity provider not configured"})
		return
	}

	token := authmw.BearerToken(c)
	if token == "" && c.Request.ContentLength > 0 {
		var body struct {
			IDToken string `json:"id_token"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body", "details": err.Error()})
			return
		}
		token = body.IDToken
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization token"})
		return
	}

	id, err := h.deps.Auth.SignInWithToken(c.Request.Context(), token)
	if err != nil {
		logging.FromContext(c.Request.Context(), h.logger).Warn("sign-in rejected", "error", err)
		if errors.Is(err, identity.ErrInvalidToken) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "identity provider unavailable"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"identity": id})
}

func (h *Handler) SignOut(c *gin.Context) {
	if h.deps.Auth == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "identity provider not configured"})
		return
	}
	h.deps.Auth.SignOut()
	c.Status(http.StatusNoContent)
}

// RefreshSession re-resolves the profile of the current identity.
func (h *Handler) RefreshSession(c *gin.Context) {
	if err := h.deps.Sessions.Refresh(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "refreshing"})
}

// StreamSession pushes every session snapshot using Server-Sent Events (SSE)
func (h *Handler) StreamSession(c *gin.Context) {
	flusher := startSSE(c)
	if flusher == nil {
		return
	}

	callerID := authmw.CallerID(c)
	updates, stop := h.deps.Sessions.Watch()
	defer stop()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeKeepAlive(c, flusher)
		case s, ok := <-updates:
			if !ok {
				return
			}
			if err := writeEvent(c, flusher, "session", viewFor(s, callerID)); err != nil {
				return
			}
		}
	}
}
