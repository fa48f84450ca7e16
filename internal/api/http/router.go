package http

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/janrakshak/identity-sync/internal/api/http/middleware"
	"github.com/janrakshak/identity-sync/internal/auth/domain"
	authmw "github.com/janrakshak/identity-sync/internal/auth/middleware"
	"github.com/janrakshak/identity-sync/internal/diagnostics"
	"github.com/janrakshak/identity-sync/internal/livefeed"
)

// SessionService is the read side of the session bridge.
type SessionService interface {
	Snapshot() domain.Session
	Refresh(ctx context.Context) error
	Watch() (<-chan domain.Session, func())
}

// Authenticator turns an ID token into identity events. VerifyToken only
// checks a token and identifies the caller of a request.
type Authenticator interface {
	SignInWithToken(ctx context.Context, idToken string) (*domain.Identity, error)
	VerifyToken(ctx context.Context, idToken string) (string, error)
	SignOut()
}

type FeedHub interface {
	Subscribe(ctx context.Context, table string, filter livefeed.Filter) (*livefeed.Collection, func(), error)
	Collection(table string, filter livefeed.Filter) (*livefeed.Collection, bool)
	Refetch(ctx context.Context, table string, filter livefeed.Filter) error
	Statuses() []livefeed.FeedStatus
}

type DiagnosticsReader interface {
	Recent(q diagnostics.Query) []diagnostics.Record
}

type Deps struct {
	ServiceName string
	Version     string
	Logger      *slog.Logger
	CORSOrigins []string

	Sessions    SessionService
	Auth        Authenticator
	Feeds       FeedHub
	Diagnostics DiagnosticsReader
	Checks      map[string]PingFunc

	// Now supplies the default anchor for time-bucketed statistics.
	Now func() time.Time
	// StreamPoll is how often collection streams check for changes.
	StreamPoll time.Duration
}

type Handler struct {
	deps   Deps
	logger *slog.Logger
}

func NewRouter(deps Deps) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.StreamPoll <= 0 {
		deps.StreamPoll = 500 * time.Millisecond
	}
	h := &Handler{deps: deps, logger: deps.Logger}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestIDMiddleware(deps.Logger))

	corsCfg := cors.DefaultConfig()
	if len(deps.CORSOrigins) > 0 {
		corsCfg.AllowOrigins = deps.CORSOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", middleware.HeaderRequestID)
	corsCfg.ExposeHeaders = []string{middleware.HeaderRequestID}
	r.Use(cors.New(corsCfg))

	NewHealthHandler(deps.ServiceName, deps.Version, deps.Checks).RegisterRoutes(r)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/debug/diagnostics", h.ListDiagnostics)

	api := r.Group("/api/v1")

	var verifier authmw.TokenVerifier = deps.Auth
	caller := authmw.RequireCaller(deps.Sessions, verifier)

	sessions := api.Group("/session")
	sessions.GET("", authmw.IdentifyCaller(verifier), h.GetSession)
	sessions.POST("", h.SignIn)
	sessions.DELETE("", caller, h.SignOut)
	sessions.POST("/refresh", caller, h.RefreshSession)
	sessions.GET("/stream", authmw.IdentifyCaller(verifier), h.StreamSession)

	authed := api.Group("")
	authed.Use(authmw.RequireSession(deps.Sessions, verifier))

	collections := authed.Group("/collections")
	collections.GET("", h.ListCollections)
	collections.GET("/:table", h.GetCollection)
	collections.GET("/:table/stream", h.StreamCollection)
	collections.POST("/:table/refetch", authmw.RequireRole(domain.RoleAdmin, domain.RoleDMA), h.RefetchCollection)

	stats := authed.Group("/stats/:table")
	stats.GET("/by/:field", h.CountsByField)
	stats.GET("/timeline", h.Timeline)
	stats.GET("/rate", h.FieldRate)
	stats.GET("/utilization", h.Utilization)
	stats.GET("/average", h.AveragePerDay)

	return r
}
