package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/janrakshak/identity-sync/config"
	httpapi "github.com/janrakshak/identity-sync/internal/api/http"
	"github.com/janrakshak/identity-sync/internal/auth"
	"github.com/janrakshak/identity-sync/internal/auth/identity"
	"github.com/janrakshak/identity-sync/internal/auth/repository"
	"github.com/janrakshak/identity-sync/internal/db"
	"github.com/janrakshak/identity-sync/internal/diagnostics"
	"github.com/janrakshak/identity-sync/internal/livefeed"
	"github.com/janrakshak/identity-sync/internal/session"
)

const shutdownTimeout = 10 * time.Second

// App is the assembled service: the session bridge, the change-feed hub and
// the HTTP surface over both.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	db          *db.DB
	redis       *redis.Client
	diagnostics *diagnostics.Recorder
	bridge      *session.Bridge
	resolver    *session.Resolver
	hub         *livefeed.Hub
	scheduler   *livefeed.RefetchScheduler
	server      *http.Server
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	database, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.db = database
	logger.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)

	checks := map[string]httpapi.PingFunc{"postgres": database.Ping}

	if cfg.Feed.Transport == "redis" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}

	a.diagnostics = diagnostics.NewRecorder(cfg.App.DiagnosticsCap, logger.With("component", "diagnostics"))

	source, authenticator, err := identitySource(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	profiles := repository.NewProfileRepository(database.SQL)
	a.resolver = session.NewResolver(profiles,
		session.WithAdminEmails(cfg.Auth.AdminEmails...),
		session.WithAdminOrganization(cfg.Auth.AdminOrganization),
		session.WithDiagnostics(a.diagnostics),
	)
	a.bridge = session.NewBridge(session.BridgeConfig{
		Source:      source,
		Store:       profiles,
		Resolver:    a.resolver,
		Diagnostics: a.diagnostics,
		Logger:      logger.With("component", diagnostics.ComponentBridge),
	})

	var feedSource livefeed.Source
	if a.redis != nil {
		feedSource = livefeed.NewRedisSource(a.redis, cfg.Feed.ChannelPrefix, logger)
	} else {
		feedSource = livefeed.NewPostgresSource(database.Pool, cfg.Feed.ChannelPrefix, logger)
	}
	a.hub = livefeed.NewHub(livefeed.HubConfig{
		Source:       feedSource,
		Loader:       livefeed.NewPostgresLoader(database.Pool),
		KeyColumn:    cfg.Feed.KeyColumn,
		RefetchEvery: time.Duration(float64(time.Second) / cfg.Feed.RefetchRPS),
		Diagnostics:  a.diagnostics,
		Logger:       logger.With("component", diagnostics.ComponentFeed),
	})

	SetGinMode(cfg.App.Environment)
	router := httpapi.NewRouter(httpapi.Deps{
		ServiceName: "identity-sync",
		Version:     cfg.App.Version,
		Logger:      logger,
		CORSOrigins: cfg.Server.CORSOrigins,
		Sessions:    a.bridge,
		Auth:        authenticator,
		Feeds:       a.hub,
		Diagnostics: a.diagnostics,
		Checks:      checks,
	})
	a.server = &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// identitySource picks the identity provider. Without Firebase credentials
// the bridge runs against an emitter that never signs anyone in, and the
// sign-in endpoints answer 501.
func identitySource(ctx context.Context, cfg *config.Config, logger *slog.Logger) (identity.Source, httpapi.Authenticator, error) {
	if cfg.Firebase.CredentialsPath == "" {
		logger.Warn("FIREBASE_CREDENTIALS_PATH not set, sign-in disabled")
		return identity.NewEmitter(), nil, nil
	}
	client, err := auth.InitializeFirebase(ctx, cfg.Firebase)
	if err != nil {
		return nil, nil, err
	}
	src := identity.NewFirebaseSource(client)
	return src, src, nil
}

// Run serves until ctx is cancelled, then shuts everything down. A bad
// refetch schedule fails Run before anything is started.
func (a *App) Run(ctx context.Context) error {
	if spec := a.cfg.Feed.RefetchCron; spec != "" {
		a.scheduler = livefeed.NewRefetchScheduler(a.hub, a.logger.With("component", "refetch_scheduler"))
		if err := a.scheduler.Start(spec); err != nil {
			a.scheduler = nil
			return fmt.Errorf("refetch schedule %q: %w", spec, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("session bridge: %w", err)
		}
		return nil
	})

	releases := a.openFeeds(ctx)

	g.Go(func() error {
		a.logger.Info("http server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := a.server.Shutdown(shutdownCtx)

		if a.scheduler != nil {
			a.scheduler.Stop()
		}
		for _, release := range releases {
			release()
		}
		return err
	})

	return g.Wait()
}

// openFeeds keeps one live feed per configured table for the life of the
// process, seeded from the database. A table that cannot be opened is
// logged and skipped; clients can still open it on demand.
func (a *App) openFeeds(ctx context.Context) []func() {
	var releases []func()
	for _, table := range a.cfg.Feed.Tables {
		_, release, err := a.hub.Subscribe(ctx, table, livefeed.Filter{})
		if err != nil {
			a.logger.Warn("live feed unavailable", "table", table, "error", err)
			continue
		}
		releases = append(releases, release)

		if err := a.hub.Refetch(ctx, table, livefeed.Filter{}); err != nil {
			a.logger.Warn("initial load failed", "table", table, "error", err)
		}
	}
	return releases
}

func (a *App) Close() {
	if a.hub != nil {
		a.hub.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.db.Close()
}
