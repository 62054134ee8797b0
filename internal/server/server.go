package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/canarai/canaryd/config"
	"github.com/canarai/canaryd/internal/alerting"
	"github.com/canarai/canaryd/internal/escalation"
	"github.com/canarai/canaryd/internal/feed"
	"github.com/canarai/canaryd/internal/queue/streams"
	"github.com/canarai/canaryd/internal/ratelimit"
	"github.com/canarai/canaryd/internal/store"
	"github.com/canarai/canaryd/internal/worker"
)

// Run wires the full HTTP surface and blocks serving requests.
func Run(cfg *config.Config) error {
	e := newEcho()

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()
	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		log.Printf("[SERVER] migrate: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	registry := streams.NewSchemaRegistry()
	if err := streams.RegisterBaseSchemas(registry); err != nil {
		return fmt.Errorf("register stream schemas: %w", err)
	}
	if err := streams.EnsureGroup(ctx, rdb, streams.AlertStream, streams.AlertGroup); err != nil {
		return fmt.Errorf("ensure alert group: %w", err)
	}
	notifier := worker.NewEnqueuer(streams.NewPublisher(rdb, registry), streams.AlertStream)

	composer := escalation.NewComposer(st)
	dispatcher := alerting.NewDispatcher(st, cfg.Webhooks.Timeout, cfg.Webhooks.MaxRetries)
	feedSvc := feed.New(st, cfg.Feed.Staleness, cfg.Feed.MinVisits, cfg.Feed.MinSites)

	v1 := e.Group("/v1")
	(&ConfigHandler{Store: st, Composer: composer, PublicURL: cfg.Server.PublicURL}).Register(v1.Group("/config"))
	(&IngestHandler{Store: st, Notifier: notifier, IPHashSecret: cfg.Detection.IPHashSecret}).Register(v1)
	(&FeedHandler{Feed: feedSvc, Limiter: ratelimit.New(cfg.Feed.RatePerMinute, time.Minute)}).Register(v1.Group("/feed"))
	(&AdminHandler{Store: st}).Register(v1.Group("/admin"))

	sh := &SitesHandler{Store: st}
	sites := v1.Group("/sites")
	sh.Register(sites)
	(&WebhooksHandler{Store: st, Dispatcher: dispatcher}).Register(sites)
	(&ProvidersHandler{Store: st, Limiter: ratelimit.New(cfg.Providers.RatePerHour, time.Hour)}).Register(v1.Group("/providers"))

	return e.Start(cfg.Server.Address)
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))
	return e
}

// verifySite resolves a site by its public key and rejects unknown or
// deactivated sites the way every script-facing endpoint must.
func verifySite(ctx context.Context, st *store.Store, siteKey string) (store.Site, error) {
	site, found, err := st.GetSiteByKey(ctx, siteKey)
	if err != nil {
		return store.Site{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return store.Site{}, echo.NewHTTPError(http.StatusNotFound, "site not found")
	}
	if !site.IsActive {
		return store.Site{}, echo.NewHTTPError(http.StatusForbidden, "site disabled")
	}
	return site, nil
}
