package server

import (
	"context"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/studiora/mentorcore/internal/cache"
)

// Run starts the operational HTTP surface: liveness, cache readiness and
// Prometheus metrics. Chat and ingestion routes belong to the API layer
// upstream, not here.
func Run(addr string, cacheMgr *cache.Manager, logger *log.Logger) error {
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	registry := prometheus.NewRegistry()
	mp, err := SetupMetrics(registry)
	if err != nil {
		return err
	}
	defer func() { _ = mp.Shutdown(context.Background()) }()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/readyz", func(c echo.Context) error {
		if cacheMgr.IsReady(c.Request().Context()) {
			return c.String(http.StatusOK, "ready")
		}
		return c.String(http.StatusServiceUnavailable, "cache not ready")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	logger.Printf("listening on %s", addr)
	return e.Start(addr)
}
