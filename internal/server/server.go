package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	appconfig "github.com/quorum-ai/quorum/config"
	"github.com/quorum-ai/quorum/internal/delivery"
	"github.com/quorum-ai/quorum/internal/dispatch"
)

// Server exposes the orchestrator over HTTP: query submission, cancellation,
// result retrieval, partial-result streaming, and operational endpoints.
type Server struct {
	echo    *echo.Echo
	logger  *log.Logger
	manager *appconfig.Manager
	sched   *dispatch.Scheduler
	gateway *delivery.Gateway
}

// New wires the HTTP layer over an already-built scheduler and gateway.
func New(logger *log.Logger, manager *appconfig.Manager, sched *dispatch.Scheduler, gateway *delivery.Gateway) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
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
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	s := &Server{echo: e, logger: logger, manager: manager, sched: sched, gateway: gateway}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	if secret := manager.Snapshot().Server.JWTSecret; secret != "" {
		api.Use(authMiddleware([]byte(secret)))
	}

	qh := &QueriesHandler{logger: logger, manager: manager, sched: sched, gateway: gateway}
	qh.Register(api.Group("/queries"))

	oh := &OpsHandler{manager: manager, sched: sched}
	oh.Register(api.Group("/ops"))

	return s
}

// Start blocks serving HTTP on addr, or on the configured address when empty.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = s.manager.Snapshot().Server.Address
		if addr == "" {
			addr = ":8080"
		}
	}
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	s.logger.Printf("listening on %s", addr)
	return s.echo.Start(addr)
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying mux, used by tests.
func (s *Server) Handler() http.Handler { return s.echo }
