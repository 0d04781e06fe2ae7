package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/research"
	"github.com/mohammad-safakhou/deepresearch/internal/store"
	"github.com/mohammad-safakhou/deepresearch/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the research workflow over HTTP: synchronous runs, SSE
// streaming, session retrieval and plan approval.
type Server struct {
	cfg     *config.Config
	logger  *log.Logger
	orch    *research.Orchestrator
	tel     *telemetry.Telemetry
	store   *store.Store
	cache   *store.Cache
	handler *ResearchHandler
}

// New wires the full dependency graph from configuration. Postgres and Redis
// are optional; without them sessions live only in memory.
func New(cfg *config.Config) (*Server, error) {
	logger := log.New(log.Writer(), "[SERVER] ", log.LstdFlags)

	rt, err := research.Build(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, logger: logger, orch: rt.Orchestrator, tel: rt.Telemetry}

	if dsn := cfg.Storage.Postgres.DSN(); dsn != "" {
		st, err := store.NewWithDSN(context.Background(), dsn)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		s.store = st
	}
	if cfg.Storage.Redis.Host != "" {
		cache, err := store.NewCache(cfg.Storage.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		s.cache = cache
	}

	s.handler = NewResearchHandler(rt.Orchestrator, s.store, s.cache, research.SessionConfigFromResearch(cfg.Research))
	return s, nil
}

// Run starts the HTTP listener and blocks until it exits.
func (s *Server) Run(addr string) error {
	e := s.buildEcho()
	s.logger.Printf("listening on %s", addr)
	return e.Start(addr)
}

func (s *Server) buildEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	httpLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
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
		httpLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", s.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.tel.Registry(), promhttp.HandlerOpts{})))

	api := e.Group("/api")
	if s.cfg.Server.JWTSecret != "" {
		api.Use(AuthMiddleware([]byte(s.cfg.Server.JWTSecret)))
	}
	s.handler.Register(api)
	return e
}

// health reports liveness and the models the configured providers expose.
func (s *Server) health(c echo.Context) error {
	seen := map[string]bool{}
	models := []string{}
	for _, p := range s.cfg.LLM.Providers {
		for name := range p.Models {
			if !seen[name] {
				seen[name] = true
				models = append(models, name)
			}
		}
	}
	sort.Strings(models)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"models_available": models,
	})
}
