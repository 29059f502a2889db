// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the Harbor graph, row table, gate, and apply
// controller over HTTP.
//
// The server is a thin shell: every endpoint delegates to a service
// the caller constructed and injected through Handlers. Reads resolve
// against graph snapshots, writes are the row table's own operations,
// and GET /v1/events streams the process bus over a websocket. Health
// and Prometheus metrics sit on the engine root so load balancers and
// scrapers need no /v1 prefix.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/telemetry"
)

// serviceName tags otelgin spans for this server.
const serviceName = "harbor-api"

// Config holds server settings.
type Config struct {
	// Addr is the listen address. Default: :8787.
	Addr string

	// ReadTimeout bounds request header and body reads. Default: 10s.
	ReadTimeout time.Duration

	// WriteTimeout bounds response writes. Hijacked websocket
	// connections manage their own deadlines. Default: 30s.
	WriteTimeout time.Duration

	// ShutdownTimeout bounds graceful drain. Default: 10s.
	ShutdownTimeout time.Duration

	// Debug switches Gin into debug mode with request logging.
	Debug bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8787",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
}

// Server is the Harbor HTTP server.
//
// # Thread Safety
//
// Run blocks and is called once. Shutdown may be called from any
// goroutine.
type Server struct {
	cfg    Config
	engine *gin.Engine
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds the router and wraps it in an http.Server.
//
// Inputs:
//
//	handlers - The endpoint handlers, already wired to services
//	cfg - Server settings; zero values take defaults
//	logger - Destination for server logs; nil uses slog.Default()
//
// Outputs:
//
//	*Server - Ready to Run
//	error - Nil handlers
func NewServer(handlers *Handlers, cfg Config, logger *slog.Logger) (*Server, error) {
	if handlers == nil {
		return nil, errors.New("api: handlers are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware(serviceName))
	if cfg.Debug {
		engine.Use(gin.Logger())
	}

	v1 := engine.Group("/v1")
	RegisterRoutes(v1, handlers)

	engine.GET("/healthz", handlers.HandleHealth)

	// Resolved per request: the prometheus handler only exists after
	// telemetry.Init has run.
	engine.GET("/metrics", func(c *gin.Context) {
		mh := telemetry.MetricsHandler()
		if mh == nil {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{
				Error: "Metrics require telemetry initialization",
				Code:  "METRICS_NOT_CONFIGURED",
			})
			return
		}
		mh.ServeHTTP(c.Writer, c.Request)
	})

	return &Server{
		cfg:    cfg,
		engine: engine,
		srv: &http.Server{
			Addr:         cfg.Addr,
			Handler:      engine,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		logger: logger,
	}, nil
}

// Engine returns the underlying router, mainly for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Run serves until the context is cancelled or the listener fails,
// then drains within the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", slog.String("addr", s.cfg.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("api server draining")
	return s.Shutdown(context.Background())
}

// Shutdown drains in-flight requests within the shutdown timeout.
// Live websocket streams are closed by their own handlers once the
// listener stops accepting.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
