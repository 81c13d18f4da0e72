package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/apsgrid/otaserver/api/routes"
	"github.com/apsgrid/otaserver/config"
	"github.com/apsgrid/otaserver/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"
)

// Server wraps the HTTP listener and its router
type Server struct {
	httpServer *http.Server
	logger     *logrus.Logger
}

// NewServer builds the router and binds it to the configured port
func NewServer(cfg *config.Config, h routes.Handlers, hub *ws.Hub, nrApp *newrelic.Application, logger *logrus.Logger) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Recovery())

	routes.Setup(router, h, hub, cfg, nrApp, logger)

	return &Server{
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: router,
		},
		logger: logger,
	}
}

// Run serves until the listener fails or Shutdown is called
func (s *Server) Run() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
