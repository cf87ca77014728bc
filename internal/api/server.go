// Package api provides the HTTP surface of the proxy: the messages reverse
// proxy endpoint, liveness, metrics and the recent-log feed consumed by the
// external dashboard.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/steersman-proxy/steersman/internal/api/middleware"
	"github.com/steersman-proxy/steersman/internal/config"
	"github.com/steersman-proxy/steersman/internal/logging"
	"github.com/steersman-proxy/steersman/internal/preprocess"
	"github.com/steersman-proxy/steersman/internal/session"
)

// Server is the proxy HTTP server.
type Server struct {
	mu  sync.RWMutex
	cfg *config.Config

	engine     *gin.Engine
	httpServer *http.Server

	pre      *preprocess.Preprocessor
	sessions *session.Manager
	logs     *logging.RingBuffer

	// upstream carries no client-level timeout: streamed responses outlive
	// any fixed deadline. The configured request timeout bounds the wait
	// for upstream response headers instead.
	upstream *http.Client
}

// NewServer wires routes and middleware. logs may be nil; /logs/recent then
// serves an empty list.
func NewServer(cfg *config.Config, pre *preprocess.Preprocessor, sessions *session.Manager, logs *logging.RingBuffer) *Server {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	middleware.SetMetricsEnabled(cfg.IsMetricsEnabled())
	if cfg.IsMetricsEnabled() {
		middleware.RegisterMetrics()
	}

	engine := gin.New()
	engine.Use(
		logging.GinLogrusRecovery(),
		logging.GinLogrusLogger(),
		middleware.RequestDecompressionMiddleware(),
		middleware.PrometheusMiddleware(),
	)

	s := &Server{
		cfg:      cfg,
		engine:   engine,
		pre:      pre,
		sessions: sessions,
		logs:     logs,
		upstream: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   32,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: cfg.GetRequestTimeout(),
			},
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.POST("/v1/messages", s.handleMessages)
	s.engine.POST("/messages", s.handleMessages)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", middleware.MetricsHandler())
	s.engine.GET("/logs/recent", s.handleRecentLogs)

	control := s.engine.Group("/control")
	control.POST("/clear", s.handleScheduleClear)
	control.GET("/sessions/:id", s.handleGetSession)
	control.POST("/sessions/:id", s.handleUpdateSession)
}

// Start runs the HTTP server until Stop is called.
func (s *Server) Start() error {
	cfg := s.getConfig()
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.WithField("addr", cfg.ListenAddr()).Info("proxy listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// UpdateConfig swaps the active configuration on hot reload. Listen address
// changes require a restart and are logged, not applied.
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	middleware.SetMetricsEnabled(cfg.IsMetricsEnabled())
	if cfg.IsMetricsEnabled() {
		middleware.RegisterMetrics()
	}

	if old.ListenAddr() != cfg.ListenAddr() {
		log.WithFields(log.Fields{"old": old.ListenAddr(), "new": cfg.ListenAddr()}).
			Warn("listen address change requires restart")
	}
	log.Info("configuration reloaded")
}

func (s *Server) getConfig() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Server) handleHealth(c *gin.Context) {
	logging.SkipGinRequestLogging(c)
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"sessions":    s.sessions.Len(),
		"connections": middleware.GetActiveConnections(),
	})
}

// handleRecentLogs feeds the external dashboard a snapshot of recent log
// entries, oldest first.
func (s *Server) handleRecentLogs(c *gin.Context) {
	logging.SkipGinRequestLogging(c)
	if s.logs == nil {
		c.JSON(http.StatusOK, gin.H{"entries": []logging.LogEntry{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": s.logs.Snapshot()})
}
