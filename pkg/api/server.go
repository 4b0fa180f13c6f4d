// Package api provides the admin HTTP API served next to a hub
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/ZaycevNet/ws-rpc-e2e/pkg/metrics"
	"github.com/ZaycevNet/ws-rpc-e2e/pkg/network"
	"github.com/ZaycevNet/ws-rpc-e2e/pkg/storage"
)

// Hub is the part of network.Hub the admin API needs
type Hub interface {
	ID() string
	Operations() []string
	SessionCount() int
	Sessions() []network.SessionInfo
	Uptime() time.Duration
	SendTo(identity, name string, payload any) error
	Broadcast(name string, payload any) (int, error)
}

// SessionHistory is the audit log queried by the history routes
type SessionHistory interface {
	Recent(limit int) ([]*storage.SessionRecord, error)
	History(identity string) ([]*storage.SessionRecord, error)
}

// Server is the admin HTTP API
type Server struct {
	hub     Hub
	history SessionHistory
	metrics *metrics.Metrics
	logger  zerolog.Logger

	router     *gin.Engine
	limiter    *RateLimiter
	listen     string
	httpServer *http.Server
}

// Config holds server configuration
type Config struct {
	Listen       string
	CORSOrigins  []string
	RateLimit    int // Requests per minute per IP, 0 disables limiting
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Listen:       "127.0.0.1:8001",
		CORSOrigins:  []string{"*"},
		RateLimit:    100,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewServer creates the admin API for hub. history and m may be nil;
// the history routes then answer 503 and /metrics is not mounted.
func NewServer(hub Hub, history SessionHistory, m *metrics.Metrics, config *Config, logger zerolog.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	gin.SetMode(gin.ReleaseMode)

	server := &Server{
		hub:     hub,
		history: history,
		metrics: m,
		logger:  logger,
		router:  gin.New(),
		listen:  config.Listen,
	}
	server.httpServer = &http.Server{
		Addr:         config.Listen,
		Handler:      server.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	server.setupMiddleware(config)
	server.setupRoutes()

	return server
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(config *Config) {
	if len(config.CORSOrigins) > 0 {
		s.router.Use(CORSMiddleware(config.CORSOrigins))
	}

	if config.RateLimit > 0 {
		s.limiter = NewRateLimiter(config.RateLimit)
		s.router.Use(RateLimitMiddleware(s.limiter))
	}

	s.router.Use(LoggingMiddleware(s.logger, s.metrics))

	// Error recovery
	s.router.Use(gin.Recovery())
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/hub/info", s.handleHubInfo)
		v1.POST("/broadcast", s.handleBroadcast)

		sessions := v1.Group("/sessions")
		{
			sessions.GET("", s.handleSessions)
			sessions.GET("/history", s.handleRecentHistory)
			sessions.GET("/:id/history", s.handleSessionHistory)
			sessions.POST("/:id/send", s.handleSend)
		}
	}

	// Health check endpoint (outside versioning)
	s.router.GET("/health", s.handleHealth)

	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
}

// Handler returns the router, mainly for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.listen).Msg("admin API listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			s.closeLimiter()
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down admin API")
	return s.Stop()
}

// Stop stops the HTTP server
func (s *Server) Stop() error {
	defer s.closeLimiter()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) closeLimiter() {
	if s.limiter != nil {
		s.limiter.Close()
	}
}
