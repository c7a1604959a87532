package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tether-project/tether/internal/config"
	"github.com/tether-project/tether/internal/network"
	"github.com/tether-project/tether/internal/peer"
	"github.com/tether-project/tether/internal/store"
	"github.com/tether-project/tether/internal/telemetry"
	"github.com/tether-project/tether/internal/transfer"
	"github.com/tether-project/tether/internal/util"
)

// SessionVerifier resolves the bearer token presented on the WebSocket route.
type SessionVerifier interface {
	VerifySessionToken(ctx context.Context, token string) (store.Verified, error)
}

// Deps are the runtime components the HTTP surface reads from.
type Deps struct {
	Runtime   *network.Runtime
	WebSocket *network.WebSocketServer
	Peers     *peer.Engine
	Transfers *transfer.Tracker
	Verifier  SessionVerifier
	Metrics   *telemetry.Metrics
	Version   string
}

// Server is the HTTP server hosting the WebSocket route and the admin API.
type Server struct {
	cfg    *config.Config
	deps   Deps
	logger zerolog.Logger

	limiter   *RateLimiter
	startedAt time.Time

	routerOnce sync.Once
	router     *gin.Engine

	mu         sync.Mutex
	httpServer *http.Server
	serveCtx   context.Context
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if cfg.GetLogging().Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    log.With().Str("component", "api").Logger(),
		limiter:   NewRateLimiter(cfg.GetSecurity().RateLimitRPS),
		startedAt: time.Now(),
		serveCtx:  context.Background(),
	}
}

// Handler returns the router, building it on first use.
func (s *Server) Handler() http.Handler {
	s.routerOnce.Do(func() {
		s.router = s.buildRouter()
	})
	return s.router
}

// Limiter exposes the per-IP limiter so the scheduler can prune it.
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}

// Start binds the HTTP port and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := s.cfg.GetServer()
	sec := s.cfg.GetSecurity()
	addr := net.JoinHostPort(srv.BindAddress, strconv.Itoa(srv.HTTPPort))

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if sec.TLSEnabled {
		if err := util.EnsureCertificate(sec.TLSCertFile, sec.TLSKeyFile, "localhost", srv.BindAddress); err != nil {
			return fmt.Errorf("failed to prepare TLS certificate: %w", err)
		}
		cert, err := tls.LoadX509KeyPair(sec.TLSCertFile, sec.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}

	lc := network.ReuseAddrListenConfig(0)
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.httpServer = httpServer
	s.serveCtx = ctx
	s.mu.Unlock()

	s.logger.Info().
		Str("addr", addr).
		Bool("tls", sec.TLSEnabled).
		Str("websocket_path", srv.WebSocketPath).
		Msg("HTTP server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	if httpServer.TLSConfig != nil {
		err = httpServer.Serve(tls.NewListener(ln, httpServer.TLSConfig))
	} else {
		err = httpServer.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop() error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()

	if httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

// lifetime is the context WebSocket connections run under: the serving
// context once Start has run, otherwise the background context.
func (s *Server) lifetime() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveCtx
}

func (s *Server) buildRouter() *gin.Engine {
	sec := s.cfg.GetSecurity()
	srv := s.cfg.GetServer()

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := sec.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(s.limiter.Middleware())

	router.GET(srv.WebSocketPath, s.handleWebSocket)

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
	}

	auth := NewAdminAuth(s.cfg)

	protected := router.Group("/api")
	protected.Use(IPWhitelist(sec.IPWhitelist))
	protected.Use(auth.RequireAdmin())

	monitor := protected.Group("/monitor")
	{
		monitor.GET("/stats", s.handleStats)
		monitor.GET("/sessions", s.handleSessions)
		monitor.GET("/peers/:deviceId", s.handlePeers)
		monitor.GET("/transfers", s.handleTransfers)
		monitor.GET("/system", s.handleSystem)
	}

	control := protected.Group("/control")
	{
		control.POST("/kick/:connId", s.handleKick)
	}

	configure := protected.Group("/configure")
	{
		configure.GET("/config", s.handleGetConfig)
		configure.POST("/log_level", s.handleSetLogLevel)
	}

	metrics := router.Group("/metrics")
	metrics.Use(IPWhitelist(sec.IPWhitelist))
	metrics.GET("", gin.WrapH(s.deps.Metrics.Handler()))

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return router
}
