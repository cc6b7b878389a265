// Package admin exposes the worker's health and metrics over HTTP,
// beside (never on) the FastCGI transport.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/driftbyte/fcgid/internal/auth"
	"github.com/driftbyte/fcgid/internal/observability"
)

// Stats is the live-state view the worker exposes.
type Stats interface {
	ActiveConns() int
	ActiveRequests() int
}

// Server is the admin HTTP endpoint.
type Server struct {
	id      string
	stats   Stats
	started time.Time
	router  *gin.Engine
	http    *http.Server
}

// New builds the admin surface. A non-empty token puts every endpoint
// except /health and /ready behind bearer auth.
func New(id, addr string, stats Stats, corsOrigins []string, token string, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	observability.RegisterMetrics()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		id:      id,
		stats:   stats,
		started: time.Now(),
		router:  r,
		http:    &http.Server{Addr: addr, Handler: r},
	}
	var validator auth.Validator
	if token != "" {
		validator = auth.StaticToken{Token: token}
	}
	s.registerRoutes(validator)
	return s
}

// requireToken rejects requests whose bearer token fails validation.
func requireToken(validator auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := auth.FromHeader(c.GetHeader("Authorization"))
		if !ok || validator.Validate(token) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// Router returns the underlying gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes(validator auth.Validator) {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.started).String(),
			"worker": s.id,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"uptime": time.Since(s.started).String(),
			"worker": s.id,
		})
	})

	guarded := s.router.Group("/")
	if validator != nil {
		guarded.Use(requireToken(validator))
	}

	guarded.GET("/metrics", gin.WrapH(promhttp.Handler()))

	guarded.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"worker":          s.id,
			"connections":     s.stats.ActiveConns(),
			"requests_active": s.stats.ActiveRequests(),
		})
	})
}

// Start serves in the background until Stop.
func (s *Server) Start(logger zerolog.Logger) {
	go func() {
		logger.Info().Str("addr", s.http.Addr).Msg("admin server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("admin server failed")
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
