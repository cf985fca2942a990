// Package server exposes the analyzer over HTTP with per-user scan metering.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/anatolykoptev/go-imagecheck"
	"github.com/anatolykoptev/go-imagecheck/internal/config"
	"github.com/anatolykoptev/go-imagecheck/internal/logger"
	"github.com/anatolykoptev/go-imagecheck/internal/usage"
)

// Version is reported by /health.
const Version = "2.1.0"

// Options configures a Server.
type Options struct {
	Config config.ServerConfig
	// Usage enables scan metering; nil means unlimited scans.
	Usage *usage.Store
	// Locator and Scorer name the face backends for /health.
	Locator string
	Scorer  string
	// Now replaces time.Now.
	Now func() time.Time
}

// Server is the HTTP front end.
type Server struct {
	engine   *gin.Engine
	analyzer atomic.Pointer[imagecheck.Analyzer]
	usage    *usage.Store
	cfg      config.ServerConfig
	schema   *jsonschema.Schema
	now      func() time.Time
	locator  string
	scorer   string
}

// New builds the router around a.
func New(a *imagecheck.Analyzer, opts Options) (*Server, error) {
	if a == nil {
		return nil, errors.New("server: analyzer is required")
	}
	s := &Server{
		usage:   opts.Usage,
		cfg:     opts.Config,
		now:     opts.Now,
		locator: nonEmpty(opts.Locator, "none"),
		scorer:  nonEmpty(opts.Scorer, "none"),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.cfg.MaxUploadMB <= 0 {
		s.cfg.MaxUploadMB = 15
	}
	if s.cfg.StrictResponses {
		sch, err := compilePredictSchema()
		if err != nil {
			return nil, err
		}
		s.schema = sch
	}
	s.analyzer.Store(a)
	s.engine = s.routes()
	return s, nil
}

// SetAnalyzer swaps the analyzer used by later requests.
func (s *Server) SetAnalyzer(a *imagecheck.Analyzer) {
	if a != nil {
		s.analyzer.Store(a)
	}
}

// Analyzer returns the current analyzer.
func (s *Server) Analyzer() *imagecheck.Analyzer { return s.analyzer.Load() }

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	server := gin.New()
	server.Use(gin.Recovery())
	server.Use(RequestLogger())
	server.Use(CORS(s.cfg.AllowOrigins))
	if s.cfg.RateLimit > 0 {
		server.Use(TokenBucketPerIP(s.cfg.RateLimit))
	}
	server.MaxMultipartMemory = int64(s.cfg.MaxUploadMB) << 20

	server.GET("/ping", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"message": "pong!"})
	})
	server.GET("/health", s.health)

	api := server.Group("/api")
	api.GET("/user/status", s.userStatus)

	server.POST("/predict", s.predict)
	server.POST("/predict/", s.predict)

	server.NoRoute(func(ctx *gin.Context) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "Endpoint not found"})
	})
	return server
}

// Run serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info(fmt.Sprintf("Server starting on %s", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	logger.Info("Server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func nonEmpty(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
