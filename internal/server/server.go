// Package server exposes the supervisor over a small HTTP API: session
// CRUD, keystroke injection, SSE terminal streams, and the hook-event
// callback used by managed children.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/claudeman/internal/config"
	"github.com/zjrosen/claudeman/internal/log"
	"github.com/zjrosen/claudeman/internal/screen"
	"github.com/zjrosen/claudeman/internal/session"
	"github.com/zjrosen/claudeman/internal/stream"
	"github.com/zjrosen/claudeman/internal/tracing"
)

// Server owns the gin engine and the HTTP listener.
type Server struct {
	cfg     config.Config
	sup     *session.Supervisor
	screens screen.Manager
	streams *stream.Dispatcher
	tracer  trace.Tracer

	router *gin.Engine
	http   *http.Server

	// shutdownCtx is cancelled when the server stops; SSE handlers listen
	// to it so they can close before the listener does.
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

// New builds the server and its routes.
func New(cfg config.Config, sup *session.Supervisor, screens screen.Manager, streams *stream.Dispatcher, provider *tracing.Provider) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:            cfg,
		sup:            sup,
		screens:        screens,
		streams:        streams,
		tracer:         provider.Tracer(),
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(s.requestLogger())
	s.router.Use(s.traceRequests())
	_ = s.router.SetTrustedProxies(nil)

	api := s.router.Group("/api")
	api.GET("/health", s.handleHealth)

	api.GET("/sessions", s.handleListSessions)
	api.POST("/sessions", s.handleCreateSession)
	api.GET("/sessions/:id", s.handleGetSession)
	api.DELETE("/sessions/:id", s.handleKillSession)
	api.PATCH("/sessions/:id", s.handleUpdateSession)
	api.POST("/sessions/:id/keys", s.handleSendKeys)
	api.PUT("/sessions/:id/respawn", s.handleRespawnConfig)
	api.PUT("/sessions/:id/tracker", s.handleTrackerEnable)
	api.GET("/sessions/:id/tracker", s.handleTrackerState)
	api.GET("/sessions/:id/progress", s.handleProgress)
	api.GET("/sessions/:id/stream", s.handleSessionStream)

	api.GET("/events", s.handleEventStream)
	api.POST("/hook-event", s.handleHookEvent)
}

// Router exposes the engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info(log.CatServer, "http server starting", "addr", s.cfg.ListenAddr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown signals SSE handlers, then drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownCancel()
	// Give streaming handlers a beat to unwind before the listener closes
	// their connections out from under them.
	time.Sleep(100 * time.Millisecond)
	if s.http != nil {
		return s.http.Shutdown(ctx)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug(log.CatServer, "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String())
	}
}

func (s *Server) traceRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := s.tracer.Start(c.Request.Context(), c.Request.Method+" "+c.FullPath(),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.target", c.Request.URL.Path),
			),
		)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
		span.End()
	}
}
