package api

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/basekick-labs/arcplay/internal/logger"
	"github.com/basekick-labs/arcplay/internal/metrics"
	"github.com/basekick-labs/arcplay/internal/playback"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Server exposes one loaded file over HTTP.
type Server struct {
	app     *fiber.App
	logger  zerolog.Logger
	cfg     *ServerConfig
	metrics *metrics.Metrics

	// mu serializes every use of the loader and its iterators.
	mu      sync.Mutex
	loader  *playback.Loader
	cursors *cursorTable
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// MessageLimit caps the messages one request may return.
	MessageLimit int
	// MaxCursors bounds open iterators; the least recently used is closed
	// when a new one would exceed it.
	MaxCursors int
	// CursorIdle closes cursors not used for this long.
	CursorIdle time.Duration

	EnableMetrics bool
}

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            8090,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    300 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		MessageLimit:    10000,
		MaxCursors:      64,
		CursorIdle:      10 * time.Minute,
		EnableMetrics:   true,
	}
}

// NewServer creates a Fiber app serving loader.
func NewServer(cfg *ServerConfig, loader *playback.Loader, m *metrics.Metrics, logger zerolog.Logger) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if m == nil {
		m = metrics.Get()
	}
	log := logger.With().Str("component", "api-server").Logger()

	app := fiber.New(fiber.Config{
		AppName:               "arcplay",
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		IdleTimeout:           cfg.IdleTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(log),
	})

	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  "*",
		AllowMethods:  "GET,DELETE,OPTIONS",
		ExposeHeaders: cursorHeader,
	}))
	app.Use(securityHeaders())
	app.Use(requestLogger(log, m))

	s := &Server{
		app:     app,
		logger:  log,
		cfg:     cfg,
		metrics: m,
		loader:  loader,
		cursors: newCursorTable(cfg.MaxCursors, cfg.CursorIdle, log),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/ready", s.readyHandler)
	if s.cfg.EnableMetrics {
		s.app.Get("/metrics", s.prometheusHandler())
	}

	v1 := s.app.Group("/api/v1")
	v1.Get("/channels", s.channelsHandler)
	v1.Get("/time-range", s.timeRangeHandler)
	v1.Get("/diagnostics", s.diagnosticsHandler)
	v1.Get("/messages", s.messagesHandler)
	v1.Delete("/cursors/:id", s.closeCursorHandler)
	v1.Get("/backfill", s.backfillHandler)
	v1.Get("/metrics", s.apiMetricsHandler)
	v1.Get("/logs", s.logsHandler)
}

var startTime = time.Now()

func (s *Server) healthHandler(c *fiber.Ctx) error {
	uptime := time.Since(startTime)
	return c.JSON(fiber.Map{
		"status":     "ok",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime":     uptime.String(),
		"uptime_sec": uptime.Seconds(),
	})
}

// readyHandler reports ready once a file is loaded.
func (s *Server) readyHandler(c *fiber.Ctx) error {
	if s.loader == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not ready"})
	}
	return c.JSON(fiber.Map{
		"status":     "ready",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime_sec": time.Since(startTime).Seconds(),
	})
}

func (s *Server) prometheusHandler() fiber.Handler {
	h := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	return func(c *fiber.Ctx) error {
		h(c.Context())
		return nil
	}
}

func (s *Server) apiMetricsHandler(c *fiber.Ctx) error {
	snapshot := s.metrics.Snapshot()
	s.mu.Lock()
	open := s.cursors.Len()
	s.mu.Unlock()
	return c.JSON(fiber.Map{
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"metrics":      snapshot,
		"open_cursors": open,
	})
}

// logsHandler returns recent application logs
func (s *Server) logsHandler(c *fiber.Ctx) error {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	level := c.Query("level")
	entries := logger.GetBuffer().Recent(limit, level)

	return c.JSON(fiber.Map{
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"count":        len(entries),
		"limit":        limit,
		"level_filter": level,
		"logs":         entries,
	})
}

// Listen serves until Shutdown is called.
func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info().Str("addr", addr).Msg("Starting arcplay HTTP server")
	return s.app.Listen(addr)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down server gracefully...")
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info().Msg("Server stopped")
	return nil
}

// CloseCursors releases every open iterator.
func (s *Server) CloseCursors() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors.CloseAll()
	return nil
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// customErrorHandler handles Fiber errors
func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}
		if code >= 500 {
			logger.Error().
				Err(err).
				Int("status", code).
				Str("method", c.Method()).
				Str("path", c.Path()).
				Msg("Request error")
		}
		return c.Status(code).JSON(ErrorResponse{Error: err.Error()})
	}
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

func securityHeaders() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		return c.Next()
	}
}

// requestLogger logs failed requests and collects metrics for all of them.
func requestLogger(logger zerolog.Logger, m *metrics.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		duration := time.Since(start)
		status := c.Response().StatusCode()
		if err != nil {
			if e, ok := err.(*fiber.Error); ok {
				status = e.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		m.RecordHTTP(duration.Microseconds(), status >= 400)

		if status >= 400 {
			ev := logger.Warn()
			if status >= 500 {
				ev = logger.Error()
			}
			ev.Str("method", c.Method()).
				Str("path", c.Path()).
				Int("status", status).
				Dur("duration", duration).
				Str("ip", c.IP()).
				Msg("HTTP request error")
		}
		return err
	}
}
