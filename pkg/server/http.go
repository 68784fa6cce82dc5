package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"github.com/kumarabd/gokit/logger"
	"github.com/kumarabd/ingestion-plane/redactor/internal/metrics"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/decode"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/pipeline"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/publisher"
)

// HTTPConfig contains configuration for the HTTP server
type HTTPConfig struct {
	Host         string        `json:"host" yaml:"host" default:"0.0.0.0"`
	Port         string        `json:"port" yaml:"port" default:"8080"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout" default:"30s"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" default:"30s"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout" default:"60s"`
	MaxBodyBytes int64         `json:"max_body_bytes" yaml:"max_body_bytes" default:"10485760"`
}

// HTTP serves subscription deliveries and OTLP logs over HTTP
type HTTP struct {
	handler   *gin.Engine
	pipeline  *pipeline.Pipeline
	log       *logger.Handler
	metric    *metrics.Handler
	config    *HTTPConfig
	server    *http.Server
	isRunning bool
	mu        sync.RWMutex
}

// NewHTTP creates a new HTTP server instance
func NewHTTP(config *HTTPConfig, p *pipeline.Pipeline, l *logger.Handler, m *metrics.Handler) *HTTP {
	gin.SetMode(gin.ReleaseMode)

	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 10 << 20
	}

	server := &HTTP{
		handler:  gin.New(),
		pipeline: p,
		log:      l,
		metric:   m,
		config:   config,
	}

	server.handler.Use(gin.Recovery())
	server.handler.Use(server.loggingMiddleware())
	server.handler.Use(server.metricsMiddleware())

	server.setupRoutes()

	return server
}

// Start starts the HTTP server
func (s *HTTP) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("HTTP server is already running")
	}

	addr := fmt.Sprintf("%s:%s", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	s.isRunning = true
	srv := s.server
	s.mu.Unlock()

	s.log.Info().Msgf("Starting HTTP server on %s", addr)

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server
func (s *HTTP) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning || s.server == nil {
		return nil
	}

	s.log.Info().Msg("Shutting down HTTP server...")
	if err := s.server.Shutdown(ctx); err != nil {
		s.log.Error().Err(err).Msg("Error during HTTP server shutdown")
		return err
	}

	s.isRunning = false
	s.log.Info().Msg("HTTP server stopped")
	return nil
}

// IsRunning returns true if the HTTP server is currently running
func (s *HTTP) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// GetHandler returns the gin engine for adding routes
func (s *HTTP) GetHandler() *gin.Engine {
	return s.handler
}

func (s *HTTP) setupRoutes() {
	// Subscription deliveries in the Lambda event shape
	s.handler.POST("/v1/subscription", s.subscriptionHandler)
	// OTLP/HTTP logs
	s.handler.POST("/v1/logs", s.otlpHandler)

	s.handler.GET("/healthz", s.healthHandler)
	s.handler.GET("/metrics", gin.WrapH(s.metric.HTTPHandler()))
}

// getBodyReader returns a size-limited reader for the request body, handling gzip
// decompression if needed
func (s *HTTP) getBodyReader(c *gin.Context) (io.ReadCloser, error) {
	r := c.Request
	if r.Body == nil {
		return io.NopCloser(strings.NewReader("")), nil
	}
	body := http.MaxBytesReader(c.Writer, r.Body, s.config.MaxBodyBytes)
	if strings.Contains(strings.ToLower(r.Header.Get("Content-Encoding")), "gzip") {
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, err
		}
		return gz, nil
	}
	return body, nil
}

// subscriptionHandler runs one delivery through the pipeline and maps the outcome to
// a status: 400 for undecodable input, 502 when the destination fails.
func (s *HTTP) subscriptionHandler(c *gin.Context) {
	reader, err := s.getBodyReader(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	defer reader.Close()

	var event events.CloudwatchLogsEvent
	if err := decodeJSON(reader, &event); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid subscription event"})
		return
	}

	outcome, err := s.pipeline.Process(c.Request.Context(), event.AWSLogs.Data)
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{
			"error": err.Error(),
			"stage": outcome.Stage.String(),
		})
		return
	}

	c.JSON(http.StatusOK, outcomeBody(outcome))
}

// healthHandler handles health check endpoint
func (s *HTTP) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// loggingMiddleware adds request logging
func (s *HTTP) loggingMiddleware() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		s.log.Info().
			Str("method", param.Method).
			Str("path", param.Path).
			Int("status", param.StatusCode).
			Dur("latency", param.Latency).
			Str("client_ip", param.ClientIP).
			Str("user_agent", param.Request.UserAgent()).
			Msg("HTTP Request")
		return ""
	})
}

// metricsMiddleware counts requests per route and status
func (s *HTTP) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		s.metric.IncRequestsReceived(path, c.Writer.Status())
	}
}

func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}

// statusFor maps a pipeline error to an HTTP status
func statusFor(err error) int {
	var (
		decodeErr  *decode.Error
		createErr  *publisher.CreateError
		publishErr *publisher.PublishError
	)
	switch {
	case errors.As(err, &decodeErr):
		return http.StatusBadRequest
	case errors.As(err, &createErr), errors.As(err, &publishErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func outcomeBody(outcome pipeline.Outcome) gin.H {
	body := gin.H{
		"status":   "ok",
		"records":  outcome.Records,
		"redacted": outcome.Redacted,
	}
	if outcome.Control {
		body["control"] = true
	} else {
		body["destination"] = outcome.Destination
	}
	return body
}
