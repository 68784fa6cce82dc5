package server

import (
	"fmt"

	"github.com/kumarabd/gokit/logger"
	"github.com/kumarabd/ingestion-plane/redactor/internal/metrics"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/pipeline"
)

// Runtime selects how deliveries reach the pipeline
type Runtime string

const (
	RuntimeLambda Runtime = "lambda"
	RuntimeHTTP   Runtime = "http"
)

// Config contains configuration for all runtimes
type Config struct {
	Runtime Runtime     `json:"runtime" yaml:"runtime" default:"lambda"`
	HTTP    *HTTPConfig `json:"http" yaml:"http"`
}

// Handler holds the configured runtime
type Handler struct {
	HTTP   *HTTP
	Lambda *Lambda
	config *Config
	log    *logger.Handler
}

// New creates the runtime named by serverConfig.Runtime
func New(l *logger.Handler, m *metrics.Handler, serverConfig *Config, p *pipeline.Pipeline) (*Handler, error) {
	h := &Handler{
		config: serverConfig,
		log:    l,
	}

	switch serverConfig.Runtime {
	case RuntimeLambda, "":
		h.Lambda = NewLambda(p, l)
	case RuntimeHTTP:
		if serverConfig.HTTP == nil {
			return nil, fmt.Errorf("http runtime selected without http config")
		}
		h.HTTP = NewHTTP(serverConfig.HTTP, p, l, m)
	default:
		return nil, fmt.Errorf("unknown runtime %q", serverConfig.Runtime)
	}

	return h, nil
}

// Start starts the runtime and signals ch when it exits
func (h *Handler) Start(ch chan struct{}) {
	if h.HTTP != nil {
		go func() {
			if err := h.HTTP.Start(); err != nil {
				h.log.Error().Err(err).Msg("HTTP server failed")
			}
			ch <- struct{}{}
		}()
	}

	if h.Lambda != nil {
		go func() {
			if err := h.Lambda.Start(); err != nil {
				h.log.Error().Err(err).Msg("Lambda runtime failed")
			}
			ch <- struct{}{}
		}()
	}
}
