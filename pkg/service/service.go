package service

import (
	"context"
	"fmt"

	"github.com/kumarabd/gokit/logger"
	"github.com/kumarabd/ingestion-plane/redactor/internal/metrics"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/logstore"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/logstore/cloudwatch"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/logstore/loki"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/logstore/memory"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/pipeline"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/publisher"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/redact"
)

// Destination backends
const (
	BackendCloudWatch = "cloudwatch"
	BackendLoki       = "loki"
	BackendMemory     = "memory"
)

// DestinationConfig selects and configures the log store redacted batches go to
type DestinationConfig struct {
	Backend    string             `json:"backend" yaml:"backend" default:"cloudwatch"`
	CloudWatch *cloudwatch.Config `json:"cloudwatch" yaml:"cloudwatch"`
	Loki       *loki.Config       `json:"loki" yaml:"loki"`
}

type Config struct {
	Redaction   *pipeline.Config   `json:"redaction" yaml:"redaction"`
	Destination *DestinationConfig `json:"destination" yaml:"destination"`
}

// Handler owns the components behind every runtime
type Handler struct {
	log       *logger.Handler
	config    *Config
	metric    *metrics.Handler
	store     logstore.Store
	redactor  *redact.Redactor
	publisher *publisher.Publisher
	pipeline  *pipeline.Pipeline
}

func New(ctx context.Context, l *logger.Handler, m *metrics.Handler, sConfig *Config) (*Handler, error) {
	if sConfig == nil || sConfig.Destination == nil {
		return nil, fmt.Errorf("destination config is required")
	}

	store, err := NewStore(ctx, sConfig.Destination, l, m)
	if err != nil {
		return nil, err
	}

	redactor := redact.NewDefault()
	pub := publisher.New(store, l, m)

	return &Handler{
		log:       l,
		config:    sConfig,
		metric:    m,
		store:     store,
		redactor:  redactor,
		publisher: pub,
		pipeline:  pipeline.New(sConfig.Redaction, redactor, pub, l, m),
	}, nil
}

// NewStore builds the configured destination backend
func NewStore(ctx context.Context, cfg *DestinationConfig, l *logger.Handler, m *metrics.Handler) (logstore.Store, error) {
	switch cfg.Backend {
	case BackendCloudWatch, "":
		return cloudwatch.New(ctx, cfg.CloudWatch, l, m)
	case BackendLoki:
		if cfg.Loki == nil {
			return nil, fmt.Errorf("loki backend selected without loki config")
		}
		return loki.New(cfg.Loki, l, m), nil
	case BackendMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown destination backend %q", cfg.Backend)
	}
}

// GetPipeline returns the pipeline
func (h *Handler) GetPipeline() *pipeline.Pipeline {
	return h.pipeline
}

// GetStore returns the destination store
func (h *Handler) GetStore() logstore.Store {
	return h.store
}
