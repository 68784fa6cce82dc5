package config

import (
	"fmt"
	"time"

	config_pkg "github.com/kumarabd/gokit/config"
	"github.com/kumarabd/ingestion-plane/redactor/internal/metrics"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/logstore/cloudwatch"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/logstore/loki"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/pipeline"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/server"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/service"
)

var (
	ApplicationName    = "pii-redactor"
	ApplicationVersion = "dev"
)

type Config struct {
	Server      *server.Config             `json:"server,omitempty" yaml:"server,omitempty"`
	Redaction   *pipeline.Config           `json:"redaction" yaml:"redaction"`
	Destination *service.DestinationConfig `json:"destination" yaml:"destination"`
	Metrics     *metrics.Options           `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// New creates a new config instance
func New() (*Config, error) {
	// Create default config object
	configObject := &Config{
		Server: &server.Config{
			Runtime: server.RuntimeLambda,
			HTTP: &server.HTTPConfig{
				Host:         "0.0.0.0",
				Port:         "8080",
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  60 * time.Second,
				MaxBodyBytes: 10 << 20, // 10MB
			},
		},
		Redaction: &pipeline.Config{
			GroupSuffix: "-redacted",
		},
		Destination: &service.DestinationConfig{
			Backend:    service.BackendCloudWatch,
			CloudWatch: &cloudwatch.Config{},
			Loki: &loki.Config{
				Addr:           "http://localhost:3100",
				RequestTimeout: 5 * time.Second,
				Retry: loki.RetryConfig{
					Enabled:        true,
					InitialBackoff: 200 * time.Millisecond,
					MaxBackoff:     5 * time.Second,
					MaxAttempts:    5,
				},
			},
		},
		Metrics: &metrics.Options{},
	}

	// Load config using gokit config package
	finalConfig, err := config_pkg.New(configObject)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Safe type assertion
	if finalConfig == nil {
		return nil, fmt.Errorf("config is nil")
	}

	cfg, ok := finalConfig.(*Config)
	if !ok {
		return nil, fmt.Errorf("config type assertion failed: expected *Config, got %T", finalConfig)
	}

	return cfg, nil
}

// Service returns the slice of the config the service layer consumes
func (c *Config) Service() *service.Config {
	return &service.Config{
		Redaction:   c.Redaction,
		Destination: c.Destination,
	}
}
