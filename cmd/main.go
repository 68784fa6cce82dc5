package main

import (
	"context"
	"fmt"
	"os"

	"github.com/kumarabd/gokit/logger"
	"github.com/kumarabd/ingestion-plane/redactor/internal/config"
	"github.com/kumarabd/ingestion-plane/redactor/internal/metrics"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/server"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/service"
)

// main is the entry point of the application
func main() {
	// Initialize a new logger with the application name and syslog format
	log, err := logger.New(config.ApplicationName, logger.Options{
		Format: logger.SyslogLogFormat,
	})
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	// Initialize a new configuration handler
	configHandler, err := config.New()
	if err != nil {
		log.Error().Err(err).Msg("")
		os.Exit(1)
	}

	// Initialize a new metrics handler with the application name
	metricsHandler, err := metrics.New(config.ApplicationName)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	// Build the destination store, redactor, publisher and pipeline
	serviceHandler, err := service.New(context.Background(), log, metricsHandler, configHandler.Service())
	if err != nil {
		log.Error().Err(err).Msg("service initialization failed")
		os.Exit(1)
	}
	log.Info().
		Str("destination", serviceHandler.GetStore().Name()).
		Str("group_suffix", configHandler.Redaction.GroupSuffix).
		Msg("service initialized")

	// Create the configured runtime
	srv, err := server.New(log, metricsHandler, configHandler.Server, serviceHandler.GetPipeline())
	if err != nil {
		log.Error().Err(err).Msg("server initialization failed")
		os.Exit(1)
	}
	log.Info().Str("runtime", string(configHandler.Server.Runtime)).Msg("server initialized")

	ch := make(chan struct{})
	srv.Start(ch)
	<-ch
	log.Info().Msg("server stopped")
}
