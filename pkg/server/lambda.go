package server

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/kumarabd/gokit/logger"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/pipeline"
)

// Lambda receives subscription deliveries as Lambda invocations
type Lambda struct {
	pipeline *pipeline.Pipeline
	log      *logger.Handler
}

// NewLambda creates a Lambda runtime
func NewLambda(p *pipeline.Pipeline, l *logger.Handler) *Lambda {
	return &Lambda{
		pipeline: p,
		log:      l,
	}
}

// Handle processes one delivery. The pipeline error is returned as is so the
// platform's retry policy applies to the invocation.
func (s *Lambda) Handle(ctx context.Context, event events.CloudwatchLogsEvent) error {
	_, err := s.pipeline.Process(ctx, event.AWSLogs.Data)
	return err
}

// Start hands control to the Lambda runtime. It does not return while the runtime
// is serving.
func (s *Lambda) Start() error {
	s.log.Info().Msg("Starting Lambda runtime")
	lambda.Start(s.Handle)
	return nil
}
