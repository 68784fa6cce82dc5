// Package cloudwatch stores redacted records in CloudWatch Logs.
package cloudwatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/kumarabd/gokit/logger"
	"github.com/kumarabd/ingestion-plane/redactor/internal/metrics"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/logstore"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/logtypes"
)

const (
	backendName = "cloudwatch"

	// PutLogEvents limits per call
	maxEventsPerCall = 10000
	maxBytesPerCall  = 1048576
	eventOverhead    = 26
)

// Config contains configuration for the CloudWatch backend
type Config struct {
	// Region overrides the region resolved by the SDK default chain
	Region string `json:"region" yaml:"region"`
}

// Client is the subset of the CloudWatch Logs API the store uses
type Client interface {
	CreateLogStream(ctx context.Context, params *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// Store writes to CloudWatch Logs through Client
type Store struct {
	client Client
	log    *logger.Handler
	metric *metrics.Handler
}

// New creates a store from the SDK default credential and region chain
func New(ctx context.Context, cfg *Config, log *logger.Handler, metric *metrics.Handler) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg != nil && cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return NewWithClient(cloudwatchlogs.NewFromConfig(awsCfg), log, metric), nil
}

// NewWithClient creates a store over an existing client
func NewWithClient(client Client, log *logger.Handler, metric *metrics.Handler) *Store {
	return &Store{
		client: client,
		log:    log,
		metric: metric,
	}
}

// Name returns the backend name
func (s *Store) Name() string {
	return backendName
}

// CreateStream creates the log stream. The service's already-exists fault maps to
// StreamAlreadyExists.
func (s *Store) CreateStream(ctx context.Context, group, stream string) (logstore.CreateOutcome, error) {
	start := time.Now()
	_, err := s.client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(group),
		LogStreamName: aws.String(stream),
	})

	var exists *types.ResourceAlreadyExistsException
	switch {
	case err == nil:
		s.observe("created", start)
		return logstore.StreamCreated, nil
	case errors.As(err, &exists):
		s.observe("already_exists", start)
		return logstore.StreamAlreadyExists, nil
	default:
		s.observe("error", start)
		return logstore.StreamCreated, fmt.Errorf("create log stream: %w", err)
	}
}

// PartialWriteError is returned when a batch split across several calls fails after
// some of its calls succeeded. The first Written records are already stored.
type PartialWriteError struct {
	Written int
	Total   int
	Err     error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("%d of %d records written: %v", e.Written, e.Total, e.Err)
}

func (e *PartialWriteError) Unwrap() error { return e.Err }

// PutRecords sends records as log events, split across calls only where the service
// limits require it. CloudWatch assigns its own event ids, so only the message and
// timestamp of each record are carried.
func (s *Store) PutRecords(ctx context.Context, group, stream string, records []logtypes.LogRecord) error {
	written := 0
	for _, chunk := range chunkEvents(records) {
		if err := s.putChunk(ctx, group, stream, chunk); err != nil {
			if written > 0 {
				if s.log != nil {
					s.log.Error().
						Str("log_group", group).
						Str("log_stream", stream).
						Int("written", written).
						Int("total", len(records)).
						Err(err).
						Msg("batch partially written")
				}
				return &PartialWriteError{Written: written, Total: len(records), Err: err}
			}
			return err
		}
		written += len(chunk)
	}
	return nil
}

func (s *Store) putChunk(ctx context.Context, group, stream string, chunk []types.InputLogEvent) error {
	start := time.Now()
	out, err := s.client.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(group),
		LogStreamName: aws.String(stream),
		LogEvents:     chunk,
	})
	if err != nil {
		s.observe("error", start)
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return fmt.Errorf("put log events: %w: %w", logstore.ErrStreamNotFound, err)
		}
		return fmt.Errorf("put log events: %w", err)
	}
	s.observe("ok", start)

	if out != nil && out.RejectedLogEventsInfo != nil && s.log != nil {
		info := out.RejectedLogEventsInfo
		s.log.Warn().
			Str("log_group", group).
			Str("log_stream", stream).
			Int("too_new_start_index", int(aws.ToInt32(info.TooNewLogEventStartIndex))).
			Int("too_old_end_index", int(aws.ToInt32(info.TooOldLogEventEndIndex))).
			Int("expired_end_index", int(aws.ToInt32(info.ExpiredLogEventEndIndex))).
			Msg("CloudWatch rejected some log events")
	}
	return nil
}

func (s *Store) observe(status string, start time.Time) {
	if s.metric != nil {
		s.metric.ObserveDestinationRequest(backendName, status, time.Since(start))
	}
}

// chunkEvents converts records to input events, keeping order and starting a new chunk
// whenever the next event would exceed a per-call limit
func chunkEvents(records []logtypes.LogRecord) [][]types.InputLogEvent {
	var chunks [][]types.InputLogEvent
	var current []types.InputLogEvent
	size := 0

	for _, rec := range records {
		eventSize := len(rec.Message) + eventOverhead
		if len(current) > 0 && (len(current) >= maxEventsPerCall || size+eventSize > maxBytesPerCall) {
			chunks = append(chunks, current)
			current = nil
			size = 0
		}
		current = append(current, types.InputLogEvent{
			Message:   aws.String(rec.Message),
			Timestamp: aws.Int64(rec.Timestamp),
		})
		size += eventSize
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}
