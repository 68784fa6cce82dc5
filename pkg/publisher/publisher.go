// Package publisher forwards redacted batches to their destination stream, creating
// the stream on demand.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kumarabd/gokit/logger"
	"github.com/kumarabd/ingestion-plane/redactor/internal/metrics"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/logstore"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/logtypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultGroupSuffix marks a destination group as holding redacted records
const DefaultGroupSuffix = "-redacted"

// CreateError reports a stream creation failure other than the stream already existing
type CreateError struct {
	Destination logtypes.Destination
	Err         error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create destination stream %s/%s: %v", e.Destination.Group, e.Destination.Stream, e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }

// PublishError reports a failed forward of a batch
type PublishError struct {
	Destination logtypes.Destination
	Records     int
	Err         error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %d records to %s/%s: %v", e.Records, e.Destination.Group, e.Destination.Stream, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// DestinationFor names the destination of a source stream: the group gains suffix,
// the stream is unchanged. An empty suffix means DefaultGroupSuffix.
func DestinationFor(group, stream, suffix string) logtypes.Destination {
	if suffix == "" {
		suffix = DefaultGroupSuffix
	}
	return logtypes.Destination{
		Group:  group + suffix,
		Stream: stream,
	}
}

// Publisher writes to a logstore.Store
type Publisher struct {
	store  logstore.Store
	log    *logger.Handler
	metric *metrics.Handler
	tracer trace.Tracer
}

// New creates a publisher over store
func New(store logstore.Store, log *logger.Handler, metric *metrics.Handler) *Publisher {
	return &Publisher{
		store:  store,
		log:    log,
		metric: metric,
		tracer: otel.Tracer("redactor/publisher"),
	}
}

// EnsureStream creates the destination stream. A stream that already exists is
// success; any other failure is a *CreateError.
func (p *Publisher) EnsureStream(ctx context.Context, dest logtypes.Destination) (logstore.CreateOutcome, error) {
	ctx, span := p.tracer.Start(ctx, "publisher.EnsureStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("log.group", dest.Group),
		attribute.String("log.stream", dest.Stream),
		attribute.String("destination.backend", p.store.Name()),
	)

	outcome, err := p.store.CreateStream(ctx, dest.Group, dest.Stream)
	if err != nil {
		if p.metric != nil {
			p.metric.IncStreamCreateTotal("failed")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return outcome, &CreateError{Destination: dest, Err: err}
	}

	if p.metric != nil {
		p.metric.IncStreamCreateTotal(outcome.String())
	}
	span.SetAttributes(attribute.String("stream.outcome", outcome.String()))
	if p.log != nil {
		p.log.Debug().
			Str("log_group", dest.Group).
			Str("log_stream", dest.Stream).
			Str("outcome", outcome.String()).
			Msg("destination stream ready")
	}
	return outcome, nil
}

// Publish ensures the destination stream exists and forwards every record of batch
// in one PutRecords call, in order. JSON messages are pretty-printed; id, timestamp
// and extracted fields are carried unchanged. The batch is not modified.
func (p *Publisher) Publish(ctx context.Context, dest logtypes.Destination, batch *logtypes.LogBatch) error {
	ctx, span := p.tracer.Start(ctx, "publisher.Publish")
	defer span.End()

	var records []logtypes.LogRecord
	if batch != nil {
		records = batch.Records
	}
	span.SetAttributes(
		attribute.String("log.group", dest.Group),
		attribute.String("log.stream", dest.Stream),
		attribute.Int("batch.size", len(records)),
	)

	if _, err := p.EnsureStream(ctx, dest); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream creation failed")
		return err
	}

	if len(records) == 0 {
		return nil
	}

	out := make([]logtypes.LogRecord, len(records))
	for i, rec := range records {
		out[i] = rec
		msg, ok := PrettyPrint(rec.Message)
		if !ok && p.metric != nil {
			p.metric.IncVerbatimMessageTotal()
		}
		out[i].Message = msg
	}

	if err := p.store.PutRecords(ctx, dest.Group, dest.Stream, out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &PublishError{Destination: dest, Records: len(out), Err: err}
	}

	if p.metric != nil {
		p.metric.AddRecordsTotal("published", len(out))
	}
	return nil
}

// PrettyPrint re-indents message with two spaces when it is a JSON document. Any
// other text is returned unchanged with ok false.
func PrettyPrint(message string) (string, bool) {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return message, false
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(trimmed), "", "  "); err != nil {
		return message, false
	}
	return buf.String(), true
}
