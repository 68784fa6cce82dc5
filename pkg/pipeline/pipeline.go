// Package pipeline runs one subscription delivery through decode, redact and publish.
//
// Each call to Process is independent: the pipeline keeps no state between
// invocations and never retries. A failure in one stage ends the invocation; it is
// logged once here and returned to the caller, whose redelivery policy decides what
// happens next.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/kumarabd/gokit/logger"
	"github.com/kumarabd/ingestion-plane/redactor/internal/metrics"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/decode"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/logtypes"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/publisher"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/redact"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Stage is a step of the pipeline
type Stage int

const (
	Decoding Stage = iota
	Redacting
	Publishing
)

func (s Stage) String() string {
	switch s {
	case Decoding:
		return "decoding"
	case Redacting:
		return "redacting"
	case Publishing:
		return "publishing"
	default:
		return "unknown"
	}
}

// Outcome describes how an invocation ended. Stage is the last stage entered; when
// Completed is false it is the stage that failed and Err holds the cause.
type Outcome struct {
	Stage       Stage
	Completed   bool
	Err         error
	Control     bool
	Records     int
	Redacted    int
	Destination logtypes.Destination
}

var errNilBatch = errors.New("nil batch")

// Config contains configuration for the pipeline
type Config struct {
	GroupSuffix string `json:"group_suffix" yaml:"group_suffix" default:"-redacted"`
}

// Pipeline wires the redactor to a publisher
type Pipeline struct {
	redactor  *redact.Redactor
	publisher *publisher.Publisher
	suffix    string
	log       *logger.Handler
	metric    *metrics.Handler
	tracer    trace.Tracer

	// rule name -> category label
	ruleCategory map[string]string
}

// New creates a pipeline
func New(cfg *Config, redactor *redact.Redactor, pub *publisher.Publisher, log *logger.Handler, metric *metrics.Handler) *Pipeline {
	suffix := publisher.DefaultGroupSuffix
	if cfg != nil && cfg.GroupSuffix != "" {
		suffix = cfg.GroupSuffix
	}

	ruleCategory := make(map[string]string)
	for _, rule := range redactor.Rules() {
		ruleCategory[rule.Name] = rule.Category.String()
	}

	return &Pipeline{
		redactor:     redactor,
		publisher:    pub,
		suffix:       suffix,
		log:          log,
		metric:       metric,
		tracer:       otel.Tracer("redactor/pipeline"),
		ruleCategory: ruleCategory,
	}
}

// Process decodes envelope and runs the batch through redaction and publishing.
// On failure the returned error is the failing stage's typed error: *decode.Error,
// *publisher.CreateError or *publisher.PublishError.
func (p *Pipeline) Process(ctx context.Context, envelope string) (Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.Process")
	defer span.End()

	_, decodeSpan := p.tracer.Start(ctx, "pipeline.decode")
	start := time.Now()
	batch, err := decode.Decode(envelope)
	p.observeStage(Decoding, start, err == nil)
	if err != nil {
		decodeSpan.RecordError(err)
		decodeSpan.SetStatus(codes.Error, err.Error())
		decodeSpan.End()
		return p.fail(span, Outcome{Stage: Decoding}, nil, err)
	}
	decodeSpan.End()

	return p.run(ctx, span, batch)
}

// ProcessBatch runs an already decoded batch through redaction and publishing. The
// batch is not modified.
func (p *Pipeline) ProcessBatch(ctx context.Context, batch *logtypes.LogBatch) (Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.ProcessBatch")
	defer span.End()

	if batch == nil {
		return p.fail(span, Outcome{Stage: Decoding}, nil, &decode.Error{Step: decode.StepShape, Err: errNilBatch})
	}
	return p.run(ctx, span, batch)
}

func (p *Pipeline) run(ctx context.Context, span trace.Span, batch *logtypes.LogBatch) (Outcome, error) {
	outcome := Outcome{Stage: Decoding, Records: len(batch.Records)}
	span.SetAttributes(
		attribute.String("log.group", batch.SourceGroup),
		attribute.String("log.stream", batch.SourceStream),
		attribute.Int("batch.size", len(batch.Records)),
	)

	if batch.IsControl() {
		outcome.Completed = true
		outcome.Control = true
		if p.log != nil {
			p.log.Info().Str("owner", batch.Owner).Msg("control message received, nothing to publish")
		}
		p.complete(outcome)
		return outcome, nil
	}

	if p.log != nil {
		p.log.Debug().
			Str("log_group", batch.SourceGroup).
			Str("log_stream", batch.SourceStream).
			Int("records", len(batch.Records)).
			Msg("batch received")
	}
	if p.metric != nil {
		p.metric.AddRecordsTotal("received", len(batch.Records))
	}

	// Redacting
	outcome.Stage = Redacting
	_, redactSpan := p.tracer.Start(ctx, "pipeline.redact")
	start := time.Now()
	redacted, reports := p.redactor.RedactBatch(batch)
	for _, report := range reports {
		if !report.Applied {
			continue
		}
		outcome.Redacted++
		if p.metric != nil {
			for _, rule := range report.Rules {
				p.metric.IncPIIRedactionsTotal(p.ruleCategory[rule], rule)
			}
		}
	}
	redactSpan.SetAttributes(attribute.Int("records.redacted", outcome.Redacted))
	redactSpan.End()
	p.observeStage(Redacting, start, true)
	if p.metric != nil {
		p.metric.AddRecordsTotal("redacted", outcome.Redacted)
	}

	// Publishing
	outcome.Stage = Publishing
	outcome.Destination = publisher.DestinationFor(batch.SourceGroup, batch.SourceStream, p.suffix)
	pubCtx, publishSpan := p.tracer.Start(ctx, "pipeline.publish")
	start = time.Now()
	err := p.publisher.Publish(pubCtx, outcome.Destination, redacted)
	p.observeStage(Publishing, start, err == nil)
	if err != nil {
		publishSpan.RecordError(err)
		publishSpan.SetStatus(codes.Error, err.Error())
		publishSpan.End()
		return p.fail(span, outcome, batch, err)
	}
	publishSpan.End()

	outcome.Completed = true
	p.complete(outcome)
	return outcome, nil
}

// fail records err on the outcome, logs it once and returns it unchanged
func (p *Pipeline) fail(span trace.Span, outcome Outcome, batch *logtypes.LogBatch, err error) (Outcome, error) {
	outcome.Completed = false
	outcome.Err = err

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("pipeline.stage", outcome.Stage.String()))

	if p.metric != nil {
		p.metric.IncInvocationsTotal("failed", outcome.Stage.String())
		p.metric.AddRecordsTotal("failed", outcome.Records)
	}
	if p.log != nil {
		event := p.log.Error().Err(err).Str("stage", outcome.Stage.String())
		if batch != nil {
			event = event.
				Str("log_group", batch.SourceGroup).
				Str("log_stream", batch.SourceStream).
				Int("records", len(batch.Records))
		}
		if outcome.Destination.Group != "" {
			event = event.Str("destination_group", outcome.Destination.Group)
		}
		event.Msg("redaction pipeline failed")
	}
	return outcome, err
}

func (p *Pipeline) complete(outcome Outcome) {
	if p.metric != nil {
		p.metric.IncInvocationsTotal("completed", outcome.Stage.String())
	}
	if p.log != nil && !outcome.Control {
		p.log.Info().
			Str("destination_group", outcome.Destination.Group).
			Str("destination_stream", outcome.Destination.Stream).
			Int("records", outcome.Records).
			Int("redacted", outcome.Redacted).
			Msg("batch published")
	}
}

func (p *Pipeline) observeStage(stage Stage, start time.Time, success bool) {
	if p.metric != nil {
		p.metric.ObserveStageLatency(stage.String(), time.Since(start), success)
	}
}
