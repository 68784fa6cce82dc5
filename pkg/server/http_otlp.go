package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/logtypes"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/plog"
	"go.opentelemetry.io/collector/pdata/plog/plogotlp"
)

// Resource attributes naming the source of OTLP logs, most specific first
var (
	groupAttributes  = []string{"aws.log.group.names", "log.group"}
	streamAttributes = []string{"aws.log.stream.names", "log.stream"}
)

var errMissingSource = errors.New("resource has no log group or log stream attribute")

// otlpHandler accepts an OTLP/HTTP logs export, protobuf or JSON encoded. Records
// are grouped by source stream and each group runs through the pipeline as one batch.
func (s *HTTP) otlpHandler(c *gin.Context) {
	reader, err := s.getBodyReader(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	defer reader.Close()

	body, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	isJSON := strings.HasPrefix(c.ContentType(), "application/json")
	req := plogotlp.NewExportRequest()
	if isJSON {
		err = req.UnmarshalJSON(body)
	} else {
		err = req.UnmarshalProto(body)
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid OTLP request format"})
		return
	}

	batches, err := convertOTLPToBatches(req.Logs(), time.Now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	for _, batch := range batches {
		outcome, err := s.pipeline.ProcessBatch(c.Request.Context(), batch)
		if err != nil {
			c.AbortWithStatusJSON(statusFor(err), gin.H{
				"error": err.Error(),
				"stage": outcome.Stage.String(),
			})
			return
		}
	}

	resp := plogotlp.NewExportResponse()
	if isJSON {
		out, err := resp.MarshalJSON()
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Data(http.StatusOK, "application/json", out)
		return
	}
	out, err := resp.MarshalProto()
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "application/x-protobuf", out)
}

// convertOTLPToBatches turns every log record into a LogRecord with a fresh id,
// grouped into one batch per source group and stream. Batches are ordered by group
// then stream; records keep their order within a batch.
func convertOTLPToBatches(logs plog.Logs, now time.Time) ([]*logtypes.LogBatch, error) {
	batches := make(map[logtypes.Destination]*logtypes.LogBatch)

	resourceLogs := logs.ResourceLogs()
	for i := 0; i < resourceLogs.Len(); i++ {
		resourceLog := resourceLogs.At(i)
		attrs := resourceLog.Resource().Attributes()

		group := firstAttribute(attrs, groupAttributes)
		stream := firstAttribute(attrs, streamAttributes)
		scopeLogs := resourceLog.ScopeLogs()
		if group == "" || stream == "" {
			if countRecords(scopeLogs) == 0 {
				continue
			}
			return nil, fmt.Errorf("resource %d: %w", i, errMissingSource)
		}

		key := logtypes.Destination{Group: group, Stream: stream}
		batch := batches[key]
		if batch == nil {
			batch = &logtypes.LogBatch{
				SourceGroup:  group,
				SourceStream: stream,
				Records:      []logtypes.LogRecord{},
			}
			batches[key] = batch
		}

		for j := 0; j < scopeLogs.Len(); j++ {
			logRecords := scopeLogs.At(j).LogRecords()
			for k := 0; k < logRecords.Len(); k++ {
				batch.Records = append(batch.Records, convertLogRecord(logRecords.At(k), now))
			}
		}
	}

	out := make([]*logtypes.LogBatch, 0, len(batches))
	for _, batch := range batches {
		out = append(out, batch)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceGroup != out[j].SourceGroup {
			return out[i].SourceGroup < out[j].SourceGroup
		}
		return out[i].SourceStream < out[j].SourceStream
	})
	return out, nil
}

func convertLogRecord(logRecord plog.LogRecord, now time.Time) logtypes.LogRecord {
	ts := logRecord.Timestamp()
	if ts == 0 {
		ts = logRecord.ObservedTimestamp()
	}
	timestamp := now.UnixMilli()
	if ts != 0 {
		timestamp = ts.AsTime().UnixMilli()
	}

	fields := make(map[string]string)
	logRecord.Attributes().Range(func(k string, v pcommon.Value) bool {
		if v.Type() == pcommon.ValueTypeStr {
			fields[k] = v.Str()
		}
		return true
	})
	if logRecord.SeverityText() != "" {
		fields["severity_text"] = logRecord.SeverityText()
	}
	if !logRecord.TraceID().IsEmpty() {
		fields["trace_id"] = logRecord.TraceID().String()
	}
	if !logRecord.SpanID().IsEmpty() {
		fields["span_id"] = logRecord.SpanID().String()
	}
	if len(fields) == 0 {
		fields = nil
	}

	return logtypes.LogRecord{
		ID:              uuid.NewString(),
		Timestamp:       timestamp,
		Message:         logRecord.Body().AsString(),
		ExtractedFields: fields,
	}
}

// firstAttribute returns the first non-empty value among keys. Slice values yield
// their first element.
func firstAttribute(attrs pcommon.Map, keys []string) string {
	for _, key := range keys {
		v, ok := attrs.Get(key)
		if !ok {
			continue
		}
		switch v.Type() {
		case pcommon.ValueTypeSlice:
			if v.Slice().Len() > 0 {
				if s := v.Slice().At(0).AsString(); s != "" {
					return s
				}
			}
		default:
			if s := v.AsString(); s != "" {
				return s
			}
		}
	}
	return ""
}

func countRecords(scopeLogs plog.ScopeLogsSlice) int {
	count := 0
	for j := 0; j < scopeLogs.Len(); j++ {
		count += scopeLogs.At(j).LogRecords().Len()
	}
	return count
}
