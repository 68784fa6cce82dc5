// Package loki stores redacted records in Grafana Loki through its HTTP push API.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/kumarabd/gokit/logger"
	"github.com/kumarabd/ingestion-plane/redactor/internal/metrics"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/logstore"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/logtypes"
)

const (
	backendName = "loki"
	pushPath    = "/loki/api/v1/push"

	// Stream labels identifying the destination
	LabelLogGroup  = "log_group"
	LabelLogStream = "log_stream"
)

// Config contains configuration for the Loki backend
type Config struct {
	Addr           string        `json:"addr" yaml:"addr" default:"http://loki:3100"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout" default:"5s"`
	TenantID       string        `json:"tenant_id" yaml:"tenant_id"`
	Retry          RetryConfig   `json:"retry" yaml:"retry"`
	Labels         LabelConfig   `json:"labels" yaml:"labels"`
}

// RetryConfig contains retry configuration
type RetryConfig struct {
	Enabled        bool          `json:"enabled" yaml:"enabled" default:"true"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff" default:"200ms"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff" default:"5s"`
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts" default:"5"`
}

// LabelConfig contains label configuration
type LabelConfig struct {
	Static map[string]string `json:"static" yaml:"static"`
}

// StatusError is returned when Loki answers with a non-2xx status
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("loki push returned %d: %s", e.StatusCode, e.Body)
}

// Store pushes each PutRecords call to Loki as one stream
type Store struct {
	client       *http.Client
	addr         string
	tenantID     string
	retryEnabled bool
	backoffInit  time.Duration
	backoffMax   time.Duration
	maxAttempts  int
	staticLabels map[string]string

	log    *logger.Handler
	metric *metrics.Handler
}

// New creates a Loki store
func New(cfg *Config, log *logger.Handler, metric *metrics.Handler) *Store {
	client := &http.Client{
		Timeout: cfg.RequestTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	maxAttempts := cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	backoffInit := cfg.Retry.InitialBackoff
	if backoffInit <= 0 {
		backoffInit = 200 * time.Millisecond
	}
	backoffMax := cfg.Retry.MaxBackoff
	if backoffMax < backoffInit {
		backoffMax = backoffInit
	}

	return &Store{
		client:       client,
		addr:         cfg.Addr,
		tenantID:     cfg.TenantID,
		retryEnabled: cfg.Retry.Enabled,
		backoffInit:  backoffInit,
		backoffMax:   backoffMax,
		maxAttempts:  maxAttempts,
		staticLabels: cfg.Labels.Static,
		log:          log,
		metric:       metric,
	}
}

// Name returns the backend name
func (s *Store) Name() string {
	return backendName
}

// CreateStream always reports StreamCreated: Loki creates streams on first push.
func (s *Store) CreateStream(ctx context.Context, group, stream string) (logstore.CreateOutcome, error) {
	return logstore.StreamCreated, nil
}

// PutRecords pushes records in order. Each entry carries the record id and extracted
// fields as structured metadata.
func (s *Store) PutRecords(ctx context.Context, group, stream string, records []logtypes.LogRecord) error {
	if len(records) == 0 {
		return nil
	}

	body, err := encodePush(s.labels(group, stream), records)
	if err != nil {
		return fmt.Errorf("encode loki push: %w", err)
	}

	start := time.Now()
	status, err := s.postWithRetry(ctx, body)
	if s.metric != nil {
		s.metric.ObserveDestinationRequest(backendName, strconv.Itoa(status), time.Since(start))
	}
	return err
}

func (s *Store) labels(group, stream string) map[string]string {
	labels := make(map[string]string, len(s.staticLabels)+2)
	for k, v := range s.staticLabels {
		labels[k] = v
	}
	labels[LabelLogGroup] = group
	labels[LabelLogStream] = stream
	return labels
}

// encodePush builds the gzipped JSON push body
func encodePush(labels map[string]string, records []logtypes.LogRecord) ([]byte, error) {
	lp := lokiPush{
		Streams: []lokiStream{{
			Stream: labels,
			Values: make([][]any, 0, len(records)),
		}},
	}
	for _, rec := range records {
		ts := strconv.FormatInt(time.UnixMilli(rec.Timestamp).UnixNano(), 10)
		metadata := make(map[string]string, len(rec.ExtractedFields)+1)
		for k, v := range rec.ExtractedFields {
			metadata[k] = v
		}
		metadata["id"] = rec.ID
		lp.Streams[0].Values = append(lp.Streams[0].Values, []any{ts, rec.Message, metadata})
	}

	var bufJSON bytes.Buffer
	if err := json.NewEncoder(&bufJSON).Encode(lp); err != nil {
		return nil, err
	}

	var gzBuf bytes.Buffer
	gz := gzip.NewWriter(&gzBuf)
	if _, err := gz.Write(bufJSON.Bytes()); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return gzBuf.Bytes(), nil
}

// postWithRetry sends the body, retrying network errors, 429 and 5xx with jittered
// exponential backoff
func (s *Store) postWithRetry(ctx context.Context, body []byte) (int, error) {
	backoff := s.backoffInit
	var lastErr error
	status := 0

	for attempt := 1; ; attempt++ {
		var retryable bool
		status, retryable, lastErr = s.post(ctx, body)
		if lastErr == nil {
			return status, nil
		}
		if !retryable || !s.retryEnabled || attempt >= s.maxAttempts {
			return status, lastErr
		}

		d := backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))
		if d > s.backoffMax {
			d = s.backoffMax
		}
		if s.log != nil {
			s.log.Warn().Err(lastErr).Int("attempt", attempt).Dur("backoff", d).Msg("Loki push failed, retrying")
		}

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return status, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-timer.C:
		}

		if backoff < s.backoffMax/2 {
			backoff *= 2
		} else {
			backoff = s.backoffMax
		}
	}
}

func (s *Store) post(ctx context.Context, body []byte) (status int, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.addr+pushPath, bytes.NewReader(body))
	if err != nil {
		return 0, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	if s.tenantID != "" {
		req.Header.Set("X-Scope-OrgID", s.tenantID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, false, nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	retryable = resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return resp.StatusCode, retryable, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
}

// Loki push format structures
type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]any           `json:"values"`
}

type lokiPush struct {
	Streams []lokiStream `json:"streams"`
}
