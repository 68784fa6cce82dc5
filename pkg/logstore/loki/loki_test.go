package loki

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/kumarabd/gokit/logger"
	"github.com/kumarabd/ingestion-plane/redactor/internal/metrics"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/logstore"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/logtypes"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedPush struct {
	Streams []struct {
		Stream map[string]string   `json:"stream"`
		Values [][]json.RawMessage `json:"values"`
	} `json:"streams"`
}

func decodeBody(t *testing.T, r *http.Request) capturedPush {
	t.Helper()
	gz, err := gzip.NewReader(r.Body)
	require.NoError(t, err)
	raw, err := io.ReadAll(gz)
	require.NoError(t, err)

	var push capturedPush
	require.NoError(t, json.Unmarshal(raw, &push))
	return push
}

func newTestStore(t *testing.T, addr string, tenant string) (*Store, *metrics.Handler) {
	t.Helper()
	log, err := logger.New("test", logger.Options{Format: logger.JSONLogFormat})
	require.NoError(t, err)
	metric, err := metrics.New("test")
	require.NoError(t, err)

	cfg := &Config{
		Addr:           addr,
		RequestTimeout: 2 * time.Second,
		TenantID:       tenant,
		Retry: RetryConfig{
			Enabled:        true,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			MaxAttempts:    3,
		},
		Labels: LabelConfig{Static: map[string]string{"env": "test"}},
	}
	return New(cfg, log, metric), metric
}

func TestPutRecords(t *testing.T) {
	var push capturedPush
	var headers http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pushPath, r.URL.Path)
		headers = r.Header.Clone()
		push = decodeBody(t, r)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	store, metric := newTestStore(t, server.URL, "tenant-a")
	records := []logtypes.LogRecord{
		{ID: "e1", Timestamp: 1700000000000, Message: "{\n  \"nino\": \"***\"\n}"},
		{ID: "e2", Timestamp: 1700000000005, Message: "plain", ExtractedFields: map[string]string{"level": "INFO"}},
	}

	err := store.PutRecords(context.Background(), "/aws/lambda/api-redacted", "s1", records)
	require.NoError(t, err)

	assert.Equal(t, "gzip", headers.Get("Content-Encoding"))
	assert.Equal(t, "tenant-a", headers.Get("X-Scope-OrgID"))

	require.Len(t, push.Streams, 1)
	assert.Equal(t, map[string]string{
		"env":        "test",
		"log_group":  "/aws/lambda/api-redacted",
		"log_stream": "s1",
	}, push.Streams[0].Stream)

	values := push.Streams[0].Values
	require.Len(t, values, 2)

	var ts, line string
	var meta map[string]string
	require.NoError(t, json.Unmarshal(values[0][0], &ts))
	require.NoError(t, json.Unmarshal(values[0][1], &line))
	require.NoError(t, json.Unmarshal(values[0][2], &meta))
	assert.Equal(t, "1700000000000000000", ts)
	assert.Equal(t, records[0].Message, line)
	assert.Equal(t, map[string]string{"id": "e1"}, meta)

	require.NoError(t, json.Unmarshal(values[1][2], &meta))
	assert.Equal(t, map[string]string{"id": "e2", "level": "INFO"}, meta)

	assert.Equal(t, 1.0, testutil.ToFloat64(metric.DestinationRequests.WithLabelValues("loki", "204")))
}

func TestPutRecordsRetry(t *testing.T) {
	tests := []struct {
		name         string
		statuses     []int
		wantErr      bool
		wantAttempts int32
		wantStatus   int
	}{
		{
			name:         "success after server errors",
			statuses:     []int{http.StatusInternalServerError, http.StatusTooManyRequests, http.StatusOK},
			wantAttempts: 3,
		},
		{
			name:         "retries exhausted",
			statuses:     []int{http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway, http.StatusOK},
			wantErr:      true,
			wantAttempts: 3,
			wantStatus:   http.StatusBadGateway,
		},
		{
			name:         "client error is not retried",
			statuses:     []int{http.StatusBadRequest, http.StatusOK},
			wantErr:      true,
			wantAttempts: 1,
			wantStatus:   http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := attempts.Add(1)
				w.WriteHeader(tt.statuses[n-1])
			}))
			defer server.Close()

			store, _ := newTestStore(t, server.URL, "")
			err := store.PutRecords(context.Background(), "g", "s", []logtypes.LogRecord{{ID: "1", Message: "m"}})

			assert.Equal(t, tt.wantAttempts, attempts.Load())
			if tt.wantErr {
				var statusErr *StatusError
				require.True(t, errors.As(err, &statusErr))
				assert.Equal(t, tt.wantStatus, statusErr.StatusCode)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPutRecordsContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	store, _ := newTestStore(t, server.URL, "")
	store.backoffInit = time.Second
	store.backoffMax = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := store.PutRecords(ctx, "g", "s", []logtypes.LogRecord{{ID: "1", Message: "m"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPutRecordsEmpty(t *testing.T) {
	var called atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Store(true)
	}))
	defer server.Close()

	store, _ := newTestStore(t, server.URL, "")
	require.NoError(t, store.PutRecords(context.Background(), "g", "s", nil))
	assert.False(t, called.Load())
}

func TestCreateStream(t *testing.T) {
	store, _ := newTestStore(t, "http://127.0.0.1:0", "")

	for i := 0; i < 2; i++ {
		outcome, err := store.CreateStream(context.Background(), "g", "s")
		require.NoError(t, err)
		assert.Equal(t, logstore.StreamCreated, outcome)
	}
}
