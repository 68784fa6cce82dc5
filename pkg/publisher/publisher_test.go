package publisher

import (
	"context"
	"errors"
	"testing"

	"github.com/kumarabd/gokit/logger"
	"github.com/kumarabd/ingestion-plane/redactor/internal/metrics"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/logstore"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/logstore/memory"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/logtypes"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type putCall struct {
	group, stream string
	records       []logtypes.LogRecord
}

type fakeStore struct {
	outcome   logstore.CreateOutcome
	createErr error
	putErr    error

	creates []logtypes.Destination
	puts    []putCall
}

func (f *fakeStore) Name() string { return "fake" }

func (f *fakeStore) CreateStream(ctx context.Context, group, stream string) (logstore.CreateOutcome, error) {
	f.creates = append(f.creates, logtypes.Destination{Group: group, Stream: stream})
	return f.outcome, f.createErr
}

func (f *fakeStore) PutRecords(ctx context.Context, group, stream string, records []logtypes.LogRecord) error {
	f.puts = append(f.puts, putCall{group: group, stream: stream, records: records})
	return f.putErr
}

func newTestPublisher(t *testing.T, store logstore.Store) (*Publisher, *metrics.Handler) {
	t.Helper()
	log, err := logger.New("test", logger.Options{Format: logger.JSONLogFormat})
	require.NoError(t, err)
	metric, err := metrics.New("test")
	require.NoError(t, err)
	return New(store, log, metric), metric
}

func testBatch() *logtypes.LogBatch {
	return &logtypes.LogBatch{
		SourceGroup:  "/aws/lambda/address-api",
		SourceStream: "2024/05/01/[$LATEST]abc",
		Records: []logtypes.LogRecord{
			{ID: "1", Timestamp: 100, Message: `{"nino":"***","level":"INFO"}`, ExtractedFields: map[string]string{"level": "INFO"}},
			{ID: "2", Timestamp: 101, Message: "START RequestId: 42 Version: $LATEST"},
		},
	}
}

func TestDestinationFor(t *testing.T) {
	tests := []struct {
		name   string
		group  string
		stream string
		suffix string
		want   logtypes.Destination
	}{
		{
			name:   "default suffix",
			group:  "/aws/lambda/address-api",
			stream: "s1",
			want:   logtypes.Destination{Group: "/aws/lambda/address-api-redacted", Stream: "s1"},
		},
		{
			name:   "custom suffix",
			group:  "app",
			stream: "2024/05/01/[$LATEST]abc",
			suffix: "-pii-free",
			want:   logtypes.Destination{Group: "app-pii-free", Stream: "2024/05/01/[$LATEST]abc"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DestinationFor(tt.group, tt.stream, tt.suffix))
		})
	}
}

func TestPublish(t *testing.T) {
	store := &fakeStore{}
	publisher, metric := newTestPublisher(t, store)
	batch := testBatch()
	dest := DestinationFor(batch.SourceGroup, batch.SourceStream, "")

	err := publisher.Publish(context.Background(), dest, batch)
	require.NoError(t, err)

	require.Equal(t, []logtypes.Destination{dest}, store.creates)
	require.Len(t, store.puts, 1)
	put := store.puts[0]
	assert.Equal(t, dest.Group, put.group)
	assert.Equal(t, dest.Stream, put.stream)

	require.Len(t, put.records, 2)
	assert.Equal(t, "{\n  \"nino\": \"***\",\n  \"level\": \"INFO\"\n}", put.records[0].Message)
	assert.Equal(t, "START RequestId: 42 Version: $LATEST", put.records[1].Message)
	for i := range batch.Records {
		assert.Equal(t, batch.Records[i].ID, put.records[i].ID)
		assert.Equal(t, batch.Records[i].Timestamp, put.records[i].Timestamp)
		assert.Equal(t, batch.Records[i].ExtractedFields, put.records[i].ExtractedFields)
	}

	// the caller's batch keeps its compact message
	assert.Equal(t, `{"nino":"***","level":"INFO"}`, batch.Records[0].Message)

	assert.Equal(t, 1.0, testutil.ToFloat64(metric.StreamCreateTotal.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metric.VerbatimMessageTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(metric.RecordsTotal.WithLabelValues("published")))
}

func TestPublishStreamAlreadyExists(t *testing.T) {
	store := &fakeStore{outcome: logstore.StreamAlreadyExists}
	publisher, metric := newTestPublisher(t, store)

	err := publisher.Publish(context.Background(), DestinationFor("g", "s", ""), testBatch())
	require.NoError(t, err)
	assert.Len(t, store.puts, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(metric.StreamCreateTotal.WithLabelValues("already_exists")))
}

func TestPublishErrors(t *testing.T) {
	createCause := errors.New("AccessDeniedException")
	putCause := errors.New("service unavailable")

	t.Run("create failure stops before forwarding", func(t *testing.T) {
		store := &fakeStore{createErr: createCause}
		publisher, metric := newTestPublisher(t, store)
		dest := DestinationFor("g", "s", "")

		err := publisher.Publish(context.Background(), dest, testBatch())
		require.Error(t, err)

		var createErr *CreateError
		require.True(t, errors.As(err, &createErr))
		assert.Equal(t, dest, createErr.Destination)
		assert.ErrorIs(t, err, createCause)
		assert.Empty(t, store.puts)
		assert.Equal(t, 1.0, testutil.ToFloat64(metric.StreamCreateTotal.WithLabelValues("failed")))
	})

	t.Run("forward failure", func(t *testing.T) {
		store := &fakeStore{putErr: putCause}
		publisher, metric := newTestPublisher(t, store)
		dest := DestinationFor("g", "s", "")

		err := publisher.Publish(context.Background(), dest, testBatch())
		require.Error(t, err)

		var publishErr *PublishError
		require.True(t, errors.As(err, &publishErr))
		assert.Equal(t, dest, publishErr.Destination)
		assert.Equal(t, 2, publishErr.Records)
		assert.ErrorIs(t, err, putCause)
		assert.Contains(t, err.Error(), "g-redacted/s")
		assert.Zero(t, testutil.ToFloat64(metric.RecordsTotal.WithLabelValues("published")))
	})
}

func TestPublishEmptyBatch(t *testing.T) {
	store := &fakeStore{}
	publisher, _ := newTestPublisher(t, store)

	err := publisher.Publish(context.Background(), DestinationFor("g", "s", ""), &logtypes.LogBatch{})
	require.NoError(t, err)
	assert.Len(t, store.creates, 1)
	assert.Empty(t, store.puts)
}

func TestEnsureStreamTwice(t *testing.T) {
	store := memory.New()
	publisher, _ := newTestPublisher(t, store)
	dest := DestinationFor("g", "s", "")

	outcome, err := publisher.EnsureStream(context.Background(), dest)
	require.NoError(t, err)
	assert.Equal(t, logstore.StreamCreated, outcome)

	outcome, err = publisher.EnsureStream(context.Background(), dest)
	require.NoError(t, err)
	assert.Equal(t, logstore.StreamAlreadyExists, outcome)

	require.NoError(t, publisher.Publish(context.Background(), dest, testBatch()))
	require.NoError(t, publisher.Publish(context.Background(), dest, testBatch()))
	assert.Len(t, store.Records(dest.Group, dest.Stream), 4)
}

func TestPrettyPrint(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   string
		wantOK bool
	}{
		{
			name:   "object",
			input:  `{"a":1,"b":{"c":"***"}}`,
			want:   "{\n  \"a\": 1,\n  \"b\": {\n    \"c\": \"***\"\n  }\n}",
			wantOK: true,
		},
		{
			name:   "surrounding whitespace",
			input:  "  [1,2]\n",
			want:   "[\n  1,\n  2\n]",
			wantOK: true,
		},
		{
			name:   "escaped content is kept as written",
			input:  `{"msg":"{\"nino\": \"***\"}"}`,
			want:   "{\n  \"msg\": \"{\\\"nino\\\": \\\"***\\\"}\"\n}",
			wantOK: true,
		},
		{
			name:  "plain text",
			input: "User connected from *** via proxy",
			want:  "User connected from *** via proxy",
		},
		{
			name:  "truncated json",
			input: `{"a":`,
			want:  `{"a":`,
		},
		{
			name:  "empty",
			input: "",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := PrettyPrint(tt.input)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}
