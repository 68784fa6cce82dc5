package server

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/kumarabd/gokit/logger"
	"github.com/kumarabd/ingestion-plane/redactor/internal/metrics"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/decode"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/logstore/memory"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/pipeline"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/publisher"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/redact"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLambdaHandle(t *testing.T) {
	log, err := logger.New("test", logger.Options{Format: logger.JSONLogFormat})
	require.NoError(t, err)
	metric, err := metrics.New("test")
	require.NoError(t, err)

	store := memory.New()
	p := pipeline.New(nil, redact.NewDefault(), publisher.New(store, log, metric), log, metric)
	runtime := NewLambda(p, log)

	var event events.CloudwatchLogsEvent
	event.AWSLogs.Data = "%%%"
	err = runtime.Handle(context.Background(), event)
	var decodeErr *decode.Error
	require.True(t, errors.As(err, &decodeErr))
	assert.Empty(t, store.Streams())

	body := subscriptionBody(t, subscriptionPayload)
	require.NoError(t, decodeJSON(bytes.NewReader(body), &event))
	require.NoError(t, runtime.Handle(context.Background(), event))
	assert.Len(t, store.Records("/aws/lambda/address-api-redacted", "2024/05/01/[$LATEST]abc"), 2)
}
