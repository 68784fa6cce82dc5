package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/kumarabd/ingestion-plane/redactor/pkg/logstore"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/logtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateStream(t *testing.T) {
	store := New()
	ctx := context.Background()

	outcome, err := store.CreateStream(ctx, "g-redacted", "s")
	require.NoError(t, err)
	assert.Equal(t, logstore.StreamCreated, outcome)

	outcome, err = store.CreateStream(ctx, "g-redacted", "s")
	require.NoError(t, err)
	assert.Equal(t, logstore.StreamAlreadyExists, outcome)

	outcome, err = store.CreateStream(ctx, "g-redacted", "other")
	require.NoError(t, err)
	assert.Equal(t, logstore.StreamCreated, outcome)

	assert.Equal(t, []logtypes.Destination{
		{Group: "g-redacted", Stream: "other"},
		{Group: "g-redacted", Stream: "s"},
	}, store.Streams())
}

func TestPutRecords(t *testing.T) {
	store := New()
	ctx := context.Background()

	err := store.PutRecords(ctx, "g", "missing", []logtypes.LogRecord{{ID: "1"}})
	assert.ErrorIs(t, err, logstore.ErrStreamNotFound)

	_, err = store.CreateStream(ctx, "g", "s")
	require.NoError(t, err)

	first := []logtypes.LogRecord{{ID: "1", Timestamp: 10, Message: "a"}}
	second := []logtypes.LogRecord{
		{ID: "2", Timestamp: 11, Message: "b", ExtractedFields: map[string]string{"k": "v"}},
		{ID: "3", Timestamp: 12, Message: "c"},
	}
	require.NoError(t, store.PutRecords(ctx, "g", "s", first))
	require.NoError(t, store.PutRecords(ctx, "g", "s", second))

	got := store.Records("g", "s")
	require.Len(t, got, 3)
	assert.Equal(t, []string{"1", "2", "3"}, []string{got[0].ID, got[1].ID, got[2].ID})
	assert.Equal(t, "v", got[1].ExtractedFields["k"])

	// returned slice is a copy
	got[0].Message = "changed"
	assert.Equal(t, "a", store.Records("g", "s")[0].Message)

	assert.Nil(t, store.Records("g", "unknown"))
}

func TestCancelledContext(t *testing.T) {
	store := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.CreateStream(ctx, "g", "s")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, store.Streams())
}

func TestConcurrentAppends(t *testing.T) {
	store := New()
	ctx := context.Background()
	_, err := store.CreateStream(ctx, "g", "s")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = store.CreateStream(ctx, "g", "s")
			_ = store.PutRecords(ctx, "g", "s", []logtypes.LogRecord{{ID: fmt.Sprint(i)}})
		}(i)
	}
	wg.Wait()

	assert.Len(t, store.Records("g", "s"), 20)
}

func TestPing(t *testing.T) {
	ok, err := New().Ping()
	assert.True(t, ok)
	assert.NoError(t, err)
}
