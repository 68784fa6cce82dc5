// Package memory keeps redacted records in process memory. It backs local runs of the
// HTTP runtime and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	cache_pkg "github.com/patrickmn/go-cache"

	"github.com/kumarabd/ingestion-plane/redactor/pkg/logstore"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/logtypes"
)

const (
	backendName = "memory"
	keySep      = "\x00"
)

type streamLog struct {
	mu      sync.Mutex
	records []logtypes.LogRecord
}

// Store holds one record list per group/stream pair. Entries never expire.
type Store struct {
	client *cache_pkg.Cache
}

// New creates an empty store
func New() *Store {
	return &Store{
		client: cache_pkg.New(cache_pkg.NoExpiration, 0),
	}
}

// Name returns the backend name
func (s *Store) Name() string {
	return backendName
}

// CreateStream registers an empty stream
func (s *Store) CreateStream(ctx context.Context, group, stream string) (logstore.CreateOutcome, error) {
	if err := ctx.Err(); err != nil {
		return logstore.StreamCreated, err
	}
	if err := s.client.Add(key(group, stream), newStream(), cache_pkg.NoExpiration); err != nil {
		return logstore.StreamAlreadyExists, nil
	}
	return logstore.StreamCreated, nil
}

// PutRecords appends records to an existing stream
func (s *Store) PutRecords(ctx context.Context, group, stream string, records []logtypes.LogRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st, ok := s.lookup(group, stream)
	if !ok {
		return fmt.Errorf("%s/%s: %w", group, stream, logstore.ErrStreamNotFound)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.records = append(st.records, records...)
	return nil
}

// Records returns a copy of the records stored in a stream, in arrival order
func (s *Store) Records(group, stream string) []logtypes.LogRecord {
	st, ok := s.lookup(group, stream)
	if !ok {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]logtypes.LogRecord(nil), st.records...)
}

// Streams lists every stream as a Destination, sorted by group then stream
func (s *Store) Streams() []logtypes.Destination {
	items := s.client.Items()
	out := make([]logtypes.Destination, 0, len(items))
	for k := range items {
		group, stream, _ := strings.Cut(k, keySep)
		out = append(out, logtypes.Destination{Group: group, Stream: stream})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Stream < out[j].Stream
	})
	return out
}

// Ping reports the store as reachable
func (s *Store) Ping() (bool, error) {
	return true, nil
}

func (s *Store) lookup(group, stream string) (*streamLog, bool) {
	v, ok := s.client.Get(key(group, stream))
	if !ok {
		return nil, false
	}
	st, ok := v.(*streamLog)
	return st, ok
}

func newStream() *streamLog {
	return &streamLog{}
}

func key(group, stream string) string {
	return group + keySep + stream
}
