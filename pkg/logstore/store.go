// Package logstore defines the log-storage collaborator the publisher writes to.
// Backends live in the cloudwatch, loki and memory subpackages.
package logstore

import (
	"context"
	"errors"

	"github.com/kumarabd/ingestion-plane/redactor/pkg/logtypes"
)

// CreateOutcome is the result of a stream creation that did not fail
type CreateOutcome int

const (
	StreamCreated CreateOutcome = iota
	StreamAlreadyExists
)

func (o CreateOutcome) String() string {
	switch o {
	case StreamCreated:
		return "created"
	case StreamAlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// ErrStreamNotFound is returned by PutRecords when the target stream was never created
var ErrStreamNotFound = errors.New("log stream does not exist")

// Store is a destination for redacted records, addressed by group and stream
type Store interface {
	// CreateStream creates stream in group. An existing stream is reported as
	// StreamAlreadyExists, not as an error.
	CreateStream(ctx context.Context, group, stream string) (CreateOutcome, error)

	// PutRecords appends records to the stream in the order given
	PutRecords(ctx context.Context, group, stream string, records []logtypes.LogRecord) error

	// Name identifies the backend in logs and metrics
	Name() string
}
