// Package decode turns a log subscription envelope (base64 of a compressed JSON
// document) into a logtypes.LogBatch.
package decode

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/kumarabd/ingestion-plane/redactor/pkg/logtypes"
)

// Steps at which decoding can fail
const (
	StepBase64     = "base64"
	StepDecompress = "decompress"
	StepJSON       = "json"
	StepShape      = "shape"
)

// MaxDecompressedBytes caps the inflated payload size.
const MaxDecompressedBytes = 64 << 20

var (
	ErrEmptyEnvelope = errors.New("empty envelope")
	ErrTooLarge      = fmt.Errorf("decompressed payload exceeds %d bytes", MaxDecompressedBytes)
	ErrMissingGroup  = errors.New("missing logGroup")
	ErrMissingStream = errors.New("missing logStream")
	ErrMissingEvents = errors.New("missing logEvents")
)

// Error is returned for any envelope that cannot be interpreted. Retrying the same
// envelope never helps.
type Error struct {
	Step string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Step, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Decode decodes base64, inflates and parses the envelope. Either the whole batch
// decodes or an *Error is returned.
func Decode(data string) (*logtypes.LogBatch, error) {
	if len(data) == 0 {
		return nil, &Error{Step: StepBase64, Err: ErrEmptyEnvelope}
	}

	compressed, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, &Error{Step: StepBase64, Err: err}
	}

	raw, err := Decompress(compressed)
	if err != nil {
		return nil, &Error{Step: StepDecompress, Err: err}
	}

	return Parse(raw)
}

// Decompress inflates gzip, zlib or raw deflate data, picked by the leading bytes.
func Decompress(compressed []byte) ([]byte, error) {
	var (
		reader io.ReadCloser
		err    error
	)
	switch {
	case len(compressed) >= 2 && compressed[0] == 0x1f && compressed[1] == 0x8b:
		reader, err = gzip.NewReader(bytes.NewReader(compressed))
	case isZlibHeader(compressed):
		reader, err = zlib.NewReader(bytes.NewReader(compressed))
	default:
		reader = flate.NewReader(bytes.NewReader(compressed))
	}
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	out, err := io.ReadAll(io.LimitReader(reader, MaxDecompressedBytes+1))
	if err != nil {
		return nil, err
	}
	if len(out) > MaxDecompressedBytes {
		return nil, ErrTooLarge
	}
	return out, nil
}

// isZlibHeader checks the RFC 1950 CMF/FLG pair
func isZlibHeader(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	return b[0]&0x0f == 8 && (uint16(b[0])<<8|uint16(b[1]))%31 == 0
}

// Parse parses an already inflated payload and validates its shape
func Parse(raw []byte) (*logtypes.LogBatch, error) {
	var batch logtypes.LogBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, &Error{Step: StepJSON, Err: err}
	}

	if err := validate(&batch); err != nil {
		return nil, &Error{Step: StepShape, Err: err}
	}

	return &batch, nil
}

func validate(batch *logtypes.LogBatch) error {
	// Control messages carry empty group and stream names.
	if batch.IsControl() {
		return nil
	}
	if batch.SourceGroup == "" {
		return ErrMissingGroup
	}
	if batch.SourceStream == "" {
		return ErrMissingStream
	}
	if batch.Records == nil {
		return ErrMissingEvents
	}
	// Event ids are carried as given, empty or not.
	return nil
}
