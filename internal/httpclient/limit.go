package httpclient

import (
	"errors"
	"fmt"
	"io"
)

// DefaultBodyLimit bounds sidecar response bodies.
const DefaultBodyLimit int64 = 1 << 20

// ErrBodyTooLarge is returned when a body exceeds its read limit.
var ErrBodyTooLarge = errors.New("response body exceeds limit")

// ReadAllWithLimit reads the whole body or fails with ErrBodyTooLarge. A
// non-positive limit means DefaultBodyLimit; sidecar bodies are never read
// unbounded.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	data, over, err := readUpTo(r, limit)
	if err != nil {
		return nil, err
	}
	if over {
		return nil, fmt.Errorf("%w of %d bytes", ErrBodyTooLarge, effectiveLimit(limit))
	}
	return data, nil
}

// ReadPrefix returns at most limit bytes of r and whether the rest was cut
// off. Bytes read before a failure are returned alongside the error.
func ReadPrefix(r io.Reader, limit int64) ([]byte, bool, error) {
	return readUpTo(r, limit)
}

func readUpTo(r io.Reader, limit int64) ([]byte, bool, error) {
	limit = effectiveLimit(limit)
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if int64(len(data)) > limit {
		return data[:limit], true, err
	}
	return data, false, err
}

func effectiveLimit(limit int64) int64 {
	if limit <= 0 {
		return DefaultBodyLimit
	}
	return limit
}
