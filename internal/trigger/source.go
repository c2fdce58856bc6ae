// Package trigger turns external signals into task runs.
package trigger

import (
	"context"
	"unicode/utf8"
)

// Request asks for one task run.
type Request struct {
	FileReference string
	// Origin names the source that produced the request.
	Origin string
	// TaskIndex is the upstream task identifier, when the source has one.
	TaskIndex uint64
	// Fallback is set when the raw reference could not be decoded.
	Fallback bool
}

// Source emits task requests until ctx is done or it fails.
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- Request) error
}

// DecodeFileReference decodes a raw trigger payload as UTF-8. Invalid bytes
// yield fallback and false.
func DecodeFileReference(raw []byte, fallback string) (string, bool) {
	if !utf8.Valid(raw) {
		return fallback, false
	}
	return string(raw), true
}

// StaticSource emits a fixed list of requests and returns.
type StaticSource struct {
	Label    string
	Requests []Request
}

func (s *StaticSource) Name() string {
	if s.Label == "" {
		return "static"
	}
	return s.Label
}

func (s *StaticSource) Run(ctx context.Context, out chan<- Request) error {
	for _, req := range s.Requests {
		if req.Origin == "" {
			req.Origin = s.Name()
		}
		select {
		case out <- req:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
