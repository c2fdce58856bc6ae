package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Item statuses reported by the checking service.
const (
	ItemStatusSuccess = "success"
	ItemStatusError   = "error"
)

const defaultItemMessage = "unknown error"

// Envelope is the checking service response. ProcessedFiles is advisory and
// need not match len(Results).
type Envelope struct {
	ProcessedFiles int    `json:"processed_files"`
	Results        []Item `json:"results"`
}

// Item is one processed file in an Envelope.
type Item struct {
	URL    string `json:"url"`
	Status string `json:"status"`
	// InferenceResult is either a JSON object or a JSON string holding one.
	InferenceResult json.RawMessage `json:"inference_result,omitempty"`
	Message         *string         `json:"message,omitempty"`
}

// wireEnvelope distinguishes absent and null fields from zero values.
type wireEnvelope struct {
	ProcessedFiles *int64      `json:"processed_files"`
	Results        *[]wireItem `json:"results"`
}

type wireItem struct {
	URL             *string         `json:"url"`
	Status          *string         `json:"status"`
	InferenceResult json.RawMessage `json:"inference_result,omitempty"`
	Message         *string         `json:"message,omitempty"`
}

// DecodeEnvelope parses a checker response. processed_files and results are
// required and non-null, processed_files must be non-negative, and every item
// needs a url and a status. Violations wrap ErrEnvelopeDecode.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnvelopeDecode, err)
	}
	switch {
	case wire.ProcessedFiles == nil:
		return nil, fmt.Errorf("%w: missing processed_files", ErrEnvelopeDecode)
	case *wire.ProcessedFiles < 0 || *wire.ProcessedFiles > math.MaxUint32:
		return nil, fmt.Errorf("%w: processed_files %d out of range", ErrEnvelopeDecode, *wire.ProcessedFiles)
	case wire.Results == nil:
		return nil, fmt.Errorf("%w: missing results", ErrEnvelopeDecode)
	}

	env := &Envelope{ProcessedFiles: int(*wire.ProcessedFiles), Results: make([]Item, 0, len(*wire.Results))}
	for i, w := range *wire.Results {
		if w.URL == nil {
			return nil, fmt.Errorf("%w: results[%d]: missing url", ErrEnvelopeDecode, i)
		}
		if w.Status == nil {
			return nil, fmt.Errorf("%w: results[%d]: missing status", ErrEnvelopeDecode, i)
		}
		env.Results = append(env.Results, Item{
			URL:             *w.URL,
			Status:          *w.Status,
			InferenceResult: w.InferenceResult,
			Message:         w.Message,
		})
	}
	return env, nil
}

// IsError reports whether the checker tagged the item as failed.
func (i Item) IsError() bool { return strings.EqualFold(i.Status, ItemStatusError) }

// IsSuccess reports whether the checker tagged the item as processed.
func (i Item) IsSuccess() bool { return strings.EqualFold(i.Status, ItemStatusSuccess) }

// HasPayload reports whether the item carries an inference result.
func (i Item) HasPayload() bool {
	raw := bytes.TrimSpace(i.InferenceResult)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// ErrorMessage returns the item message or the default.
func (i Item) ErrorMessage() string {
	if i.Message == nil || strings.TrimSpace(*i.Message) == "" {
		return defaultItemMessage
	}
	return *i.Message
}

// Payload is a decoded inference result.
type Payload struct {
	Subject    string
	Label      string
	Confidence float64
}

// JSON keys of an inference result.
const (
	keySubject    = "file"
	keyLabel      = "prediction"
	keyConfidence = "confidence"
)

// payloadDefaults fills fields that are missing or have the wrong type.
var payloadDefaults = Payload{
	Subject:    "unknown",
	Label:      "unknown",
	Confidence: 0.0,
}

// DecodePayload decodes an inference result, applying payloadDefaults.
func DecodePayload(raw json.RawMessage) (Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return Payload{}, fmt.Errorf("decode payload string: %w", err)
		}
		raw = []byte(inner)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	if fields == nil {
		return Payload{}, fmt.Errorf("decode payload: not an object")
	}

	p := payloadDefaults
	if v, ok := fields[keySubject].(string); ok {
		p.Subject = v
	}
	if v, ok := fields[keyLabel].(string); ok {
		p.Label = v
	}
	if v, ok := fields[keyConfidence].(float64); ok {
		p.Confidence = v
	}

	if math.IsNaN(p.Confidence) || math.IsInf(p.Confidence, 0) || p.Confidence < 0 || p.Confidence > 1 {
		return Payload{}, fmt.Errorf("%w: %v", ErrConfidenceRange, p.Confidence)
	}
	return p, nil
}
