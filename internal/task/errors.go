package task

import (
	"errors"
	"fmt"
)

var (
	// ErrCheckerRequest is returned when the checking service cannot be reached.
	ErrCheckerRequest = errors.New("checker request failed")

	// ErrCheckerStatus is returned for a non-2xx checker response.
	ErrCheckerStatus = errors.New("checker returned non-success status")

	// ErrEnvelopeDecode is returned when the checker response is not a valid envelope.
	ErrEnvelopeDecode = errors.New("decode checker response")

	// ErrItemFailed is returned when the checker reports an item as failed.
	ErrItemFailed = errors.New("inference item failed")

	// ErrLedgerSubmit is returned when a ledger submission fails.
	ErrLedgerSubmit = errors.New("ledger submission failed")

	// ErrConfidenceRange is returned for a confidence outside [0, 1].
	ErrConfidenceRange = errors.New("confidence out of range")
)

// StatusError carries a non-2xx checker response. Body is surfaced verbatim.
type StatusError struct {
	Status    int
	Body      string
	Truncated bool
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("checker returned status %d", e.Status)
	}
	return fmt.Sprintf("checker returned status %d: %s", e.Status, e.Body)
}

// StatusCode exposes the HTTP status for error classification.
func (e *StatusError) StatusCode() int { return e.Status }

func (e *StatusError) Unwrap() error { return ErrCheckerStatus }

// ItemError reports the first item the checker tagged as an error.
type ItemError struct {
	Reference string
	Message   string
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("inference error for %s: %s", e.Reference, e.Message)
}

func (e *ItemError) Unwrap() error { return ErrItemFailed }
