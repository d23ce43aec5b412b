package llama

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStreamUnavailable means the server answered without a readable body.
	ErrStreamUnavailable = errors.New("llamaclient: response has no readable body")
	// ErrMalformedPayload means an event's data field was missing or not JSON.
	ErrMalformedPayload = errors.New("llamaclient: malformed event payload")
	// ErrCancelled means the request was aborted by the caller or by Close.
	ErrCancelled = errors.New("llamaclient: stream cancelled")
	// ErrTransport covers any other network failure while connecting or reading.
	ErrTransport = errors.New("llamaclient: transport error")
	// ErrUpstreamStatus is matched by every *StatusError.
	ErrUpstreamStatus = errors.New("llamaclient: upstream error status")
)

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *StatusError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("llamaclient: upstream %d: %s (%s)", e.StatusCode, e.Message, e.Type)
	}
	return fmt.Sprintf("llamaclient: upstream %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUpstreamStatus
}

// Temporary reports whether the status is worth tripping a breaker over.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// classify wraps err with the sentinel describing it. ctxErr is the request
// context's error, which decides cancellation even when the transport
// reports it as a plain read failure.
func classify(err, ctxErr error) error {
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, ErrMalformedPayload),
		errors.Is(err, ErrStreamUnavailable), errors.Is(err, ErrUpstreamStatus):
		return err
	case ctxErr != nil:
		return fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
	case isCancellation(err):
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	default:
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
}
