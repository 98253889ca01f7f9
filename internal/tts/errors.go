package tts

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrInvalidInput is returned before any I/O when the caller's input is rejected
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnexpectedDisconnect is wrapped in a ConnectionError when the duplex
	// connection closes before the server signalled done
	ErrUnexpectedDisconnect = errors.New("connection closed before synthesis completed")

	// ErrNoOpenSegment is returned when audio is pushed with no open segment
	ErrNoOpenSegment = errors.New("no open audio segment")

	// ErrStreamClosed is returned when input is written to a finished stream
	ErrStreamClosed = errors.New("stream is closed")
)

// ConnectionError is a network-level failure establishing or maintaining
// the transport. It is retryable.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("luna connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TimeoutError reports an exceeded connect or read deadline. It is retryable.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("luna timeout during %s: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// StatusError is a non-success HTTP response
type StatusError struct {
	StatusCode int
	Body       string
	RequestID  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("luna API returned status %d: %s", e.StatusCode, e.Body)
}

// APIError is an application error reported by the server
type APIError struct {
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("luna API error: %s", e.Message)
}

// IsRetryable reports whether err belongs to the retryable transport category
// (connection or timeout). Status and protocol errors are not retryable.
func IsRetryable(err error) bool {
	var connErr *ConnectionError
	var timeoutErr *TimeoutError
	return errors.As(err, &connErr) || errors.As(err, &timeoutErr)
}

// classifyTransportError maps a raw transport error into the taxonomy
func classifyTransportError(op string, err error) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &TimeoutError{Op: op, Err: err}
	}
	return &ConnectionError{Op: op, Err: err}
}

// errorType returns a metrics label for err
func errorType(err error) string {
	var (
		connErr    *ConnectionError
		timeoutErr *TimeoutError
		statusErr  *StatusError
		apiErr     *APIError
	)

	switch {
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &connErr):
		return "connection"
	case errors.As(err, &statusErr):
		return "status"
	case errors.As(err, &apiErr):
		return "protocol"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "internal"
	}
}
