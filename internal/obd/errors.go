package obd

import (
	"errors"
	"fmt"

	"github.com/shaunagostinho/obd2-logger/internal/catalog"
)

var (
	// ErrNoResponse means no frame arrived within the response timeout.
	ErrNoResponse = errors.New("no response")
	// ErrMalformedPayload means the raw value bytes do not fit the signal's
	// bit length. It points at a catalog/device mismatch.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrUnknownParameter means a name is missing from the catalog or from
	// the polling set.
	ErrUnknownParameter = catalog.ErrUnknownParameter
)

// UnexpectedParameterError is returned when the PID echoed in a response is
// not the one that was requested.
type UnexpectedParameterError struct {
	Got  PID
	Want PID
}

func (e *UnexpectedParameterError) Error() string {
	return fmt.Sprintf("unexpected parameter %s (want %s)", e.Got, e.Want)
}

// UnexpectedServiceError is returned when a response does not carry the
// positive service 01 echo, including negative responses (0x7F).
type UnexpectedServiceError struct {
	Got byte
}

func (e *UnexpectedServiceError) Error() string {
	if e.Got == NegativeResponse {
		return "negative response"
	}
	return fmt.Sprintf("unexpected service 0x%02X (want 0x%02X)", e.Got, PositiveResponse)
}

// TransportError wraps a bus failure during one protocol cycle.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Recoverable reports whether err only skips the current parameter. Every
// cycle error is recoverable except context cancellation.
func Recoverable(err error) bool {
	if err == nil {
		return true
	}
	var te *TransportError
	if errors.As(err, &te) {
		return !isContextErr(te.Err)
	}
	return !isContextErr(err)
}
