// Package sink persists decoded samples. Every sink stamps samples with its
// own wall clock; callers only hand over a measurement, a field and a value.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sink accepts labeled numeric samples.
type Sink interface {
	// Name returns a short identifier used in logs and errors.
	Name() string
	// Publish writes one sample stamped with the current time.
	Publish(ctx context.Context, measurement, field string, value float64) error
	// Close flushes and releases the sink.
	Close() error
}

// PublishError wraps a write failure of one sink.
type PublishError struct {
	Sink string
	Err  error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s: %v", e.Sink, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Multi fans a sample out to every sink. A failing sink does not stop the
// others; the errors are joined.
type Multi []Sink

func (m Multi) Name() string { return "multi" }

func (m Multi) Publish(ctx context.Context, measurement, field string, value float64) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, measurement, field, value); err != nil {
			var pe *PublishError
			if !errors.As(err, &pe) {
				err = &PublishError{Sink: s.Name(), Err: err}
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink, in reverse order of registration.
func (m Multi) Close() error {
	var errs []error
	for i := len(m) - 1; i >= 0; i-- {
		if err := m[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", m[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Discard accepts and drops every sample.
type Discard struct{}

func (Discard) Name() string { return "discard" }

func (Discard) Publish(context.Context, string, string, float64) error { return nil }

func (Discard) Close() error { return nil }

// record is the serialized form shared by the message-oriented sinks.
type record struct {
	Measurement string    `json:"measurement"`
	Field       string    `json:"field"`
	Value       float64   `json:"value"`
	Time        time.Time `json:"time"`
}
