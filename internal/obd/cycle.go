package obd

import (
	"context"
	"fmt"
	"time"

	"github.com/shaunagostinho/obd2-logger/internal/can"
)

// DefaultTimeout is how long a cycle waits for a response.
const DefaultTimeout = time.Second

// CycleConfig holds the request addressing and response timeout.
type CycleConfig struct {
	RequestID uint32
	Timeout   time.Duration
}

// Cycle performs one request/response exchange per parameter.
// It holds no reference to the bus; the caller lends it for each call.
type Cycle struct {
	cfg    CycleConfig
	params []Parameter
	byName map[string]int
}

// NewCycle creates a cycle for the bound parameters.
func NewCycle(params []Parameter, cfg CycleConfig) (*Cycle, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("obd: at least one parameter required")
	}
	if cfg.RequestID == 0 {
		cfg.RequestID = RequestID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := &Cycle{
		cfg:    cfg,
		params: make([]Parameter, len(params)),
		byName: make(map[string]int, len(params)),
	}
	copy(c.params, params)
	for i, p := range c.params {
		if p.Signal == nil {
			return nil, fmt.Errorf("obd: %s has no signal definition", p.Name)
		}
		if err := checkSignal(p.Signal); err != nil {
			return nil, fmt.Errorf("obd: %s: %w", p.Name, err)
		}
		c.byName[p.Name] = i
	}
	return c, nil
}

// Timeout returns the response timeout in use.
func (c *Cycle) Timeout() time.Duration { return c.cfg.Timeout }

// Parameters returns the polling set in order. The result is a copy.
func (c *Cycle) Parameters() []Parameter {
	out := make([]Parameter, len(c.params))
	copy(out, c.params)
	return out
}

// Parameter returns the named parameter from the polling set.
func (c *Cycle) Parameter(name string) (Parameter, error) {
	i, ok := c.byName[name]
	if !ok {
		return Parameter{}, fmt.Errorf("%w: %s", ErrUnknownParameter, name)
	}
	return c.params[i], nil
}

// RequestAndCollect sends the request for the named parameter on bus, waits
// for one response and returns its raw value bytes.
//
// Exactly one frame is sent and at most one is received. There is no retry.
//
// Besides the PID echo in byte 2, byte 1 must be the positive service 01
// echo (0x41). Anything else, a 0x7F negative response included, fails with
// *UnexpectedServiceError and is skipped like a PID mismatch.
func (c *Cycle) RequestAndCollect(ctx context.Context, bus can.Transport, name string) ([]byte, error) {
	p, err := c.Parameter(name)
	if err != nil {
		return nil, err
	}

	if err := bus.Send(ctx, NewRequest(c.cfg.RequestID, p.PID)); err != nil {
		return nil, &TransportError{Op: "send", Err: err}
	}

	f, ok, err := bus.Receive(ctx, c.cfg.Timeout)
	if err != nil {
		return nil, &TransportError{Op: "receive", Err: err}
	}
	if !ok {
		return nil, ErrNoResponse
	}
	return extract(f, p)
}

// extract validates a response frame against p and slices out its value.
func extract(f can.Frame, p Parameter) ([]byte, error) {
	payload := f.Payload()
	if len(payload) < valueOffset {
		return nil, fmt.Errorf("%w: response of %d bytes has no header", ErrMalformedPayload, len(payload))
	}
	if payload[1] != PositiveResponse {
		return nil, &UnexpectedServiceError{Got: payload[1]}
	}
	if got := PID(payload[2]); got != p.PID {
		return nil, &UnexpectedParameterError{Got: got, Want: p.PID}
	}

	n := int(p.Signal.BitLength / 8)
	if len(payload) < valueOffset+n {
		return nil, fmt.Errorf("%w: response has %d value bytes, want %d", ErrMalformedPayload, len(payload)-valueOffset, n)
	}
	raw := make([]byte, n)
	copy(raw, payload[valueOffset:valueOffset+n])
	return raw, nil
}
