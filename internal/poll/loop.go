// Package poll drives the OBD-II request cycle over the configured parameter
// set, decodes each response and hands the value to a sink.
package poll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/obd2-logger/internal/can"
	"github.com/shaunagostinho/obd2-logger/internal/obd"
	"github.com/shaunagostinho/obd2-logger/internal/sink"
)

// State is the poll loop's position in the request cycle.
type State int32

const (
	Idle State = iota
	Requesting
	AwaitingResponse
	Decoding
	Publishing
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requesting:
		return "requesting"
	case AwaitingResponse:
		return "awaiting-response"
	case Decoding:
		return "decoding"
	case Publishing:
		return "publishing"
	case ShuttingDown:
		return "shutting-down"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds loop settings.
type Config struct {
	// Measurement is the sink measurement every sample is written under.
	Measurement string
	// CycleInterval is the pause between full passes over the parameter set.
	CycleInterval time.Duration
}

// Loop owns the bus for its whole lifetime and closes it exactly once when
// Run returns, whatever the exit path.
type Loop struct {
	cfg     Config
	bus     can.Transport
	cycle   *obd.Cycle
	sink    sink.Sink
	log     logrus.FieldLogger
	metrics *Metrics

	state    atomic.Int32
	failures map[string]int

	closeOnce sync.Once
	closeErr  error
}

// New creates a loop. It takes ownership of bus.
func New(bus can.Transport, cycle *obd.Cycle, s sink.Sink, cfg Config, log logrus.FieldLogger, m *Metrics) (*Loop, error) {
	if bus == nil {
		return nil, errors.New("poll: transport required")
	}
	if cycle == nil {
		return nil, errors.New("poll: cycle required")
	}
	if s == nil {
		s = sink.Discard{}
	}
	if cfg.Measurement == "" {
		cfg.Measurement = "obd2"
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Loop{
		cfg:      cfg,
		bus:      bus,
		cycle:    cycle,
		sink:     s,
		log:      log.WithField("component", "poll"),
		metrics:  m,
		failures: make(map[string]int),
	}, nil
}

// State returns the current state.
func (l *Loop) State() State { return State(l.state.Load()) }

func (l *Loop) setState(s State) { l.state.Store(int32(s)) }

// Run polls every parameter in order, forever, until ctx is cancelled.
// Per-parameter failures are logged and skipped. Run returns nil on
// cancellation; the bus is closed before Run returns, including when a
// sub-step panics.
func (l *Loop) Run(ctx context.Context) error {
	defer l.shutdown()

	params := l.cycle.Parameters()
	bus := &trackedBus{Transport: l.bus, loop: l}

	l.log.Infof("polling %d parameters on %s (timeout %v)", len(params), l.bus.Name(), l.cycle.Timeout())

	for {
		start := time.Now()
		for _, p := range params {
			if ctx.Err() != nil {
				return nil
			}
			l.step(ctx, bus, p)
		}
		if ctx.Err() != nil {
			return nil
		}
		l.metrics.Cycles.Inc()
		l.metrics.CycleDuration.Observe(time.Since(start).Seconds())

		if l.cfg.CycleInterval > 0 && !l.pause(ctx, l.cfg.CycleInterval) {
			return nil
		}
	}
}

// step runs one Requesting → AwaitingResponse → Decoding → Publishing pass
// for p.
func (l *Loop) step(ctx context.Context, bus can.Transport, p obd.Parameter) {
	log := l.log.WithField("param", p.Name)

	l.setState(Requesting)
	l.metrics.Requests.WithLabelValues(p.Name).Inc()
	log.Debugf("requesting PID %s", p.PID)

	raw, err := l.cycle.RequestAndCollect(ctx, bus, p.Name)
	if err != nil {
		if !obd.Recoverable(err) {
			return
		}
		l.skip(log, p, err)
		var te *obd.TransportError
		if errors.As(err, &te) {
			// A dead bus fails instantly; wait one response timeout
			// before the next request.
			l.pause(ctx, l.cycle.Timeout())
		}
		return
	}

	l.setState(Decoding)
	value, err := obd.Decode(raw, p.Signal)
	if err != nil {
		l.skip(log, p, err)
		return
	}

	l.setState(Publishing)
	if err := l.sink.Publish(ctx, l.cfg.Measurement, p.Name, value); err != nil {
		if !obd.Recoverable(err) && ctx.Err() != nil {
			return
		}
		l.metrics.PublishFailures.WithLabelValues(p.Name).Inc()
		l.fail(p)
		log.Warnf("sample dropped: %v", err)
		return
	}

	l.failures[p.Name] = 0
	l.metrics.ConsecutiveFailures.WithLabelValues(p.Name).Set(0)
	l.metrics.Published.WithLabelValues(p.Name).Inc()
	l.metrics.LastValue.WithLabelValues(p.Name, p.Signal.Unit).Set(value)
	log.WithField("value", value).Infof("wrote %s = %g %s", p.Name, value, p.Signal.Unit)
}

// pause idles for d. It returns false if ctx ended first.
func (l *Loop) pause(ctx context.Context, d time.Duration) bool {
	l.setState(Idle)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (l *Loop) skip(log logrus.FieldLogger, p obd.Parameter, err error) {
	reason := Reason(err)
	l.metrics.Skipped.WithLabelValues(p.Name, reason).Inc()
	l.fail(p)

	log = log.WithField("reason", reason)
	switch reason {
	case ReasonMalformedPayload:
		log.Errorf("skipped, signal definition does not match device: %v", err)
	case ReasonTransport:
		log.Warnf("skipped: %v", err)
	default:
		log.Infof("skipped: %v", err)
	}
}

func (l *Loop) fail(p obd.Parameter) {
	l.failures[p.Name]++
	l.metrics.ConsecutiveFailures.WithLabelValues(p.Name).Set(float64(l.failures[p.Name]))
}

func (l *Loop) shutdown() {
	l.setState(ShuttingDown)
	if err := l.Close(); err != nil {
		l.log.Errorf("closing %s: %v", l.bus.Name(), err)
	}
	l.setState(Stopped)
	l.log.Infof("stopped")
}

// Close releases the bus. Only the first call has an effect.
func (l *Loop) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.bus.Close()
	})
	return l.closeErr
}

// Skip reasons reported in logs and metrics.
const (
	ReasonNoResponse          = "no_response"
	ReasonUnexpectedParameter = "unexpected_parameter"
	ReasonUnexpectedService   = "unexpected_service"
	ReasonMalformedPayload    = "malformed_payload"
	ReasonUnknownParameter    = "unknown_parameter"
	ReasonTransport           = "transport"
	ReasonOther               = "other"
)

// Reason classifies a cycle error.
func Reason(err error) string {
	var (
		upe *obd.UnexpectedParameterError
		use *obd.UnexpectedServiceError
		te  *obd.TransportError
	)
	switch {
	case errors.Is(err, obd.ErrNoResponse):
		return ReasonNoResponse
	case errors.As(err, &upe):
		return ReasonUnexpectedParameter
	case errors.As(err, &use):
		return ReasonUnexpectedService
	case errors.Is(err, obd.ErrMalformedPayload):
		return ReasonMalformedPayload
	case errors.Is(err, obd.ErrUnknownParameter):
		return ReasonUnknownParameter
	case errors.As(err, &te):
		return ReasonTransport
	default:
		return ReasonOther
	}
}

// trackedBus moves the loop to AwaitingResponse once a request is on the bus.
type trackedBus struct {
	can.Transport
	loop *Loop
}

func (b *trackedBus) Send(ctx context.Context, f can.Frame) error {
	if err := b.Transport.Send(ctx, f); err != nil {
		return err
	}
	b.loop.setState(AwaitingResponse)
	return nil
}

// Close is a no-op; only the loop itself releases the bus.
func (b *trackedBus) Close() error { return nil }
